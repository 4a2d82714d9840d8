package occupancy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leezencounter/leezen/internal/bbox"
	"github.com/leezencounter/leezen/internal/model"
	"github.com/leezencounter/leezen/internal/store"
	"github.com/leezencounter/leezen/internal/timeseries"
)

var (
	testFrame = bbox.Frame{Width: 1600, Height: 1200}
	testNow   = time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)
)

type fakeStore struct {
	store.StationStore

	stations  []model.Station
	records   []model.DetectionRecord
	latestErr error
	sinceArgs [][]string
}

func (f *fakeStore) ListStations(context.Context) ([]model.Station, error) {
	return f.stations, nil
}

func (f *fakeStore) RecordsSince(_ context.Context, locations []string, since time.Time) ([]model.DetectionRecord, error) {
	f.sinceArgs = append(f.sinceArgs, locations)
	want := map[string]bool{}
	for _, l := range locations {
		want[l] = true
	}
	var out []model.DetectionRecord
	for _, r := range f.records {
		if want[r.Location] && !r.ReceivedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestRecord(_ context.Context, location string) (*model.DetectionRecord, error) {
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	var latest *model.DetectionRecord
	for i, r := range f.records {
		if r.Location == location && (latest == nil || r.ReceivedAt.After(latest.ReceivedAt)) {
			latest = &f.records[i]
		}
	}
	return latest, nil
}

func newTestService(fs *fakeStore) *Service {
	s := NewService(fs, testFrame)
	s.now = func() time.Time { return testNow }
	return s
}

func rec(location string, ago time.Duration, total int) model.DetectionRecord {
	return model.DetectionRecord{
		DeviceID:      "cam-" + location,
		Location:      location,
		ReceivedAt:    testNow.Add(-ago),
		Timestamp:     testNow.Add(-ago),
		TotalDetected: total,
		Predictions:   []model.Prediction{{BBox: []float64{0, 0, 800, 600}, Confidence: 0.9}},
	}
}

func TestPercent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bikes, capacity int
		want            float64
	}{
		{0, 10, 0},
		{5, 10, 50},
		{10, 10, 100},
		{12, 10, 100},
		{3, 0, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Percent(tt.bikes, tt.capacity), 1e-9)
	}
}

func TestLatest(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{records: []model.DetectionRecord{
		rec("a", 2*time.Hour, 4),
		rec("a", time.Hour, 12),
		rec("b", time.Minute, 1),
	}}
	svc := newTestService(fs)

	occ, err := svc.Latest(context.Background(), model.Station{ID: 1, Name: "A", Capacity: 10, TTNLocationKey: "a"})
	require.NoError(t, err)
	assert.Equal(t, 12, occ.Bikes)
	assert.Equal(t, 100.0, occ.Percent)
	assert.True(t, occ.Overfull)
	require.NotNil(t, occ.ObservedAt)
	assert.Equal(t, testNow.Add(-time.Hour), *occ.ObservedAt)
}

func TestLatest_NoRecords(t *testing.T) {
	t.Parallel()

	svc := newTestService(&fakeStore{})
	occ, err := svc.Latest(context.Background(), model.Station{ID: 2, Capacity: 5, TTNLocationKey: "empty"})
	require.NoError(t, err)
	assert.Zero(t, occ.Bikes)
	assert.Zero(t, occ.Percent)
	assert.False(t, occ.Overfull)
	assert.Nil(t, occ.ObservedAt)
}

func TestLatest_Demo(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	svc := newTestService(fs)
	st := model.Station{ID: 3, Capacity: 8, TTNLocationKey: "demo", Demo: true}

	first, err := svc.Latest(context.Background(), st)
	require.NoError(t, err)
	second, err := svc.Latest(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.NotNil(t, first.ObservedAt)
	assert.False(t, first.ObservedAt.After(testNow))
	assert.Empty(t, fs.sinceArgs)
}

func TestLatestAll(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{
		stations: []model.Station{
			{ID: 1, Name: "A", Capacity: 4, TTNLocationKey: "a"},
			{ID: 2, Name: "B", Capacity: 4, TTNLocationKey: "b"},
			{ID: 3, Name: "C", Capacity: 4, TTNLocationKey: "c", Demo: true},
		},
		records: []model.DetectionRecord{rec("a", time.Hour, 1), rec("b", time.Hour, 2)},
	}

	all, err := newTestService(fs).LatestAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].StationID)
	assert.Equal(t, 1, all[0].Bikes)
	assert.Equal(t, 2, all[1].Bikes)
	assert.Equal(t, 50.0, all[1].Percent)
	assert.Equal(t, "C", all[2].Name)
}

func TestLatestAll_Error(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{
		stations:  []model.Station{{ID: 1, Capacity: 4, TTNLocationKey: "a"}},
		latestErr: errors.New("db down"),
	}
	_, err := newTestService(fs).LatestAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRecords_Normalized(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{records: []model.DetectionRecord{
		rec("a", time.Hour, 1),
		rec("a", 120*24*time.Hour, 1),
	}}
	recs, err := newTestService(fs).Records(context.Background(), model.Station{TTNLocationKey: "a"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []float64{0.25, 0.25, 0.5, 0.5}, recs[0].Predictions[0].BBox)
	// The fake's backing slice keeps raw pixels.
	assert.Equal(t, []float64{0, 0, 800, 600}, fs.records[0].Predictions[0].BBox)
}

func TestSeries_SingleStation(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{records: []model.DetectionRecord{
		rec("a", 30*time.Minute, 2),
		rec("a", 90*time.Minute, 3),
	}}
	pts, err := newTestService(fs).Series(context.Background(), model.Station{TTNLocationKey: "a"}, timeseries.Window48h, timeseries.ModeAggregate)
	require.NoError(t, err)
	require.Len(t, pts, 48)

	total := 0
	for _, p := range pts {
		total += p.Count
	}
	assert.Equal(t, 5, total)
}

func TestFleetSeries(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{
		stations: []model.Station{
			{ID: 1, TTNLocationKey: "a"},
			{ID: 2, TTNLocationKey: "b"},
			{ID: 3, TTNLocationKey: "c", Demo: true},
		},
		records: []model.DetectionRecord{rec("a", time.Hour, 2), rec("b", time.Hour, 3)},
	}
	svc := newTestService(fs)

	pts, err := svc.FleetSeries(context.Background(), timeseries.Window7d)
	require.NoError(t, err)
	assert.Len(t, pts, 42)
	require.Len(t, fs.sinceArgs, 1)
	assert.Equal(t, []string{"a", "b"}, fs.sinceArgs[0])

	demo := svc.demoSince(fs.stations[2], timeseries.Window7d.Start(testNow))
	want := 5
	for _, r := range demo {
		want += r.TotalDetected
	}
	got := 0
	for _, p := range pts {
		got += p.Count
	}
	assert.Equal(t, want, got)
}

func TestFleetSeries_OnlyDemo(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{stations: []model.Station{{ID: 9, TTNLocationKey: "d", Demo: true}}}
	pts, err := newTestService(fs).FleetSeries(context.Background(), timeseries.Window48h)
	require.NoError(t, err)
	assert.Len(t, pts, 48)
	assert.Empty(t, fs.sinceArgs)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Summary{}, Summarize(nil))

	s := Summarize([]model.DetectionRecord{
		{TotalDetected: 4}, {TotalDetected: 1}, {TotalDetected: 7}, {TotalDetected: 2},
	})
	assert.Equal(t, 4, s.Samples)
	assert.Equal(t, 2, s.Current)
	assert.Equal(t, 1, s.Lowest)
	assert.Equal(t, 7, s.Highest)
	assert.InDelta(t, 3.5, s.Average, 1e-9)
}
