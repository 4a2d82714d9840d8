package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leezencounter/leezen/internal/bbox"
	"github.com/leezencounter/leezen/internal/metrics"
	"github.com/leezencounter/leezen/internal/model"
	"github.com/leezencounter/leezen/internal/resilience"
	"github.com/leezencounter/leezen/internal/store"
	"github.com/leezencounter/leezen/pkg/ttn"
)

var testFrame = bbox.Frame{Width: 1600, Height: 1200}

// fakeClient returns a canned body or error.
type fakeClient struct {
	body  string
	err   error
	calls int
	last  string
}

func (f *fakeClient) FetchUplinks(_ context.Context, last string) ([]byte, error) {
	f.calls++
	f.last = last
	return []byte(f.body), f.err
}

// fakeStore is an in-memory RecordStore with injectable failures.
type fakeStore struct {
	store.RecordStore

	mu         sync.Mutex
	rows       map[model.RecordKey]model.DetectionRecord
	existErr   error
	insertErr  error
	updateErr  map[model.RecordKey]error
	upsertErr  map[model.RecordKey]error
	upsertKeys []model.RecordKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:      map[model.RecordKey]model.DetectionRecord{},
		updateErr: map[model.RecordKey]error{},
		upsertErr: map[model.RecordKey]error{},
	}
}

func (f *fakeStore) ExistingRecordKeys(_ context.Context, keys []model.RecordKey) (map[model.RecordKey]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existErr != nil {
		return nil, f.existErr
	}
	out := map[model.RecordKey]bool{}
	for _, k := range keys {
		if _, ok := f.rows[k]; ok {
			out[k] = true
		}
	}
	return out, nil
}

func (f *fakeStore) InsertRecords(_ context.Context, recs []model.DetectionRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	for _, r := range recs {
		f.rows[r.Key()] = r
	}
	return int64(len(recs)), nil
}

func (f *fakeStore) UpdateRecord(_ context.Context, rec model.DetectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[rec.Key()]; err != nil {
		return err
	}
	f.rows[rec.Key()] = rec
	return nil
}

func (f *fakeStore) UpsertRecord(_ context.Context, rec model.DetectionRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertKeys = append(f.upsertKeys, rec.Key())
	if err := f.upsertErr[rec.Key()]; err != nil {
		return false, err
	}
	_, existed := f.rows[rec.Key()]
	f.rows[rec.Key()] = rec
	return !existed, nil
}

func uplinkLine(device, receivedAt, location string, total int) string {
	preds := make([]string, total)
	for i := range preds {
		preds[i] = fmt.Sprintf(`{"bbox":[%d,0,%d,100],"confidence":0.8}`, i*100, i*100+50)
	}
	return fmt.Sprintf(
		`{"result":{"end_device_ids":{"device_id":%q},"received_at":%q,"uplink_message":{"decoded_payload":{"location":%q,"timestamp":%q,"total_detected":%d,"predictions":[%s]}}}}`,
		device, receivedAt, location, receivedAt, total, strings.Join(preds, ","),
	)
}

func TestRun_ExampleEndToEnd(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	client := &fakeClient{body: exampleLine + "\n"}
	p := New(client, st, testFrame, WithTimeFrame("48h"))

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "48h", client.last)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Valid)
	assert.Equal(t, 0, res.Invalid)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Saved())
	assert.Equal(t, StrategyBatched, res.Strategy)
	assert.NotEmpty(t, res.RunID)
	assert.JSONEq(t, exampleLine, string(res.Sample))

	key := model.NewRecordKey("cam-1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	stored, ok := st.rows[key]
	require.True(t, ok)
	// Raw boxes are persisted as received.
	assert.Equal(t, []float64{100, 100, 200, 200}, stored.Predictions[0].BBox)

	require.Len(t, res.Records, 1)
	got := res.Records[0].Predictions[0].BBox
	require.Len(t, got, 4)
	assert.InDelta(t, 0.09375, got[0], 1e-6)
	assert.InDelta(t, 0.125, got[1], 1e-6)
	assert.InDelta(t, 0.0625, got[2], 1e-6)
	assert.InDelta(t, 0.083333, got[3], 1e-6)
}

func TestRun_CountsEveryDisposition(t *testing.T) {
	t.Parallel()

	body := strings.Join([]string{
		uplinkLine("cam-1", "2025-01-01T00:00:00Z", "A", 1),
		`{"broken"`,
		`{"result":{"end_device_ids":{"device_id":"cam-1"}}}`,
		uplinkLine("cam-1", "2025-01-01T01:00:00Z", "A", 2),
		uplinkLine("cam-1", "2025-01-01T00:00:00Z", "A", 3),
		"",
	}, "\n")

	st := newFakeStore()
	m := metrics.New()
	p := New(&fakeClient{body: body}, st, testFrame, WithMetrics(m))

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 1, res.ParseErrors)
	assert.Equal(t, 3, res.Valid)
	assert.Equal(t, 1, res.Invalid)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.Inserted)
	assert.Len(t, res.Records, 2)

	// Last occurrence wins within a batch.
	key := model.NewRecordKey("cam-1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 3, st.rows[key].TotalDetected)
}

func TestRun_UpdatesExisting(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	old := model.DetectionRecord{
		DeviceID:   "cam-1",
		ReceivedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Location:   "old",
	}
	st.rows[old.Key()] = old

	body := uplinkLine("cam-1", "2025-01-01T00:00:00Z", "new", 2) + "\n" +
		uplinkLine("cam-2", "2025-01-01T00:00:00Z", "new", 1)
	res, err := New(&fakeClient{body: body}, st, testFrame).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, StrategyBatched, res.Strategy)
	assert.Empty(t, res.FallbackReason)
	assert.Equal(t, "new", st.rows[old.Key()].Location)
	assert.Empty(t, st.upsertKeys)
}

func TestRun_FallbackWhenBulkInsertFails(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.insertErr = errors.New("copy failed")
	bad := model.NewRecordKey("cam-2", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	st.upsertErr[bad] = errors.New("constraint violation")

	body := uplinkLine("cam-1", "2025-01-01T00:00:00Z", "A", 1) + "\n" +
		uplinkLine("cam-2", "2025-01-01T00:00:00Z", "A", 1) + "\n" +
		uplinkLine("cam-3", "2025-01-01T00:00:00Z", "A", 1)

	m := metrics.New()
	res, err := New(&fakeClient{body: body}, st, testFrame, WithMetrics(m)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StrategyPerRecord, res.Strategy)
	assert.Contains(t, res.FallbackReason, "copy failed")
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Saved())
	assert.Len(t, st.upsertKeys, 3)
	assert.Len(t, st.rows, 2)
}

func TestRun_FallbackSkipsConfirmedRecords(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, d := range []string{"cam-1", "cam-2"} {
		r := model.DetectionRecord{DeviceID: d, ReceivedAt: at, Location: "old"}
		st.rows[r.Key()] = r
	}
	st.updateErr[model.NewRecordKey("cam-2", at)] = errors.New("deadlock detected")

	body := uplinkLine("cam-1", "2025-01-01T00:00:00Z", "A", 1) + "\n" +
		uplinkLine("cam-2", "2025-01-01T00:00:00Z", "A", 1) + "\n" +
		uplinkLine("cam-3", "2025-01-01T00:00:00Z", "A", 1)

	res, err := New(&fakeClient{body: body}, st, testFrame).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StrategyPerRecord, res.Strategy)
	assert.Contains(t, res.FallbackReason, "deadlock")
	// cam-3 inserted in bulk, cam-1 updated; only cam-2 retried.
	assert.Equal(t, []model.RecordKey{model.NewRecordKey("cam-2", at)}, st.upsertKeys)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 2, res.Updated)
	assert.Zero(t, res.Failed)
}

func TestRun_FallbackWhenExistenceCheckFails(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.existErr = errors.New("connection refused")

	res, err := New(&fakeClient{body: exampleLine}, st, testFrame).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StrategyPerRecord, res.Strategy)
	assert.Equal(t, 1, res.Inserted)
}

func TestRun_NoValidRecords(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	res, err := New(&fakeClient{body: "{}\n{\"x\":1}\n"}, st, testFrame).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StrategyNone, res.Strategy)
	assert.Equal(t, 2, res.Invalid)
	assert.NotNil(t, res.Records)
	assert.Empty(t, res.Records)
}

func TestRun_FetchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"missing key", ttn.ErrMissingAPIKey, "config_error"},
		{"upstream", &ttn.StatusError{StatusCode: 503, Body: "busy"}, "upstream_error"},
		{"network", errors.New("dial tcp: timeout"), "fetch_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := newFakeStore()
			_, err := New(&fakeClient{err: tt.err}, st, testFrame).Run(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.err) || errors.As(err, new(*ttn.StatusError)))
			assert.Equal(t, tt.reason, failureReason(err))
			assert.Empty(t, st.rows)
		})
	}
}

func TestRun_NoClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, newFakeStore(), testFrame).Run(context.Background())
	require.Error(t, err)
}

func TestProcessUplink(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	p := New(nil, st, testFrame)

	raw := `{"end_device_ids":{"device_id":"cam-9"},"received_at":"2025-03-01T12:00:00Z","uplink_message":{"decoded_payload":{"location":"Aasee","timestamp":"2025-03-01T12:00:00Z","total_detected":0,"predictions":[]}}}`
	res := p.ProcessUplink(context.Background(), []byte(raw))
	assert.Equal(t, 1, res.Inserted)
	assert.Len(t, st.rows, 1)

	res = p.ProcessUplink(context.Background(), []byte(`{not json`))
	assert.Equal(t, 1, res.ParseErrors)
	assert.Zero(t, res.Valid)
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []model.DetectionRecord{
		{DeviceID: "a", ReceivedAt: at, TotalDetected: 1},
		{DeviceID: "b", ReceivedAt: at, TotalDetected: 2},
		{DeviceID: "a", ReceivedAt: at.In(time.FixedZone("X", 3600)), TotalDetected: 3},
	}
	out, dups := dedupe(recs)
	assert.Equal(t, 1, dups)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].DeviceID)
	assert.Equal(t, 3, out[0].TotalDetected)
	assert.Equal(t, "b", out[1].DeviceID)
}

func TestIngestTwice_SQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	first := uplinkLine("cam-1", "2025-01-01T00:00:00Z", "Hiltrup", 1)
	second := uplinkLine("cam-1", "2025-01-01T00:00:00Z", "Hiltrup", 4)

	res, err := New(&fakeClient{body: first}, st, testFrame).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = New(&fakeClient{body: second}, st, testFrame).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Inserted)

	recs, total, err := st.ListRecords(ctx, store.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 4, recs[0].TotalDetected)
	assert.Len(t, recs[0].Predictions, 4)
}

// flakyClient fails the first failures calls with err.
type flakyClient struct {
	failures int
	err      error
	body     string
	calls    int
}

func (f *flakyClient) FetchUplinks(context.Context, string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return []byte(f.body), nil
}

func TestRun_RetriesTransientFetchErrors(t *testing.T) {
	t.Parallel()

	retry := resilience.Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}
	client := &flakyClient{
		failures: 2,
		err:      fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED),
		body:     exampleLine,
	}
	st := newFakeStore()

	res, err := New(client, st, testFrame, WithRetry(retry)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, 1, res.Inserted)
}

func TestRun_StatusErrorsNotRetried(t *testing.T) {
	t.Parallel()

	retry := resilience.Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}
	client := &flakyClient{
		failures: 5,
		err:      &ttn.StatusError{StatusCode: 503, Body: "maintenance"},
	}

	_, err := New(client, newFakeStore(), testFrame, WithRetry(retry)).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

// microsecondStore keeps received_at at microsecond precision like Postgres
// and reports existing keys as they read back from storage.
type microsecondStore struct {
	*fakeStore
}

func (s microsecondStore) InsertRecords(ctx context.Context, recs []model.DetectionRecord) (int64, error) {
	stored := make([]model.DetectionRecord, len(recs))
	for i, r := range recs {
		r.ReceivedAt = r.ReceivedAt.Truncate(time.Microsecond)
		stored[i] = r
	}
	return s.fakeStore.InsertRecords(ctx, stored)
}

func (s microsecondStore) ExistingRecordKeys(_ context.Context, keys []model.RecordKey) (map[model.RecordKey]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[model.RecordKey]bool{}
	for _, k := range keys {
		for _, row := range s.rows {
			if row.DeviceID == k.DeviceID && row.ReceivedAt.Equal(k.ReceivedAt.Truncate(time.Microsecond)) {
				out[model.RecordKey{DeviceID: row.DeviceID, ReceivedAt: row.ReceivedAt.UTC()}] = true
			}
		}
	}
	return out, nil
}

func TestRun_ReingestNanosecondTimestampsStaysBatched(t *testing.T) {
	t.Parallel()

	st := microsecondStore{newFakeStore()}
	body := uplinkLine("cam-1", "2025-05-20T10:22:31.593745386Z", "A", 2)
	p := New(&fakeClient{body: body}, st, testFrame)

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StrategyBatched, second.Strategy)
	assert.Empty(t, second.FallbackReason)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, second.Updated)
	assert.Equal(t, 0, second.Failed)
	assert.Len(t, st.rows, 1)
	assert.Empty(t, st.upsertKeys)
}
