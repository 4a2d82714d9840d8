// Package occupancy derives current occupancy and chart series for stations.
package occupancy

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/leezencounter/leezen/internal/bbox"
	"github.com/leezencounter/leezen/internal/model"
	"github.com/leezencounter/leezen/internal/store"
	"github.com/leezencounter/leezen/internal/timeseries"
)

// HistoryWindow bounds how far back station records are loaded.
const HistoryWindow = timeseries.Window3m

const latestConcurrency = 8

// Store is the subset of store.Store the service reads from.
type Store interface {
	store.StationStore
	RecordsSince(ctx context.Context, locations []string, since time.Time) ([]model.DetectionRecord, error)
	LatestRecord(ctx context.Context, location string) (*model.DetectionRecord, error)
}

// Occupancy is the most recent bike count of a station relative to its capacity.
type Occupancy struct {
	StationID  int64      `json:"station_id"`
	Name       string     `json:"name"`
	Bikes      int        `json:"bikes"`
	Capacity   int        `json:"capacity"`
	Percent    float64    `json:"percent"`
	Overfull   bool       `json:"overfull"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// Summary describes the bike counts of a set of records.
type Summary struct {
	Samples int     `json:"samples"`
	Current int     `json:"current"`
	Average float64 `json:"average"`
	Lowest  int     `json:"lowest"`
	Highest int     `json:"highest"`
}

// Service reads station history from the store, substituting synthetic data
// for demo stations.
type Service struct {
	store Store
	frame bbox.Frame
	now   func() time.Time
}

// NewService creates a Service.
func NewService(st Store, frame bbox.Frame) *Service {
	return &Service{store: st, frame: frame, now: time.Now}
}

// Records returns the station's records for the history window, oldest first,
// with boxes normalized to the reference frame.
func (s *Service) Records(ctx context.Context, st model.Station) ([]model.DetectionRecord, error) {
	recs, err := s.rawRecords(ctx, st, HistoryWindow.Start(s.now()))
	if err != nil {
		return nil, err
	}
	return bbox.NormalizeRecords(recs, s.frame), nil
}

func (s *Service) rawRecords(ctx context.Context, st model.Station, since time.Time) ([]model.DetectionRecord, error) {
	if st.Demo {
		return s.demoSince(st, since), nil
	}
	recs, err := s.store.RecordsSince(ctx, []string{st.TTNLocationKey}, since)
	if err != nil {
		return nil, eris.Wrapf(err, "occupancy: records for station %d", st.ID)
	}
	return recs, nil
}

func (s *Service) demoSince(st model.Station, since time.Time) []model.DetectionRecord {
	all := DemoRecords(st, s.frame, s.now())
	out := make([]model.DetectionRecord, 0, len(all))
	for _, r := range all {
		if !r.ReceivedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// Series buckets one station's detections over window.
func (s *Service) Series(ctx context.Context, st model.Station, w timeseries.Window, mode timeseries.Mode) ([]timeseries.Point, error) {
	now := s.now()
	recs, err := s.rawRecords(ctx, st, w.Start(now))
	if err != nil {
		return nil, err
	}
	return timeseries.Aggregate(timeseries.EventsFromRecords(recs), w, now, mode), nil
}

// FleetSeries sums detections of every station over window.
func (s *Service) FleetSeries(ctx context.Context, w timeseries.Window) ([]timeseries.Point, error) {
	now := s.now()
	start := w.Start(now)

	stations, err := s.store.ListStations(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "occupancy: list stations")
	}

	var events []timeseries.Event
	var keys []string
	for _, st := range stations {
		if st.Demo {
			recs := s.demoSince(st, start)
			events = append(events, timeseries.EventsFromRecords(recs)...)
			continue
		}
		keys = append(keys, st.TTNLocationKey)
	}

	if len(keys) > 0 {
		recs, err := s.store.RecordsSince(ctx, keys, start)
		if err != nil {
			return nil, eris.Wrap(err, "occupancy: fleet records")
		}
		events = append(events, timeseries.EventsFromRecords(recs)...)
	}
	return timeseries.Aggregate(events, w, now, timeseries.ModeAggregate), nil
}

// Latest returns the station's most recent occupancy. A station without
// records reports zero bikes and no observation time.
func (s *Service) Latest(ctx context.Context, st model.Station) (Occupancy, error) {
	var latest *model.DetectionRecord
	if st.Demo {
		recs := DemoRecords(st, s.frame, s.now())
		if len(recs) > 0 {
			latest = &recs[len(recs)-1]
		}
	} else {
		var err error
		latest, err = s.store.LatestRecord(ctx, st.TTNLocationKey)
		if err != nil {
			return Occupancy{}, eris.Wrapf(err, "occupancy: latest for station %d", st.ID)
		}
	}

	occ := Occupancy{StationID: st.ID, Name: st.Name, Capacity: st.Capacity}
	if latest != nil {
		at := latest.ReceivedAt
		occ.Bikes = latest.TotalDetected
		occ.ObservedAt = &at
	}
	occ.Percent = Percent(occ.Bikes, occ.Capacity)
	occ.Overfull = occ.Bikes > occ.Capacity
	return occ, nil
}

// LatestAll returns the latest occupancy of every station, in station order.
func (s *Service) LatestAll(ctx context.Context) ([]Occupancy, error) {
	stations, err := s.store.ListStations(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "occupancy: list stations")
	}

	out := make([]Occupancy, len(stations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(latestConcurrency)
	for i, st := range stations {
		g.Go(func() error {
			occ, err := s.Latest(gctx, st)
			if err != nil {
				return err
			}
			out[i] = occ
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Percent is bikes as a share of capacity, capped at 100.
func Percent(bikes, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Min(float64(bikes)/float64(capacity)*100, 100)
}

// Summarize computes count statistics over recs, which must be oldest first.
func Summarize(recs []model.DetectionRecord) Summary {
	if len(recs) == 0 {
		return Summary{}
	}
	sum := Summary{
		Samples: len(recs),
		Current: recs[len(recs)-1].TotalDetected,
		Lowest:  recs[0].TotalDetected,
		Highest: recs[0].TotalDetected,
	}
	total := 0
	for _, r := range recs {
		total += r.TotalDetected
		sum.Lowest = min(sum.Lowest, r.TotalDetected)
		sum.Highest = max(sum.Highest, r.TotalDetected)
	}
	sum.Average = float64(total) / float64(len(recs))
	return sum
}
