// Package timeseries buckets detection events into fixed-width intervals over
// a lookback window for charting.
package timeseries

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/leezencounter/leezen/internal/model"
)

// Window is a supported lookback window.
type Window string

const (
	Window48h Window = "48h"
	Window7d  Window = "7d"
	Window30d Window = "30d"
	Window3m  Window = "3m"
)

// DefaultWindow is used when a caller does not pick a window.
const DefaultWindow = Window3m

// Windows lists every supported window from finest to coarsest.
var Windows = []Window{Window48h, Window7d, Window30d, Window3m}

// ParseWindow validates s as a Window. An empty string yields DefaultWindow.
func ParseWindow(s string) (Window, error) {
	if s == "" {
		return DefaultWindow, nil
	}
	for _, w := range Windows {
		if string(w) == s {
			return w, nil
		}
	}
	return "", eris.Errorf("timeseries: unsupported window %q", s)
}

// BucketWidth returns the bucket size used for w.
func (w Window) BucketWidth() time.Duration {
	switch w {
	case Window48h:
		return time.Hour
	case Window7d:
		return 4 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Start returns the beginning of the window that ends at now.
func (w Window) Start(now time.Time) time.Time {
	switch w {
	case Window48h:
		return now.Add(-48 * time.Hour)
	case Window7d:
		return now.AddDate(0, 0, -7)
	case Window30d:
		return now.AddDate(0, 0, -30)
	default:
		return now.AddDate(0, -3, 0)
	}
}

// Mode selects how events are combined.
type Mode int

const (
	// ModeAggregate sums all events per bucket and fills gaps with zeros.
	ModeAggregate Mode = iota
	// ModeSingle reports each event as its own point. It only applies to the
	// 48h window; coarser windows fall back to ModeAggregate.
	ModeSingle
)

// Event is one timestamped detection count.
type Event struct {
	At     time.Time
	Count  int
	Source string
}

// Point is one entry of a chart series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// EventsFromRecords maps detection records to events keyed on reception time.
func EventsFromRecords(recs []model.DetectionRecord) []Event {
	events := make([]Event, len(recs))
	for i, r := range recs {
		events[i] = Event{At: r.ReceivedAt, Count: r.TotalDetected, Source: r.DeviceID}
	}
	return events
}

// Aggregate builds the series for w ending at now.
func Aggregate(events []Event, w Window, now time.Time, mode Mode) []Point {
	now = now.UTC()
	if mode == ModeSingle && w == Window48h {
		return single(events, w.Start(now), now)
	}
	return bucketed(events, w, now)
}

// BucketCount returns how many buckets cover w when it ends at now.
func BucketCount(w Window, now time.Time) int {
	now = now.UTC()
	span := now.Sub(w.Start(now))
	width := w.BucketWidth()
	n := int(span / width)
	if span%width != 0 {
		n++
	}
	return n
}

func bucketed(events []Event, w Window, now time.Time) []Point {
	start := w.Start(now)
	width := w.BucketWidth()
	n := BucketCount(w, now)

	points := make([]Point, n)
	for i := range points {
		points[i] = Point{Timestamp: start.Add(time.Duration(i) * width)}
	}

	for _, e := range events {
		if !valid(e) {
			continue
		}
		t := e.At.UTC()
		if t.Before(start) || t.After(now) {
			continue
		}
		idx := int(t.Sub(start) / width)
		if idx >= n {
			idx = n - 1
		}
		points[idx].Count += e.Count
	}
	return points
}

func single(events []Event, start, now time.Time) []Point {
	points := make([]Point, 0, len(events))
	for _, e := range events {
		if !valid(e) {
			continue
		}
		t := e.At.UTC()
		if t.Before(start) || t.After(now) {
			continue
		}
		points = append(points, Point{Timestamp: t, Count: e.Count})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Timestamp.Equal(points[j].Timestamp) {
			return points[i].Count < points[j].Count
		}
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points
}

func valid(e Event) bool {
	if e.At.IsZero() {
		zap.L().Warn("timeseries: skipping event with invalid timestamp",
			zap.String("source", e.Source),
			zap.Int("count", e.Count),
		)
		return false
	}
	return true
}
