// Package store persists detection records and stations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/leezencounter/leezen/internal/model"
)

// DefaultListLimit is applied when a RecordFilter has no limit.
const DefaultListLimit = 50

// RecordFilter specifies criteria for listing detection records.
type RecordFilter struct {
	DeviceID string `json:"device_id,omitempty"`
	Location string `json:"location,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// RecordStore persists detection records keyed on (device_id, received_at).
type RecordStore interface {
	// ExistingRecordKeys returns which of keys are already stored, in one round trip.
	ExistingRecordKeys(ctx context.Context, keys []model.RecordKey) (map[model.RecordKey]bool, error)
	// InsertRecords inserts all records in one bulk operation. Either every
	// record is stored or none is.
	InsertRecords(ctx context.Context, recs []model.DetectionRecord) (int64, error)
	// UpdateRecord overwrites the stored record with the same natural key.
	UpdateRecord(ctx context.Context, rec model.DetectionRecord) error
	// UpsertRecord inserts or updates a single record and reports whether it was new.
	UpsertRecord(ctx context.Context, rec model.DetectionRecord) (inserted bool, err error)

	// ListRecords returns one page of records (newest capture first) and the
	// total number matching the filter.
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.DetectionRecord, int, error)
	// RecordsSince returns records received at or after since for the given
	// locations (all locations when empty), oldest first.
	RecordsSince(ctx context.Context, locations []string, since time.Time) ([]model.DetectionRecord, error)
	// LatestRecord returns the most recently received record for location, or nil.
	LatestRecord(ctx context.Context, location string) (*model.DetectionRecord, error)
}

// StationStore persists monitoring stations.
type StationStore interface {
	CreateStation(ctx context.Context, st model.Station) (*model.Station, error)
	// GetStation returns nil, nil when no station has the id.
	GetStation(ctx context.Context, id int64) (*model.Station, error)
	ListStations(ctx context.Context) ([]model.Station, error)
	// DeleteStation removes the station and returns the number of rows deleted.
	DeleteStation(ctx context.Context, id int64) (int64, error)
	// UpsertStations inserts or updates stations keyed on ttn_location_key
	// and returns how many rows were inserted or changed.
	UpsertStations(ctx context.Context, stations []model.Station) (int64, error)
}

// Store defines the persistence interface of the dashboard backend.
type Store interface {
	RecordStore
	StationStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func marshalPredictions(preds []model.Prediction) ([]byte, error) {
	if preds == nil {
		preds = []model.Prediction{}
	}
	return json.Marshal(preds)
}

func unmarshalPredictions(data []byte) ([]model.Prediction, error) {
	preds := []model.Prediction{}
	if len(data) == 0 {
		return preds, nil
	}
	if err := json.Unmarshal(data, &preds); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal predictions")
	}
	return preds, nil
}
