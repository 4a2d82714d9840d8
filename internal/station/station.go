// Package station manages Leezenbox monitoring stations.
package station

import (
	"context"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/leezencounter/leezen/internal/model"
	"github.com/leezencounter/leezen/internal/store"
)

// MsgNotFound is reported when a station id does not exist.
const MsgNotFound = "Leezenbox not found"

// DeleteReason classifies a failed deletion.
type DeleteReason string

const (
	ReasonNone            DeleteReason = ""
	ReasonNotFound        DeleteReason = "not_found"
	ReasonDefaultLocation DeleteReason = "default_location"
)

// DeleteResult reports the outcome of Delete as data rather than an error.
type DeleteResult struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Reason  DeleteReason `json:"-"`
}

// Service applies station business rules on top of a StationStore.
type Service struct {
	store store.StationStore
}

// NewService creates a Service.
func NewService(st store.StationStore) *Service {
	return &Service{store: st}
}

// Create normalizes and validates in, then stores it. Validation failures are
// returned as *ValidationError.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Station, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	st, err := s.store.CreateStation(ctx, in.Station())
	if err != nil {
		return nil, eris.Wrap(err, "station: create")
	}
	zap.L().Info("station: created",
		zap.Int64("id", st.ID),
		zap.String("name", st.Name),
		zap.String("ttn_location_key", st.TTNLocationKey),
	)
	return st, nil
}

// Get returns the station with id, or nil when none exists.
func (s *Service) Get(ctx context.Context, id int64) (*model.Station, error) {
	st, err := s.store.GetStation(ctx, id)
	return st, eris.Wrapf(err, "station: get %d", id)
}

// List returns all stations ordered by name.
func (s *Service) List(ctx context.Context) ([]model.Station, error) {
	stations, err := s.store.ListStations(ctx)
	return stations, eris.Wrap(err, "station: list")
}

// Delete removes a station unless it is missing or marked as a default
// location. Business-rule failures are reported in the result; only storage
// failures are returned as errors.
func (s *Service) Delete(ctx context.Context, id int64) (DeleteResult, error) {
	st, err := s.store.GetStation(ctx, id)
	if err != nil {
		return DeleteResult{}, eris.Wrapf(err, "station: lookup %d", id)
	}
	if st == nil {
		return DeleteResult{Error: MsgNotFound, Reason: ReasonNotFound}, nil
	}
	if st.DefaultLocation {
		return DeleteResult{
			Error:  fmt.Sprintf("Cannot delete \"%s\" because it is marked as a default location", st.Name),
			Reason: ReasonDefaultLocation,
		}, nil
	}

	n, err := s.store.DeleteStation(ctx, id)
	if err != nil {
		return DeleteResult{}, eris.Wrapf(err, "station: delete %d", id)
	}
	if n == 0 {
		// Removed concurrently between lookup and delete.
		return DeleteResult{Error: MsgNotFound, Reason: ReasonNotFound}, nil
	}
	zap.L().Info("station: deleted", zap.Int64("id", id), zap.String("name", st.Name))
	return DeleteResult{Success: true}, nil
}

// seedFile is the YAML layout accepted by LoadSeed.
type seedFile struct {
	Stations []CreateInput `yaml:"stations"`
}

// LoadSeed decodes a YAML station list and validates every entry.
func LoadSeed(r io.Reader) ([]model.Station, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, eris.Wrap(err, "station: decode seed")
	}

	seen := make(map[string]int, len(f.Stations))
	stations := make([]model.Station, 0, len(f.Stations))
	for i, in := range f.Stations {
		in = in.Normalize()
		if err := in.Validate(); err != nil {
			return nil, eris.Wrapf(err, "station: seed entry %d", i)
		}
		if j, dup := seen[in.TTNLocationKey]; dup {
			return nil, eris.Errorf("station: seed entries %d and %d share ttn_location_key %q", j, i, in.TTNLocationKey)
		}
		seen[in.TTNLocationKey] = i
		stations = append(stations, in.Station())
	}
	return stations, nil
}

// Seed upserts stations keyed on ttn_location_key.
func (s *Service) Seed(ctx context.Context, stations []model.Station) (int64, error) {
	n, err := s.store.UpsertStations(ctx, stations)
	if err != nil {
		return 0, eris.Wrap(err, "station: seed")
	}
	zap.L().Info("station: seeded", zap.Int("stations", len(stations)), zap.Int64("rows", n))
	return n, nil
}
