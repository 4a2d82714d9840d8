package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/leezencounter/leezen/internal/live"
	"github.com/leezencounter/leezen/internal/model"
	"github.com/leezencounter/leezen/internal/occupancy"
	"github.com/leezencounter/leezen/internal/station"
	"github.com/leezencounter/leezen/internal/timeseries"
)

const maxBodyBytes = 1 << 20

func (s *server) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.Stations.List(r.Context())
	if err != nil {
		writeInternal(w, r, "failed to list stations", err)
		return
	}
	if stations == nil {
		stations = []model.Station{}
	}
	writeJSON(w, http.StatusOK, stations)
}

func (s *server) handleCreateStation(w http.ResponseWriter, r *http.Request) {
	var in station.CreateInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Details: err.Error()})
		return
	}

	st, err := s.Stations.Create(r.Context(), in)
	if err != nil {
		var ve *station.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: ve.Fields})
			return
		}
		writeInternal(w, r, "failed to create station", err)
		return
	}
	s.publish(live.EventStationCreated, st)
	writeJSON(w, http.StatusCreated, st)
}

// lookupStation resolves the {id} route parameter, writing the error response
// itself when the station cannot be produced.
func (s *server) lookupStation(w http.ResponseWriter, r *http.Request) (*model.Station, bool) {
	id, ok := stationID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid station id")
		return nil, false
	}
	st, err := s.Stations.Get(r.Context(), id)
	if err != nil {
		writeInternal(w, r, "failed to load station", err)
		return nil, false
	}
	if st == nil {
		writeError(w, http.StatusNotFound, station.MsgNotFound)
		return nil, false
	}
	return st, true
}

func (s *server) handleGetStation(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupStation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleDeleteStation(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid station id")
		return
	}
	res, err := s.Stations.Delete(r.Context(), id)
	if err != nil {
		writeInternal(w, r, "failed to delete station", err)
		return
	}

	status := http.StatusOK
	switch res.Reason {
	case station.ReasonNone:
		s.publish(live.EventStationDeleted, map[string]int64{"id": id})
	case station.ReasonNotFound:
		status = http.StatusNotFound
	case station.ReasonDefaultLocation:
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

type stationRecords struct {
	Station model.Station           `json:"station"`
	Data    []model.DetectionRecord `json:"data"`
	Summary occupancy.Summary       `json:"summary"`
}

func (s *server) handleStationRecords(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupStation(w, r)
	if !ok {
		return
	}
	recs, err := s.Occupancy.Records(r.Context(), *st)
	if err != nil {
		writeInternal(w, r, "failed to load records", err)
		return
	}
	if recs == nil {
		recs = []model.DetectionRecord{}
	}
	writeJSON(w, http.StatusOK, stationRecords{
		Station: *st,
		Data:    recs,
		Summary: occupancy.Summarize(recs),
	})
}

type stationOccupancy struct {
	occupancy.Occupancy
	Summary occupancy.Summary `json:"summary"`
}

func (s *server) handleStationOccupancy(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupStation(w, r)
	if !ok {
		return
	}
	occ, err := s.Occupancy.Latest(r.Context(), *st)
	if err != nil {
		writeInternal(w, r, "failed to load occupancy", err)
		return
	}
	recs, err := s.Occupancy.Records(r.Context(), *st)
	if err != nil {
		writeInternal(w, r, "failed to load records", err)
		return
	}
	writeJSON(w, http.StatusOK, stationOccupancy{Occupancy: occ, Summary: occupancy.Summarize(recs)})
}

func (s *server) handleFleetOccupancy(w http.ResponseWriter, r *http.Request) {
	all, err := s.Occupancy.LatestAll(r.Context())
	if err != nil {
		writeInternal(w, r, "failed to load occupancy", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

type seriesResponse struct {
	Range       timeseries.Window  `json:"range"`
	BucketWidth string             `json:"bucket_width"`
	Points      []timeseries.Point `json:"points"`
}

// parseSeriesQuery reads range and mode. An absent mode yields def.
func parseSeriesQuery(r *http.Request, def timeseries.Mode) (timeseries.Window, timeseries.Mode, error) {
	q := r.URL.Query()
	win, err := timeseries.ParseWindow(q.Get("range"))
	if err != nil {
		return "", 0, err
	}
	switch q.Get("mode") {
	case "":
		return win, def, nil
	case "aggregate":
		return win, timeseries.ModeAggregate, nil
	case "single":
		return win, timeseries.ModeSingle, nil
	default:
		return "", 0, eris.New("mode must be single or aggregate")
	}
}

func newSeriesResponse(win timeseries.Window, points []timeseries.Point) seriesResponse {
	if points == nil {
		points = []timeseries.Point{}
	}
	return seriesResponse{Range: win, BucketWidth: win.BucketWidth().String(), Points: points}
}

// handleStationSeries serves the drill-down chart of one station, which
// plots individual detections unless mode=aggregate is asked for.
func (s *server) handleStationSeries(w http.ResponseWriter, r *http.Request) {
	win, mode, err := parseSeriesQuery(r, timeseries.ModeSingle)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid series query", Details: err.Error()})
		return
	}
	st, ok := s.lookupStation(w, r)
	if !ok {
		return
	}
	points, err := s.Occupancy.Series(r.Context(), *st, win, mode)
	if err != nil {
		writeInternal(w, r, "failed to build series", err)
		return
	}
	writeJSON(w, http.StatusOK, newSeriesResponse(win, points))
}

func (s *server) handleFleetSeries(w http.ResponseWriter, r *http.Request) {
	win, _, err := parseSeriesQuery(r, timeseries.ModeAggregate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid series query", Details: err.Error()})
		return
	}
	points, err := s.Occupancy.FleetSeries(r.Context(), win)
	if err != nil {
		writeInternal(w, r, "failed to build series", err)
		return
	}
	writeJSON(w, http.StatusOK, newSeriesResponse(win, points))
}
