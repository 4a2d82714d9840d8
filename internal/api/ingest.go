package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/leezencounter/leezen/internal/bbox"
	"github.com/leezencounter/leezen/internal/live"
	"github.com/leezencounter/leezen/internal/model"
	"github.com/leezencounter/leezen/internal/store"
	"github.com/leezencounter/leezen/pkg/ttn"
)

// ingestResponse keeps the camelCase field names the dashboard's cron caller expects.
type ingestResponse struct {
	Message        string                  `json:"message"`
	Data           []model.DetectionRecord `json:"data"`
	SavedCount     int                     `json:"savedCount"`
	TotalProcessed int                     `json:"totalProcessed"`
	ValidRecords   int                     `json:"validRecords"`
	InvalidRecords int                     `json:"invalidRecords"`
	SampleObject   json.RawMessage         `json:"sampleObject"`
	InsertedCount  int                     `json:"insertedCount"`
	UpdatedCount   int                     `json:"updatedCount"`
	FailedCount    int                     `json:"failedCount"`
	DuplicateCount int                     `json:"duplicateCount"`
	Strategy       string                  `json:"strategy"`
	FallbackReason string                  `json:"fallbackReason,omitempty"`
	RunID          string                  `json:"runId"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion not configured")
		return
	}

	res, err := s.Ingest.Run(r.Context())
	if err != nil {
		var se *ttn.StatusError
		switch {
		case errors.Is(err, ttn.ErrMissingAPIKey):
			writeError(w, http.StatusBadRequest, "TTN API key missing")
		case errors.As(err, &se):
			writeJSON(w, se.StatusCode, errorBody{
				Error:   fmt.Sprintf("TTN API returned %d", se.StatusCode),
				Details: se.Body,
			})
		default:
			writeJSON(w, http.StatusInternalServerError, errorBody{
				Error:   "Failed to fetch TTN data",
				Details: err.Error(),
			})
		}
		return
	}

	if res.Saved() > 0 {
		s.publish(live.EventIngest, live.IngestEvent{
			RunID:    res.RunID,
			Inserted: res.Inserted,
			Updated:  res.Updated,
			Records:  res.Records,
		})
	}

	processed := res.Fetched - res.ParseErrors
	sample := res.Sample
	if len(sample) == 0 {
		sample = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Message:        fmt.Sprintf("Successfully processed %d TTN records and saved %d to database", processed, res.Saved()),
		Data:           res.Records,
		SavedCount:     res.Saved(),
		TotalProcessed: processed,
		ValidRecords:   res.Valid,
		InvalidRecords: res.Invalid,
		SampleObject:   sample,
		InsertedCount:  res.Inserted,
		UpdatedCount:   res.Updated,
		FailedCount:    res.Failed,
		DuplicateCount: res.Duplicates,
		Strategy:       string(res.Strategy),
		FallbackReason: res.FallbackReason,
		RunID:          res.RunID,
	})
}

const maxListLimit = 500

type pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type recordPage struct {
	Data       []model.DetectionRecord `json:"data"`
	Pagination pagination              `json:"pagination"`
}

func (s *server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", store.DefaultListLimit)
	if !ok || limit == 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxListLimit)
	offset, ok := intParam(r, "offset", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	q := r.URL.Query()
	recs, total, err := s.Records.ListRecords(r.Context(), store.RecordFilter{
		DeviceID: q.Get("device_id"),
		Location: q.Get("location"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeInternal(w, r, "failed to list records", err)
		return
	}
	if q.Get("normalize") == "true" {
		recs = bbox.NormalizeRecords(recs, s.Frame)
	}
	if recs == nil {
		recs = []model.DetectionRecord{}
	}

	writeJSON(w, http.StatusOK, recordPage{
		Data: recs,
		Pagination: pagination{
			Total:   total,
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(recs) < total,
		},
	})
}
