// Package ingest turns TTN storage API responses into persisted detection
// records.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/leezencounter/leezen/internal/bbox"
	"github.com/leezencounter/leezen/internal/metrics"
	"github.com/leezencounter/leezen/internal/model"
	"github.com/leezencounter/leezen/internal/resilience"
	"github.com/leezencounter/leezen/internal/store"
	"github.com/leezencounter/leezen/pkg/ttn"
)

// DefaultTimeFrame is the trailing window requested from the storage API.
const DefaultTimeFrame = "36h"

// Strategy names the persistence path a run ended on.
type Strategy string

const (
	StrategyNone      Strategy = "none"
	StrategyBatched   Strategy = "batched"
	StrategyPerRecord Strategy = "per-record"
)

// Result summarizes one ingestion run.
type Result struct {
	RunID          string                  `json:"run_id"`
	Fetched        int                     `json:"fetched"`
	ParseErrors    int                     `json:"parse_errors"`
	Valid          int                     `json:"valid"`
	Invalid        int                     `json:"invalid"`
	Duplicates     int                     `json:"duplicates"`
	Inserted       int                     `json:"inserted"`
	Updated        int                     `json:"updated"`
	Failed         int                     `json:"failed"`
	Strategy       Strategy                `json:"strategy"`
	FallbackReason string                  `json:"fallback_reason,omitempty"`
	Records        []model.DetectionRecord `json:"records"`
	Sample         json.RawMessage         `json:"sample,omitempty"`
}

// Saved is the number of records durably written by the run.
func (r *Result) Saved() int {
	return r.Inserted + r.Updated
}

// Pipeline fetches, validates and upserts detection records.
type Pipeline struct {
	client    ttn.Client
	store     store.RecordStore
	frame     bbox.Frame
	timeFrame string
	metrics   *metrics.Metrics
	retry     resilience.Policy
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeFrame sets the trailing window passed as ?last= to the storage API.
func WithTimeFrame(tf string) Option {
	return func(p *Pipeline) {
		if tf != "" {
			p.timeFrame = tf
		}
	}
}

// WithMetrics records run outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRetry retries fetches that fail at the transport level. Upstream
// status errors are never retried.
func WithRetry(policy resilience.Policy) Option {
	return func(p *Pipeline) { p.retry = policy }
}

// New creates a Pipeline. client may be nil for pipelines that only process
// pushed uplinks.
func New(client ttn.Client, st store.RecordStore, frame bbox.Frame, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:    client,
		store:     st,
		frame:     frame,
		timeFrame: DefaultTimeFrame,
		retry:     resilience.Once(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run fetches the trailing window from the storage API and processes it.
// Only configuration and upstream failures are returned as errors; per-record
// problems are absorbed into the Result.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if p.client == nil {
		return nil, eris.New("ingest: no TTN client configured")
	}

	body, err := resilience.DoVal(ctx, p.retry, "ttn fetch", func(ctx context.Context) ([]byte, error) {
		return p.client.FetchUplinks(ctx, p.timeFrame)
	})
	if err != nil {
		p.metrics.ObserveFailure(failureReason(err))
		return nil, eris.Wrap(err, "ingest: fetch uplinks")
	}

	objects, parseErrors := ParseLines(body)
	return p.process(ctx, objects, parseErrors), nil
}

// ProcessUplink handles one uplink object pushed by the MQTT integration.
func (p *Pipeline) ProcessUplink(ctx context.Context, raw []byte) *Result {
	if !json.Valid(raw) {
		zap.L().Warn("ingest: skipping malformed uplink", zap.String("prefix", prefix(raw, logPrefixLen)))
		return p.process(ctx, nil, 1)
	}
	return p.process(ctx, []json.RawMessage{raw}, 0)
}

func (p *Pipeline) process(ctx context.Context, objects []json.RawMessage, parseErrors int) *Result {
	start := p.now()
	res := &Result{
		RunID:       uuid.NewString(),
		Fetched:     len(objects) + parseErrors,
		ParseErrors: parseErrors,
		Strategy:    StrategyNone,
		Records:     []model.DetectionRecord{},
	}
	if len(objects) > 0 {
		res.Sample = objects[0]
	}
	log := zap.L().With(zap.String("run_id", res.RunID))

	recs := make([]model.DetectionRecord, 0, len(objects))
	for i, raw := range objects {
		c, err := Extract(raw)
		if err == nil {
			var rec model.DetectionRecord
			rec, err = Validate(c)
			if err == nil {
				recs = append(recs, rec)
				continue
			}
		}
		res.Invalid++
		log.Debug("ingest: rejected record", zap.Int("index", i), zap.Error(err))
	}
	res.Valid = len(recs)

	recs, res.Duplicates = dedupe(recs)
	if len(recs) > 0 {
		p.persist(ctx, log, recs, res)
	}

	res.Records = bbox.NormalizeRecords(recs, p.frame)

	log.Info("ingest: run complete",
		zap.Int("fetched", res.Fetched),
		zap.Int("parse_errors", res.ParseErrors),
		zap.Int("valid", res.Valid),
		zap.Int("invalid", res.Invalid),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
		zap.String("strategy", string(res.Strategy)),
	)
	p.metrics.ObserveRun(metrics.RunStats{
		Strategy:    string(res.Strategy),
		Fetched:     res.Fetched,
		ParseErrors: res.ParseErrors,
		Invalid:     res.Invalid,
		Duplicates:  res.Duplicates,
		Inserted:    res.Inserted,
		Updated:     res.Updated,
		Failed:      res.Failed,
		Fallback:    res.Strategy == StrategyPerRecord,
		Duration:    p.now().Sub(start),
	})
	return res
}

// dedupe keeps the last occurrence of each natural key, preserving the order
// of first appearance.
func dedupe(recs []model.DetectionRecord) ([]model.DetectionRecord, int) {
	idx := make(map[model.RecordKey]int, len(recs))
	out := make([]model.DetectionRecord, 0, len(recs))
	for _, r := range recs {
		if i, ok := idx[r.Key()]; ok {
			out[i] = r
			continue
		}
		idx[r.Key()] = len(out)
		out = append(out, r)
	}
	return out, len(recs) - len(out)
}

// persist runs the batched strategy and falls back to per-record upserts for
// anything the batched path did not confirm.
func (p *Pipeline) persist(ctx context.Context, log *zap.Logger, recs []model.DetectionRecord, res *Result) {
	confirmed := make(map[model.RecordKey]bool, len(recs))

	err := p.persistBatched(ctx, recs, confirmed, res)
	if err == nil {
		res.Strategy = StrategyBatched
		return
	}

	res.Strategy = StrategyPerRecord
	res.FallbackReason = err.Error()
	log.Warn("ingest: batched upsert failed, falling back to per-record upserts",
		zap.Error(err),
		zap.Int("confirmed", len(confirmed)),
		zap.Int("remaining", len(recs)-len(confirmed)),
	)

	for _, r := range recs {
		if confirmed[r.Key()] {
			continue
		}
		inserted, err := p.store.UpsertRecord(ctx, r)
		if err != nil {
			res.Failed++
			log.Error("ingest: upsert record failed",
				zap.String("device_id", r.DeviceID),
				zap.Time("received_at", r.ReceivedAt),
				zap.Error(err),
			)
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
}

func (p *Pipeline) persistBatched(ctx context.Context, recs []model.DetectionRecord, confirmed map[model.RecordKey]bool, res *Result) error {
	keys := make([]model.RecordKey, len(recs))
	for i, r := range recs {
		keys[i] = r.Key()
	}

	existing, err := p.store.ExistingRecordKeys(ctx, keys)
	if err != nil {
		return eris.Wrap(err, "ingest: existence check")
	}

	var fresh, stale []model.DetectionRecord
	for _, r := range recs {
		if existing[r.Key()] {
			stale = append(stale, r)
		} else {
			fresh = append(fresh, r)
		}
	}

	if len(fresh) > 0 {
		if _, err := p.store.InsertRecords(ctx, fresh); err != nil {
			return eris.Wrapf(err, "ingest: bulk insert of %d records", len(fresh))
		}
		for _, r := range fresh {
			confirmed[r.Key()] = true
		}
		res.Inserted += len(fresh)
	}

	for _, r := range stale {
		if err := p.store.UpdateRecord(ctx, r); err != nil {
			return eris.Wrapf(err, "ingest: update %s", r.Key())
		}
		confirmed[r.Key()] = true
		res.Updated++
	}
	return nil
}

func failureReason(err error) string {
	var se *ttn.StatusError
	switch {
	case errors.Is(err, ttn.ErrMissingAPIKey):
		return "config_error"
	case errors.As(err, &se):
		return "upstream_error"
	default:
		return "fetch_error"
	}
}
