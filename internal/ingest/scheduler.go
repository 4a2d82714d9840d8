package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Runner runs one ingestion pass.
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// Scheduler runs ingestion on a fixed interval.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	onResult func(*Result)
}

// NewScheduler creates a Scheduler. onResult, when set, receives every
// successful result.
func NewScheduler(r Runner, interval time.Duration, onResult func(*Result)) *Scheduler {
	return &Scheduler{runner: r, interval: interval, onResult: onResult}
}

// Run ingests once immediately and then on every tick. It blocks until ctx
// is cancelled. Failed runs are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "ingest.scheduler"))
	log.Info("starting ingestion scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, log)
		select {
		case <-ctx.Done():
			log.Info("ingestion scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, log *zap.Logger) {
	res, err := s.runner.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("ingest: scheduled run failed", zap.Error(err))
		}
		return
	}
	if s.onResult != nil {
		s.onResult(res)
	}
}
