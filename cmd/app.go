package main

import (
	"context"
	"net/http"
	"time"

	"github.com/leezencounter/leezen/internal/api"
	"github.com/leezencounter/leezen/internal/ingest"
	"github.com/leezencounter/leezen/internal/metrics"
	"github.com/leezencounter/leezen/internal/occupancy"
	"github.com/leezencounter/leezen/internal/resilience"
	"github.com/leezencounter/leezen/internal/station"
	"github.com/leezencounter/leezen/internal/store"
	"github.com/leezencounter/leezen/pkg/ttn"
)

// appEnv holds the store and services shared by serve, ingest and listen.
type appEnv struct {
	Store     store.Store
	Metrics   *metrics.Metrics
	Pipeline  *ingest.Pipeline
	Stations  *station.Service
	Occupancy *occupancy.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp opens the store and wires every service on top of it. Callers
// should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	return &appEnv{
		Store:     st,
		Metrics:   m,
		Pipeline:  ingest.New(newTTNClient(), st, cfg.Frame, ingest.WithTimeFrame(cfg.TTN.TimeFrame), ingest.WithMetrics(m), ingest.WithRetry(resilience.DefaultPolicy())),
		Stations:  station.NewService(st),
		Occupancy: occupancy.NewService(st, cfg.Frame),
	}, nil
}

func newTTNClient() ttn.Client {
	return ttn.NewClient(cfg.TTN.APIKey,
		ttn.WithBaseURL(cfg.TTN.APIURL),
		ttn.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.TTN.TimeoutSecs) * time.Second}),
		ttn.WithRateLimit(cfg.TTN.RatePerSec, cfg.TTN.Burst),
	)
}

func (e *appEnv) routerDeps() api.Deps {
	return api.Deps{
		Records:     e.Store,
		Stations:    e.Stations,
		Occupancy:   e.Occupancy,
		Ingest:      e.Pipeline,
		Metrics:     e.Metrics,
		Frame:       cfg.Frame,
		CORSOrigins: cfg.Server.CORSOrigins,
	}
}
