// Package api serves the dashboard's JSON endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/leezencounter/leezen/internal/bbox"
	"github.com/leezencounter/leezen/internal/ingest"
	"github.com/leezencounter/leezen/internal/live"
	"github.com/leezencounter/leezen/internal/metrics"
	"github.com/leezencounter/leezen/internal/occupancy"
	"github.com/leezencounter/leezen/internal/station"
	"github.com/leezencounter/leezen/internal/store"
)

// Ingestor runs one ingestion pass.
type Ingestor interface {
	Run(ctx context.Context) (*ingest.Result, error)
}

// Deps are the services the router dispatches to.
type Deps struct {
	Records     store.RecordStore
	Stations    *station.Service
	Occupancy   *occupancy.Service
	Ingest      Ingestor
	Metrics     *metrics.Metrics
	Live        *live.Hub
	Frame       bbox.Frame
	CORSOrigins []string
}

type server struct {
	Deps
}

func (s *server) publish(eventType string, data any) {
	if s.Live != nil {
		s.Live.Publish(eventType, data)
	}
}

// NewRouter builds the HTTP handler. Routes live under /api to match the
// paths the dashboard frontend already calls.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/cron", s.handleIngest)
		r.Get("/ttn-data", s.handleListRecords)

		r.Get("/stations", s.handleListStations)
		r.Post("/stations", s.handleCreateStation)
		r.Get("/stations.geojson", s.handleStationsGeoJSON)
		r.Route("/stations/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetStation)
			r.Delete("/", s.handleDeleteStation)
			r.Get("/records", s.handleStationRecords)
			r.Get("/series", s.handleStationSeries)
			r.Get("/occupancy", s.handleStationOccupancy)
		})

		if d.Live != nil {
			r.Method(http.MethodGet, "/live", d.Live)
		}

		r.Get("/series", s.handleFleetSeries)
		r.Get("/occupancy", s.handleFleetOccupancy)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
