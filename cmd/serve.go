package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leezencounter/leezen/internal/api"
	"github.com/leezencounter/leezen/internal/ingest"
	"github.com/leezencounter/leezen/internal/live"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.TTN.APIKey == "" {
			zap.L().Warn("TTN API key not configured; /api/cron will answer 400")
		}

		hub := live.NewHub(cfg.Server.CORSOrigins)
		workers := []func(context.Context){hub.Run}

		if cfg.TTN.PollIntervalSecs > 0 {
			interval := time.Duration(cfg.TTN.PollIntervalSecs) * time.Second
			sched := ingest.NewScheduler(env.Pipeline, interval, func(res *ingest.Result) {
				if res.Saved() > 0 {
					hub.Publish(live.EventIngest, live.IngestEvent{
						RunID:    res.RunID,
						Inserted: res.Inserted,
						Updated:  res.Updated,
						Records:  res.Records,
					})
				}
			})
			workers = append(workers, sched.Run)
		}

		deps := env.routerDeps()
		deps.Live = hub
		handler := api.NewRouter(deps)
		grace := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		port := resolvePort(servePort, cfg.Server.Port)
		return runUntilDone(ctx, func(ctx context.Context) error {
			return startServer(ctx, handler, port, grace)
		}, workers...)
	},
}

// runUntilDone runs serve next to the background workers and returns only
// after all of them have stopped, so the store outlives every writer. A
// failing serve cancels the workers.
func runUntilDone(ctx context.Context, serve func(context.Context) error, workers ...func(context.Context)) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, work := range workers {
		g.Go(func() error {
			work(gctx)
			return nil
		})
	}
	g.Go(func() error { return serve(gctx) })
	return g.Wait()
}

// resolvePort prefers the --port flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler until ctx is cancelled, then drains in-flight
// requests for at most grace.
func startServer(ctx context.Context, handler http.Handler, port int, grace time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
	})
	return g.Wait()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
