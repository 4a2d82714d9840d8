package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/leezencounter/leezen/internal/resilience"
	"github.com/leezencounter/leezen/internal/store"
)

// storeConnectAttempts covers a database container that starts after us.
const storeConnectAttempts = 5

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leezen.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store. Callers close it.
func openStore(ctx context.Context) (store.Store, error) {
	policy := resilience.DefaultPolicy().WithAttempts(storeConnectAttempts)
	st, err := resilience.DoVal(ctx, policy, "store connect", initStore)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
