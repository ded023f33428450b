// File: cmd/store.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/internal/config"
	"github.com/xkilldash9x/browserpilot/internal/store"
)

// storeProvider opens the history store. Tests swap it for one backed by pgxmock.
type storeProvider interface {
	// Create returns the store and a cleanup func that releases its pool.
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*store.Store, func(), error)
}

type pgStoreProvider struct{}

func (pgStoreProvider) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*store.Store, func(), error) {
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (%s_DATABASE_URL)", config.EnvPrefix)
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}

var newStoreProvider = func() storeProvider { return pgStoreProvider{} }
