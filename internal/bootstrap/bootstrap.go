// Package bootstrap connects the shared backends every Nabulines binary
// needs and builds the index manager on top of them.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nabulines/nabulines/internal/auth/apikey"
	"github.com/nabulines/nabulines/internal/entity"
	"github.com/nabulines/nabulines/internal/index"
	"github.com/nabulines/nabulines/internal/rebuildlog"
	"github.com/nabulines/nabulines/pkg/config"
	"github.com/nabulines/nabulines/pkg/metrics"
	"github.com/nabulines/nabulines/pkg/postgres"
	pkgredis "github.com/nabulines/nabulines/pkg/redis"
	"github.com/nabulines/nabulines/pkg/resilience"
)

var connectRetry = resilience.RetryConfig{MaxAttempts: 5}

var postgresRetry = resilience.RetryConfig{
	MaxAttempts: 5,
	Retryable:   func(err error) bool { return !postgres.IsPermanent(err) },
}

// Redis connects to Redis, retrying while it starts up.
func Redis(ctx context.Context, cfg config.RedisConfig) (*pkgredis.Client, error) {
	var client *pkgredis.Client
	err := resilience.Retry(ctx, "redis connect", connectRetry, func(context.Context) error {
		var err error
		client, err = pkgredis.NewClient(cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	slog.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

// Postgres connects to PostgreSQL and creates the api_keys and
// rebuild_runs tables if needed.
func Postgres(ctx context.Context, cfg config.PostgresConfig) (*postgres.Client, error) {
	var db *postgres.Client
	err := resilience.Retry(ctx, "postgres connect", postgresRetry, func(ctx context.Context) error {
		var err error
		db, err = postgres.New(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	if err := db.Migrate(ctx, apikey.Schema, rebuildlog.Schema); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("connected to postgres", "host", cfg.Host, "database", cfg.Database)
	return db, nil
}

// Manager builds the index manager over store for the built-in entity types.
func Manager(store index.Store, cfg config.IndexConfig, m *metrics.Metrics, sink index.Sink) (*index.Manager, error) {
	reg, err := entity.Registry()
	if err != nil {
		return nil, fmt.Errorf("building entity registry: %w", err)
	}
	return index.NewManager(store, reg, index.Options{
		AtomicWrites:       cfg.AtomicWrites,
		FetchBatchSize:     cfg.FetchBatchSize,
		RebuildParallelism: cfg.RebuildParallelism,
		RebuildTimeout:     cfg.RebuildTimeout,
		Sink:               sink,
		Metrics:            m,
	}), nil
}
