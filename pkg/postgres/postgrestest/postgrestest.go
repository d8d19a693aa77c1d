// Package postgrestest connects tests to a disposable PostgreSQL database
// named by TEST_POSTGRES_* variables and skips them when none is reachable.
package postgrestest

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/nabulines/nabulines/pkg/config"
	"github.com/nabulines/nabulines/pkg/postgres"
)

// Config returns the test database settings.
func Config() config.PostgresConfig {
	port, err := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	return config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "nabulines_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "nabulines"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Open connects and applies schema, or skips the test when PostgreSQL is
// unavailable.
func Open(t *testing.T, schema ...string) *postgres.Client {
	t.Helper()
	db, err := postgres.New(context.Background(), Config())
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), schema...); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
