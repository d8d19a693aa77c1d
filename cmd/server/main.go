// Command server starts the Nabulines index API.
//
// It serves record writes, attribute queries and admin rebuilds over HTTP,
// authenticating requests with API keys stored in PostgreSQL and publishing
// index events to Kafka when enabled.
//
// Usage:
//
//	go run ./cmd/server [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nabulines/nabulines/internal/api/handler"
	apimw "github.com/nabulines/nabulines/internal/api/middleware"
	"github.com/nabulines/nabulines/internal/api/router"
	"github.com/nabulines/nabulines/internal/auth/apikey"
	"github.com/nabulines/nabulines/internal/auth/ratelimit"
	"github.com/nabulines/nabulines/internal/bootstrap"
	"github.com/nabulines/nabulines/internal/events"
	"github.com/nabulines/nabulines/internal/index"
	"github.com/nabulines/nabulines/internal/rebuildlog"
	"github.com/nabulines/nabulines/pkg/config"
	"github.com/nabulines/nabulines/pkg/health"
	"github.com/nabulines/nabulines/pkg/kafka"
	"github.com/nabulines/nabulines/pkg/logger"
	"github.com/nabulines/nabulines/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting index server", "port", cfg.Server.Port, "atomic_writes", cfg.Index.AtomicWrites, "auth", cfg.Auth.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("index server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("index server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	rdb, err := bootstrap.Redis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	db, err := bootstrap.Postgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	checker := health.NewChecker()
	checker.Register("redis", health.PingCheck(rdb))
	checker.Register("postgres", health.PingCheck(db))

	var sink index.Sink = events.Discard{}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexEvents)
		defer producer.Close()
		collector := events.NewCollector(producer, cfg.Index.EventBuffer,
			events.WithMetrics(m.EventsPublished, m.EventsDropped))
		collectorCtx, cancelCollector := context.WithCancel(context.Background())
		collector.Start(collectorCtx)
		defer func() {
			cancelCollector()
			collector.Close()
		}()
		sink = collector
		checker.Register("kafka", health.OptionalCheck(health.PingCheck(producer)))
	} else {
		checker.Register("kafka", health.StaticCheck(health.StatusUp, "disabled"))
	}

	mgr, err := bootstrap.Manager(rdb, cfg.Index, m, sink)
	if err != nil {
		return err
	}

	validator := apikey.NewValidator(db)
	limiter := ratelimit.New(cfg.Auth.RateWindow)
	defer limiter.Close()

	chain := router.New(router.Deps{
		Handler:        handler.New(mgr, validator, rebuildlog.NewStore(db), cfg.Auth.DefaultRateLimit),
		Validator:      validator,
		Limiter:        limiter,
		Auth:           apimw.AuthOptions{Disabled: !cfg.Auth.Enabled, DevRateLimit: cfg.Auth.DefaultRateLimit},
		RateWindow:     cfg.Auth.RateWindow,
		RequestTimeout: cfg.Server.RequestTimeout,
		CORS:           apimw.DefaultCORSConfig(),
		Metrics:        m,
		Health:         checker,
	})
	if !cfg.Auth.Enabled {
		slog.Warn("api key authentication is disabled, every request runs as admin")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("index server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	<-shutdownDone
	return nil
}
