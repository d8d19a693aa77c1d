// Command indexworker consumes record writes from Kafka and applies them
// through the index manager.
//
// Usage:
//
//	go run ./cmd/indexworker [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nabulines/nabulines/internal/bootstrap"
	"github.com/nabulines/nabulines/internal/events"
	"github.com/nabulines/nabulines/internal/worker"
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
	if !cfg.Kafka.Enabled {
		slog.Error("index worker needs kafka; set kafka.enabled")
		os.Exit(1)
	}
	slog.Info("starting index worker",
		"topic", cfg.Kafka.Topics.RecordWrites,
		"group", cfg.Kafka.ConsumerGroup,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("index worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("index worker stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	rdb, err := bootstrap.Redis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	m := metrics.New()
	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexEvents)
	defer producer.Close()

	if cfg.Metrics.Enabled {
		checker := health.NewChecker()
		checker.Register("redis", health.PingCheck(rdb))
		checker.Register("kafka", health.PingCheck(producer))
		shutdown := metrics.StartServer(cfg.Metrics.Port,
			metrics.Route{Pattern: "GET /health/live", Handler: checker.LiveHandler()},
			metrics.Route{Pattern: "GET /health/ready", Handler: checker.ReadyHandler()},
		)
		defer shutdown(context.Background())
	}
	collector := events.NewCollector(producer, cfg.Index.EventBuffer,
		events.WithMetrics(m.EventsPublished, m.EventsDropped))
	collectorCtx, cancelCollector := context.WithCancel(context.Background())
	collector.Start(collectorCtx)
	defer func() {
		cancelCollector()
		collector.Close()
	}()

	mgr, err := bootstrap.Manager(rdb, cfg.Index, m, collector)
	if err != nil {
		return err
	}

	w := worker.New(mgr, worker.Config{
		ApplyTimeout:     cfg.Worker.ApplyTimeout,
		FailureThreshold: cfg.Worker.FailureThreshold,
		ResetTimeout:     cfg.Worker.ResetTimeout,
	}, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.RecordWrites, w.Handler())
	return consumer.Start(ctx)
}
