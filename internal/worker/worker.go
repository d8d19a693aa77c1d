// Package worker applies record writes arriving on Kafka through the index
// manager, for producers that prefer to queue writes instead of calling the
// HTTP API.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nabulines/nabulines/internal/index"
	apperrors "github.com/nabulines/nabulines/pkg/errors"
	"github.com/nabulines/nabulines/pkg/kafka"
	"github.com/nabulines/nabulines/pkg/logger"
	"github.com/nabulines/nabulines/pkg/metrics"
	"github.com/nabulines/nabulines/pkg/resilience"
)

// Op names a write command.
type Op string

const (
	OpPut    Op = "put"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// WriteCommand is the message published to the record-writes topic.
type WriteCommand struct {
	Op         Op             `json:"op"`
	EntityType string         `json:"entity_type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Attribute  string         `json:"attribute,omitempty"`
	Old        any            `json:"old,omitempty"`
	New        any            `json:"new,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// Key partitions commands by record so writes to one record stay ordered.
func (c WriteCommand) Key() string {
	return c.EntityType + ":" + c.ID
}

// Writer is the part of the index manager the worker drives.
type Writer interface {
	Put(ctx context.Context, entityType, id string, attrs map[string]any) (*index.Record, error)
	UpdateAttribute(ctx context.Context, entityType, id, attr string, oldValue, newValue any) error
	Remove(ctx context.Context, entityType, id string) error
}

type Config struct {
	ApplyTimeout     time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Worker turns WriteCommands into manager calls.
type Worker struct {
	writer  Writer
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds a Worker. m may be nil.
func New(writer Writer, cfg Config, m *metrics.Metrics) *Worker {
	w := &Worker{
		writer:  writer,
		timeout: cfg.ApplyTimeout,
		metrics: m,
		logger:  logger.WithComponent("record-worker"),
	}
	w.breaker = resilience.NewCircuitBreaker("index-store", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		IsFailure:        isStoreError,
		OnStateChange: func(name string, _, to resilience.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	if m != nil {
		m.CircuitBreakerState.WithLabelValues("index-store").Set(float64(resilience.StateClosed))
	}
	return w
}

// Handler returns the kafka.MessageHandler for the record-writes topic.
// Messages that can never apply are logged and acknowledged; store failures
// are returned so the consumer redelivers the message.
func (w *Worker) Handler() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		cmd, err := kafka.DecodeJSON[WriteCommand](value)
		if err != nil {
			w.logger.Error("dropping malformed write command", "key", string(key), "error", err)
			w.count("unknown", "malformed")
			return nil
		}
		if cmd.RequestID != "" {
			ctx = logger.WithRequestID(ctx, cmd.RequestID)
		}
		return w.Apply(ctx, cmd)
	}
}

// Apply runs one command. It returns an error only for failures worth
// retrying.
func (w *Worker) Apply(ctx context.Context, cmd WriteCommand) error {
	log := logger.FromContext(ctx).With("op", cmd.Op, "entity_type", cmd.EntityType, "id", cmd.ID)

	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, w.timeout, "apply "+string(cmd.Op), func(ctx context.Context) error {
			return w.apply(ctx, cmd)
		})
	})

	switch {
	case err == nil:
		log.Debug("write command applied")
		w.count(cmd.Op, "ok")
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		w.count(cmd.Op, "circuit_open")
		return err
	case ctx.Err() != nil:
		return err
	case isStoreError(err):
		log.Warn("write command failed, will retry", "error", err)
		w.count(cmd.Op, "retry")
		return err
	default:
		log.Error("dropping write command", "error", err)
		w.count(cmd.Op, "rejected")
		return nil
	}
}

func (w *Worker) apply(ctx context.Context, cmd WriteCommand) error {
	switch cmd.Op {
	case OpPut:
		_, err := w.writer.Put(ctx, cmd.EntityType, cmd.ID, cmd.Attributes)
		return err
	case OpUpdate:
		return w.writer.UpdateAttribute(ctx, cmd.EntityType, cmd.ID, cmd.Attribute, cmd.Old, cmd.New)
	case OpRemove:
		return w.writer.Remove(ctx, cmd.EntityType, cmd.ID)
	default:
		return apperrors.Invalid("unknown op %q", cmd.Op)
	}
}

func (w *Worker) count(op Op, result string) {
	if w.metrics != nil {
		w.metrics.WorkerMessagesTotal.WithLabelValues(string(op), result).Inc()
	}
}

// isStoreError reports failures caused by the store rather than the command.
func isStoreError(err error) bool {
	return errors.Is(err, apperrors.ErrStoreUnavailable) ||
		errors.Is(err, apperrors.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
