package events

import (
	"context"
	"log/slog"

	"github.com/nabulines/nabulines/pkg/kafka"
	"github.com/prometheus/client_golang/prometheus"
)

// Publisher is the part of kafka.Producer the collector needs.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Collector buffers index events and publishes them in the background.
// Track never blocks: when the buffer is full the event is dropped.
type Collector struct {
	publisher Publisher
	eventCh   chan IndexEvent
	logger    *slog.Logger
	done      chan struct{}
	published *prometheus.CounterVec
	dropped   prometheus.Counter
}

type CollectorOption func(*Collector)

// WithMetrics counts published, failed and dropped events.
func WithMetrics(published *prometheus.CounterVec, dropped prometheus.Counter) CollectorOption {
	return func(c *Collector) {
		c.published = published
		c.dropped = dropped
	}
}

func NewCollector(publisher Publisher, bufferSize int, opts ...CollectorOption) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	c := &Collector{
		publisher: publisher,
		eventCh:   make(chan IndexEvent, bufferSize),
		logger:    slog.Default().With("component", "index-events"),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the publish loop. Cancelling ctx drains what is buffered
// and stops the loop.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, event)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("index event collector started", "buffer_size", cap(c.eventCh))
}

func (c *Collector) Track(event IndexEvent) {
	select {
	case c.eventCh <- event:
	default:
		if c.dropped != nil {
			c.dropped.Inc()
		}
		c.logger.Warn("index event dropped (buffer full)",
			"type", event.Type,
			"entity_type", event.EntityType,
			"id", event.ID,
		)
	}
}

// Close stops accepting events and waits for the loop to exit. It must not
// be called concurrently with Track.
func (c *Collector) Close() {
	close(c.eventCh)
	<-c.done
}

func (c *Collector) publish(ctx context.Context, event IndexEvent) {
	err := c.publisher.Publish(ctx, kafka.Event{Key: event.Key(), Value: event})
	if err != nil {
		c.logger.Error("failed to publish index event", "type", event.Type, "error", err)
	}
	if c.published != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.published.WithLabelValues(result).Inc()
	}
}

func (c *Collector) drainRemaining() {
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.publish(context.Background(), event)
		default:
			return
		}
	}
}

// Discard is a sink that drops every event, for processes without Kafka.
type Discard struct{}

func (Discard) Track(IndexEvent) {}
