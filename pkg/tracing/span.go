// Package tracing times the phases of long operations such as index rebuilds.
// Spans nest through contexts and a finished root is written as one slog line
// carrying the duration of every phase, keyed by the request id when there is
// one.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nabulines/nabulines/pkg/logger"
)

type contextKey struct{}

// Span is one timed phase. Children are phases started under it.
type Span struct {
	Name     string
	TraceID  string
	Start    time.Time
	Duration time.Duration
	Err      error

	mu       sync.Mutex
	ended    bool
	attrs    []slog.Attr
	children []*Span
	now      func() time.Time
}

// Start begins a span under the span in ctx, or a new root when there is
// none. A root takes the request id in ctx as trace id, or a fresh uuid.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	parent := FromContext(ctx)
	span := &Span{Name: name, now: time.Now}
	if parent != nil {
		span.TraceID = parent.TraceID
		span.now = parent.now
		parent.mu.Lock()
		parent.children = append(parent.children, span)
		parent.mu.Unlock()
	} else {
		span.TraceID = logger.RequestID(ctx)
		if span.TraceID == "" {
			span.TraceID = uuid.NewString()
		}
	}
	span.Start = span.now()
	return context.WithValue(ctx, contextKey{}, span), span
}

// FromContext returns the innermost span in ctx, or nil.
func FromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// SetAttr records a value reported with the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, slog.Any(key, value))
	s.mu.Unlock()
}

// End stops the clock. err, when non-nil, marks the span failed. Only the
// first call counts.
func (s *Span) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.Duration = s.now().Sub(s.Start)
	s.Err = err
}

// Log writes the span and its children as a single record: the children
// appear as a group of phase durations in milliseconds.
func (s *Span) Log(ctx context.Context) {
	s.mu.Lock()
	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
	}
	for _, a := range s.attrs {
		attrs = append(attrs, a)
	}
	phases := make([]any, 0, len(s.children))
	for _, c := range s.children {
		phases = append(phases, slog.Int64(c.Name, c.Duration.Milliseconds()))
	}
	err := s.Err
	s.mu.Unlock()

	if len(phases) > 0 {
		attrs = append(attrs, slog.Group("phases_ms", phases...))
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, "error", err)
	}
	logger.FromContext(ctx).Log(ctx, level, "span", attrs...)
}
