// Package index implements the secondary index manager. Primary records live
// at <type>:<id>; for every indexed attribute the manager keeps a membership
// set idx:<index>:<value> or an ordered set idx:<index> in step with them.
//
// Writes are sequential round trips without a transaction unless
// Options.AtomicWrites is set, so a failure part way leaves drift behind.
// Drift is repaired by Rebuild and detected by Verify.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nabulines/nabulines/internal/events"
	"github.com/nabulines/nabulines/internal/schema"
	apperrors "github.com/nabulines/nabulines/pkg/errors"
	"github.com/nabulines/nabulines/pkg/logger"
	"github.com/nabulines/nabulines/pkg/metrics"
	pkgredis "github.com/nabulines/nabulines/pkg/redis"
)

// ErrPartialWrite marks a failed mutation after which some of its writes
// were already applied. The record and its indexes may disagree until the
// next rebuild.
var ErrPartialWrite = errors.New("partial write")

const maxTop = 1000

// Store is the key/value contract the manager runs on. *redis.Client
// satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	MGet(ctx context.Context, keys ...string) ([]string, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRangeAll(ctx context.Context, key string) ([]pkgredis.ScoredMember, error)
	ZTop(ctx context.Context, key string, n int64) ([]pkgredis.ScoredMember, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	ReplaceSet(ctx context.Context, key string, members []string) error
	ReplaceSortedSet(ctx context.Context, key string, entries []pkgredis.ScoredMember) error
	Batch(ctx context.Context, atomic bool, fn func(w pkgredis.Writer) error) error
}

// Sink receives an event after every successful mutation.
type Sink interface {
	Track(event events.IndexEvent)
}

type Options struct {
	// AtomicWrites runs each compound mutation inside MULTI/EXEC.
	AtomicWrites       bool
	FetchBatchSize     int
	RebuildParallelism int
	// RebuildTimeout bounds one rebuild or verify run. The run is shared by
	// every caller that joins it, so it does not stop when one of them
	// goes away.
	RebuildTimeout time.Duration
	Sink           Sink
	Metrics        *metrics.Metrics
	Clock          func() time.Time
}

// Scored is one entry of an ordered index.
type Scored struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type Manager struct {
	store    Store
	registry *schema.Registry
	opts     Options
	logger   *slog.Logger
	flight   singleflight.Group
}

func NewManager(store Store, registry *schema.Registry, opts Options) *Manager {
	if opts.FetchBatchSize <= 0 {
		opts.FetchBatchSize = 200
	}
	if opts.RebuildParallelism <= 0 {
		opts.RebuildParallelism = 1
	}
	if opts.RebuildTimeout <= 0 {
		opts.RebuildTimeout = 10 * time.Minute
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		store:    store,
		registry: registry,
		opts:     opts,
		logger:   slog.Default().With("component", "index-manager"),
	}
}

// Registry returns the schemas the manager indexes.
func (m *Manager) Registry() *schema.Registry {
	return m.registry
}

// Put validates attrs and writes the record, then adds its id to every
// declared index. When a record already exists its createdAt is kept and
// memberships for values that changed are removed first.
func (m *Manager) Put(ctx context.Context, entityType, id string, attrs map[string]any) (rec *Record, err error) {
	start := time.Now()
	defer func() { m.observe(entityType, "put", start, err) }()

	s, err := m.registry.Get(entityType)
	if err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	clean, err := s.Validate(attrs)
	if err != nil {
		return nil, err
	}

	prev, err := m.load(ctx, s, id)
	if err != nil && !isCorrupt(err) {
		return nil, err
	}
	if isCorrupt(err) {
		logger.FromContext(ctx).Warn("overwriting unreadable record",
			"entity_type", entityType, "id", id, "error", err)
		prev = nil
	}

	now := m.now()
	rec = &Record{Type: entityType, ID: id, CreatedAt: now, UpdatedAt: now, Attributes: clean}
	if prev != nil && !prev.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	doc, err := rec.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", PrimaryKey(entityType, id), err)
	}

	err = m.write(ctx, "put", entityType, id, func(w pkgredis.Writer) error {
		if err := w.Set(PrimaryKey(entityType, id), string(doc)); err != nil {
			return err
		}
		for _, f := range s.Indexed() {
			if err := removeStale(w, f, id, prev.Attr(f.Name), rec.Attr(f.Name)); err != nil {
				return err
			}
			if err := addMembership(w, f, id, rec.Attr(f.Name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Debug("record put", "entity_type", entityType, "id", id, "replaced", prev != nil)
	m.emit(ctx, events.IndexEvent{Type: events.EventRecordPut, EntityType: entityType, ID: id})
	return rec, nil
}

// UpdateAttribute moves id from the oldValue index to the newValue index and
// then updates the field on the record. oldValue is trusted as given: two
// concurrent updates of one record can leave the id in both indexes until a
// rebuild. A nil newValue clears an optional field.
func (m *Manager) UpdateAttribute(ctx context.Context, entityType, id, attr string, oldValue, newValue any) (err error) {
	start := time.Now()
	defer func() { m.observe(entityType, "update", start, err) }()

	s, err := m.registry.Get(entityType)
	if err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return err
	}
	nv, err := s.ValidateField(attr, newValue)
	if err != nil {
		return err
	}
	f, _ := s.Field(attr)
	ov := oldValue
	if ov != nil {
		if n, err := f.Normalize(ov); err == nil {
			ov = n
		}
	}

	rec, err := m.load(ctx, s, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%s: %w", PrimaryKey(entityType, id), apperrors.ErrRecordNotFound)
	}
	if nv == nil {
		delete(rec.Attributes, attr)
	} else {
		rec.Attributes[attr] = nv
	}
	rec.UpdatedAt = m.now()
	doc, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", PrimaryKey(entityType, id), err)
	}

	err = m.write(ctx, "update", entityType, id, func(w pkgredis.Writer) error {
		if f.Index != nil {
			if err := removeStale(w, f, id, ov, nv); err != nil {
				return err
			}
			if err := addMembership(w, f, id, nv); err != nil {
				return err
			}
		}
		return w.Set(PrimaryKey(entityType, id), string(doc))
	})
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Debug("attribute updated",
		"entity_type", entityType, "id", id, "attribute", attr, "old", ov, "new", nv)
	m.emit(ctx, events.IndexEvent{
		Type:       events.EventAttributeUpdated,
		EntityType: entityType,
		ID:         id,
		Attribute:  attr,
		OldValue:   ov,
		NewValue:   nv,
	})
	return nil
}

// Remove deletes the record, then its memberships for the values it holds
// now and its entries in every ordered index of the type. Memberships left
// from values the record held earlier are not found; Rebuild drops them.
func (m *Manager) Remove(ctx context.Context, entityType, id string) (err error) {
	start := time.Now()
	defer func() { m.observe(entityType, "remove", start, err) }()

	s, err := m.registry.Get(entityType)
	if err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return err
	}
	rec, err := m.load(ctx, s, id)
	if err != nil && !isCorrupt(err) {
		return err
	}
	if rec == nil && err == nil {
		return fmt.Errorf("%s: %w", PrimaryKey(entityType, id), apperrors.ErrRecordNotFound)
	}

	err = m.write(ctx, "remove", entityType, id, func(w pkgredis.Writer) error {
		if err := w.Del(PrimaryKey(entityType, id)); err != nil {
			return err
		}
		for _, f := range s.Indexed() {
			switch f.Index.Kind {
			case schema.Membership:
				for _, v := range f.Values(rec.Attr(f.Name)) {
					if err := w.SRem(MembershipKey(f.Index.Name, v), id); err != nil {
						return err
					}
				}
			case schema.Ordered:
				if err := w.ZRem(OrderedKey(f.Index.Name), id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Debug("record removed", "entity_type", entityType, "id", id)
	m.emit(ctx, events.IndexEvent{Type: events.EventRecordRemoved, EntityType: entityType, ID: id})
	return nil
}

// Get fetches the record directly by id.
func (m *Manager) Get(ctx context.Context, entityType, id string) (rec *Record, err error) {
	start := time.Now()
	defer func() { m.observe(entityType, "get", start, err) }()

	s, err := m.registry.Get(entityType)
	if err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	rec, err = m.load(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s: %w", PrimaryKey(entityType, id), apperrors.ErrRecordNotFound)
	}
	return rec, nil
}

// QueryByAttribute returns the ids indexed under attr = value, sorted. The
// ids are candidates: a caller that needs the records should re-check them,
// which Lookup does. On an ordered attribute the ids scored exactly value
// are returned.
func (m *Manager) QueryByAttribute(ctx context.Context, entityType, attr string, value any) (ids []string, err error) {
	start := time.Now()
	defer func() { m.observe(entityType, "query", start, err) }()

	f, err := m.indexedField(entityType, attr)
	if err != nil {
		return nil, err
	}
	v, err := queryValue(f, value)
	if err != nil {
		return nil, err
	}

	if f.Index.Kind == schema.Ordered {
		score, _ := f.Score(v)
		ids, err := m.store.ZRangeByScore(ctx, OrderedKey(f.Index.Name), score, score)
		if err != nil {
			return nil, storeError("query", entityType, err)
		}
		sort.Strings(ids)
		return nonNil(ids), nil
	}

	values := f.Values(v)
	if len(values) == 1 {
		ids, err := m.store.SMembers(ctx, MembershipKey(f.Index.Name, values[0]))
		if err != nil {
			return nil, storeError("query", entityType, err)
		}
		sort.Strings(ids)
		return nonNil(ids), nil
	}
	seen := make(map[string]struct{})
	for _, val := range values {
		members, err := m.store.SMembers(ctx, MembershipKey(f.Index.Name, val))
		if err != nil {
			return nil, storeError("query", entityType, err)
		}
		for _, id := range members {
			seen[id] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

// Lookup resolves QueryByAttribute candidates to records, keeping only the
// ones whose stored value still matches. Dangling and stale memberships are
// skipped and logged.
func (m *Manager) Lookup(ctx context.Context, entityType, attr string, value any) ([]*Record, error) {
	ids, err := m.QueryByAttribute(ctx, entityType, attr, value)
	if err != nil {
		return nil, err
	}
	s, _ := m.registry.Get(entityType)
	f, _ := s.Field(attr)
	v, _ := queryValue(f, value)

	recs, err := m.fetch(ctx, s, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(recs))
	var dangling, stale int
	for i, rec := range recs {
		switch {
		case rec == nil:
			dangling++
			logger.FromContext(ctx).Debug("index points at missing record",
				"entity_type", entityType, "id", ids[i], "attribute", attr)
		case !matches(f, rec.Attr(attr), v):
			stale++
		default:
			out = append(out, rec)
		}
	}
	if dangling+stale > 0 {
		logger.FromContext(ctx).Info("lookup skipped drifted candidates",
			"entity_type", entityType, "attribute", attr, "dangling", dangling, "stale", stale)
	}
	return out, nil
}

// QueryByRange returns ids whose ordered attribute lies in [min, max], in
// ascending score order. Infinite bounds are open ends.
func (m *Manager) QueryByRange(ctx context.Context, entityType, attr string, min, max float64) (ids []string, err error) {
	start := time.Now()
	defer func() { m.observe(entityType, "range", start, err) }()

	f, err := m.indexedField(entityType, attr)
	if err != nil {
		return nil, err
	}
	if f.Index.Kind != schema.Ordered {
		return nil, fmt.Errorf("%s.%s has no ordered index: %w", entityType, attr, apperrors.ErrNotIndexed)
	}
	if math.IsNaN(min) || math.IsNaN(max) {
		return nil, apperrors.Invalid("range bounds must be numbers")
	}
	if min > max {
		return nil, apperrors.Invalid("min %v is greater than max %v", min, max)
	}
	ids, err = m.store.ZRangeByScore(ctx, OrderedKey(f.Index.Name), min, max)
	if err != nil {
		return nil, storeError("range", entityType, err)
	}
	return nonNil(ids), nil
}

// Top returns the n highest-scored ids of an ordered attribute.
func (m *Manager) Top(ctx context.Context, entityType, attr string, n int) (top []Scored, err error) {
	start := time.Now()
	defer func() { m.observe(entityType, "top", start, err) }()

	f, err := m.indexedField(entityType, attr)
	if err != nil {
		return nil, err
	}
	if f.Index.Kind != schema.Ordered {
		return nil, fmt.Errorf("%s.%s has no ordered index: %w", entityType, attr, apperrors.ErrNotIndexed)
	}
	if n <= 0 || n > maxTop {
		return nil, apperrors.Invalid("n must be between 1 and %d", maxTop)
	}
	entries, err := m.store.ZTop(ctx, OrderedKey(f.Index.Name), int64(n))
	if err != nil {
		return nil, storeError("top", entityType, err)
	}
	top = make([]Scored, len(entries))
	for i, e := range entries {
		top[i] = Scored{ID: e.Member, Score: e.Score}
	}
	return top, nil
}

func (m *Manager) indexedField(entityType, attr string) (schema.Field, error) {
	s, err := m.registry.Get(entityType)
	if err != nil {
		return schema.Field{}, err
	}
	f, ok := s.Field(attr)
	if !ok {
		return schema.Field{}, apperrors.Invalid("%s has no attribute %q", entityType, attr)
	}
	if f.Index == nil {
		return schema.Field{}, fmt.Errorf("%s.%s: %w", entityType, attr, apperrors.ErrNotIndexed)
	}
	return f, nil
}

// load returns nil, nil when the record does not exist.
func (m *Manager) load(ctx context.Context, s *schema.Schema, id string) (*Record, error) {
	data, err := m.store.Get(ctx, PrimaryKey(s.Type, id))
	if pkgredis.IsNilError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get", s.Type, err)
	}
	rec, err := decodeRecord(s, id, data)
	if err != nil {
		return nil, &corruptError{err: err}
	}
	return rec, nil
}

// fetch reads records with MGET in batches. The result is aligned with ids;
// missing and unreadable records are nil.
func (m *Manager) fetch(ctx context.Context, s *schema.Schema, ids []string) ([]*Record, error) {
	out := make([]*Record, len(ids))
	for lo := 0; lo < len(ids); lo += m.opts.FetchBatchSize {
		hi := min(lo+m.opts.FetchBatchSize, len(ids))
		keys := make([]string, hi-lo)
		for i, id := range ids[lo:hi] {
			keys[i] = PrimaryKey(s.Type, id)
		}
		docs, err := m.store.MGet(ctx, keys...)
		if err != nil {
			return nil, storeError("mget", s.Type, err)
		}
		for i, doc := range docs {
			if doc == "" {
				continue
			}
			rec, err := decodeRecord(s, ids[lo+i], doc)
			if err != nil {
				m.logger.Warn("skipping unreadable record", "key", keys[i], "error", err)
				continue
			}
			out[lo+i] = rec
		}
	}
	return out, nil
}

// write runs fn as one compound mutation and classifies its failure.
func (m *Manager) write(ctx context.Context, op, entityType, id string, fn func(w pkgredis.Writer) error) error {
	var applied int
	err := m.store.Batch(ctx, m.opts.AtomicWrites, func(w pkgredis.Writer) error {
		cw := &countingWriter{Writer: w}
		err := fn(cw)
		applied = cw.applied
		return err
	})
	if err == nil {
		return nil
	}
	var txErr *pkgredis.TxError
	if errors.As(err, &txErr) {
		applied += txErr.Applied
	}
	fault := storeFault(err)
	if applied > 0 {
		if m.opts.Metrics != nil {
			m.opts.Metrics.PartialWritesTotal.WithLabelValues(entityType, op).Inc()
		}
		logger.FromContext(ctx).Warn("partial write left index drift",
			"op", op, "entity_type", entityType, "id", id, "applied", applied, "error", err)
		return fmt.Errorf("%s %s: %w after %d writes: %w: %w",
			op, PrimaryKey(entityType, id), ErrPartialWrite, applied, fault, err)
	}
	logger.FromContext(ctx).Error("store write failed",
		"op", op, "entity_type", entityType, "id", id, "error", err)
	return fmt.Errorf("%s %s: %w: %w", op, PrimaryKey(entityType, id), fault, err)
}

func (m *Manager) emit(ctx context.Context, event events.IndexEvent) {
	event.Timestamp = m.now()
	event.RequestID = logger.RequestID(ctx)
	m.opts.Sink.Track(event)
}

func (m *Manager) observe(entityType, op string, start time.Time, err error) {
	if m.opts.Metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrPartialWrite):
		result = "partial"
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		result = "store_error"
	case errors.Is(err, apperrors.ErrTimeout):
		result = "timeout"
	case errors.Is(err, apperrors.ErrRecordNotFound):
		result = "not_found"
	default:
		result = "rejected"
	}
	m.opts.Metrics.IndexOpsTotal.WithLabelValues(entityType, op, result).Inc()
	m.opts.Metrics.IndexOpDuration.WithLabelValues(entityType, op).Observe(time.Since(start).Seconds())
}

func (m *Manager) now() time.Time {
	return m.opts.Clock().UTC()
}

// removeStale drops memberships for values of prev that next no longer
// holds. An ordered entry is dropped only when next has no score.
func removeStale(w pkgredis.Writer, f schema.Field, id string, prev, next any) error {
	switch f.Index.Kind {
	case schema.Membership:
		keep := make(map[string]struct{})
		for _, v := range f.Values(next) {
			keep[v] = struct{}{}
		}
		for _, v := range f.Values(prev) {
			if _, ok := keep[v]; ok {
				continue
			}
			if err := w.SRem(MembershipKey(f.Index.Name, v), id); err != nil {
				return err
			}
		}
	case schema.Ordered:
		if _, ok := f.Score(next); !ok && prev != nil {
			return w.ZRem(OrderedKey(f.Index.Name), id)
		}
	}
	return nil
}

func addMembership(w pkgredis.Writer, f schema.Field, id string, v any) error {
	switch f.Index.Kind {
	case schema.Membership:
		for _, val := range f.Values(v) {
			if err := w.SAdd(MembershipKey(f.Index.Name, val), id); err != nil {
				return err
			}
		}
	case schema.Ordered:
		if score, ok := f.Score(v); ok {
			return w.ZAdd(OrderedKey(f.Index.Name), id, score)
		}
	}
	return nil
}

// queryValue normalizes a query value. A list field is queried by element.
func queryValue(f schema.Field, value any) (any, error) {
	if value == nil {
		return nil, apperrors.Invalid("a value for %s is required", f.Name)
	}
	if s, ok := value.(string); ok && f.Kind == schema.KindStrings {
		return s, nil
	}
	if s, ok := value.(string); ok && f.Kind != schema.KindString {
		v, err := f.Parse(s)
		if err != nil {
			return nil, apperrors.Invalid("%v", err)
		}
		return v, nil
	}
	v, err := f.Normalize(value)
	if err != nil {
		return nil, apperrors.Invalid("%s %v", f.Name, err)
	}
	return v, nil
}

func matches(f schema.Field, live, want any) bool {
	if f.Index.Kind == schema.Ordered {
		a, ok1 := f.Score(live)
		b, ok2 := f.Score(want)
		return ok1 && ok2 && a == b
	}
	have := make(map[string]struct{})
	for _, v := range f.Values(live) {
		have[v] = struct{}{}
	}
	for _, v := range f.Values(want) {
		if _, ok := have[v]; ok {
			return true
		}
	}
	return false
}

func storeError(op, entityType string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, entityType, storeFault(err), err)
}

// storeFault picks the sentinel for a failed store call: the caller's
// context running out is a timeout, anything else is the store.
func storeFault(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrTimeout
	}
	return apperrors.ErrStoreUnavailable
}

type corruptError struct {
	err error
}

func (e *corruptError) Error() string { return e.err.Error() }

func (e *corruptError) Unwrap() []error { return []error{e.err, apperrors.ErrInternal} }

func isCorrupt(err error) bool {
	var ce *corruptError
	return errors.As(err, &ce)
}

// countingWriter counts writes the store has acknowledged. Queued writes
// are counted by the store itself and come back in a *pkgredis.TxError.
type countingWriter struct {
	pkgredis.Writer
	applied int
}

func (w *countingWriter) track(err error) error {
	if err == nil && !w.Queued() {
		w.applied++
	}
	return err
}

func (w *countingWriter) Set(key, value string) error {
	return w.track(w.Writer.Set(key, value))
}

func (w *countingWriter) Del(keys ...string) error {
	return w.track(w.Writer.Del(keys...))
}

func (w *countingWriter) SAdd(key string, members ...string) error {
	return w.track(w.Writer.SAdd(key, members...))
}

func (w *countingWriter) SRem(key string, members ...string) error {
	return w.track(w.Writer.SRem(key, members...))
}

func (w *countingWriter) ZAdd(key, member string, score float64) error {
	return w.track(w.Writer.ZAdd(key, member, score))
}

func (w *countingWriter) ZRem(key string, members ...string) error {
	return w.track(w.Writer.ZRem(key, members...))
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
