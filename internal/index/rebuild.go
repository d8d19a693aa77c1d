package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nabulines/nabulines/internal/events"
	"github.com/nabulines/nabulines/internal/schema"
	apperrors "github.com/nabulines/nabulines/pkg/errors"
	"github.com/nabulines/nabulines/pkg/logger"
	pkgredis "github.com/nabulines/nabulines/pkg/redis"
	"github.com/nabulines/nabulines/pkg/tracing"
)

// RebuildReport describes one rebuild or verify run. Drift counters are
// measured before any index is rewritten, so a rebuild and a verify of the
// same state report the same numbers.
type RebuildReport struct {
	EntityType         string    `json:"entityType"`
	DryRun             bool      `json:"dryRun"`
	RecordsScanned     int       `json:"recordsScanned"`
	CorruptRecords     []string  `json:"corruptRecords,omitempty"`
	IndexesWritten     int       `json:"indexesWritten"`
	IndexesUnchanged   int       `json:"indexesUnchanged"`
	StaleKeysDropped   int       `json:"staleKeysDropped"`
	MissingMemberships int       `json:"missingMemberships"`
	StaleMemberships   int       `json:"staleMemberships"`
	ScoreMismatches    int       `json:"scoreMismatches"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
}

// Drift is the number of memberships out of line with the records.
func (r *RebuildReport) Drift() int {
	return r.MissingMemberships + r.StaleMemberships + r.ScoreMismatches
}

func (r *RebuildReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Rebuild recomputes every index of entityType from the records and
// overwrites each index key that differs. Index keys no record maps to are
// dropped. It scans the whole keyspace of the type and takes no locks:
// writes that land while it runs can be overwritten. Concurrent calls for
// the same type share one run.
func (m *Manager) Rebuild(ctx context.Context, entityType string) (*RebuildReport, error) {
	return m.rebuild(ctx, entityType, false)
}

// Verify computes the same drift as Rebuild without writing anything.
func (m *Manager) Verify(ctx context.Context, entityType string) (*RebuildReport, error) {
	return m.rebuild(ctx, entityType, true)
}

// RebuildAll rebuilds every registered type, several types at a time.
func (m *Manager) RebuildAll(ctx context.Context) ([]*RebuildReport, error) {
	return m.all(ctx, false)
}

// VerifyAll verifies every registered type.
func (m *Manager) VerifyAll(ctx context.Context) ([]*RebuildReport, error) {
	return m.all(ctx, true)
}

func (m *Manager) all(ctx context.Context, dryRun bool) ([]*RebuildReport, error) {
	types := m.registry.Types()
	reports := make([]*RebuildReport, len(types))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.RebuildParallelism)
	for i, entityType := range types {
		g.Go(func() error {
			r, err := m.rebuild(gctx, entityType, dryRun)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (m *Manager) rebuild(ctx context.Context, entityType string, dryRun bool) (*RebuildReport, error) {
	s, err := m.registry.Get(entityType)
	if err != nil {
		return nil, err
	}
	mode := modeName(dryRun)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", mode, entityType, apperrors.ErrTimeout, err)
	}
	// The run outlives any single caller; each caller only stops waiting.
	ch := m.flight.DoChan(entityType+"/"+mode, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RebuildTimeout)
		defer cancel()
		return m.runRebuild(runCtx, s, dryRun)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logger.FromContext(ctx).Info("joined running "+mode, "entity_type", entityType)
		}
		return res.Val.(*RebuildReport), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s: %w: %w", mode, entityType, apperrors.ErrTimeout, ctx.Err())
	}
}

// desiredIndexes is the index content implied by the records.
type desiredIndexes struct {
	members map[string]map[string]struct{}
	scores  map[string]map[string]float64
}

func (m *Manager) runRebuild(ctx context.Context, s *schema.Schema, dryRun bool) (report *RebuildReport, err error) {
	mode := modeName(dryRun)
	ctx, span := tracing.Start(ctx, "index."+mode)
	span.SetAttr("entity_type", s.Type)
	defer func() {
		span.End(err)
		span.Log(ctx)
	}()

	report = &RebuildReport{EntityType: s.Type, DryRun: dryRun, StartedAt: m.now()}
	log := logger.FromContext(ctx).With("component", "index-manager", "entity_type", s.Type, "mode", mode)
	log.Info("index " + mode + " started")

	want, err := m.scanRecords(ctx, s, report)
	if err != nil {
		return nil, err
	}

	_, applySpan := tracing.Start(ctx, "apply")
	for _, f := range s.Indexed() {
		switch f.Index.Kind {
		case schema.Membership:
			err = m.reconcileMembership(ctx, f, want, report, dryRun)
		case schema.Ordered:
			err = m.reconcileOrdered(ctx, f, want, report, dryRun)
		}
		if err != nil {
			applySpan.End(err)
			return nil, err
		}
	}
	applySpan.End(nil)

	report.FinishedAt = m.now()
	m.recordRebuild(report)
	log.Info("index "+mode+" finished",
		"records", report.RecordsScanned,
		"corrupt", len(report.CorruptRecords),
		"missing", report.MissingMemberships,
		"stale", report.StaleMemberships,
		"score_mismatches", report.ScoreMismatches,
		"written", report.IndexesWritten,
		"dropped", report.StaleKeysDropped,
		"duration_ms", report.Duration().Milliseconds(),
	)
	if !dryRun {
		m.emit(ctx, events.IndexEvent{Type: events.EventIndexRebuilt, EntityType: s.Type, Drift: report.Drift()})
	}
	return report, nil
}

// scanRecords enumerates every record of the type and computes the index
// content its attributes imply.
func (m *Manager) scanRecords(ctx context.Context, s *schema.Schema, report *RebuildReport) (_ *desiredIndexes, err error) {
	ctx, span := tracing.Start(ctx, "scan")
	defer func() { span.End(err) }()

	keys, err := m.store.ScanKeys(ctx, recordPattern(s.Type))
	if err != nil {
		return nil, storeError("scan", s.Type, err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := idFromKey(s.Type, key); ok {
			ids = append(ids, id)
		}
	}

	want := &desiredIndexes{
		members: make(map[string]map[string]struct{}),
		scores:  make(map[string]map[string]float64),
	}
	indexed := s.Indexed()
	for lo := 0; lo < len(ids); lo += m.opts.FetchBatchSize {
		hi := min(lo+m.opts.FetchBatchSize, len(ids))
		batch := ids[lo:hi]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = PrimaryKey(s.Type, id)
		}
		docs, err := m.store.MGet(ctx, keys...)
		if err != nil {
			return nil, storeError("mget", s.Type, err)
		}
		for i, doc := range docs {
			if doc == "" {
				// Deleted since the scan.
				continue
			}
			rec, err := decodeRecord(s, batch[i], doc)
			if err != nil {
				report.CorruptRecords = append(report.CorruptRecords, batch[i])
				continue
			}
			report.RecordsScanned++
			for _, f := range indexed {
				want.add(f, rec.ID, rec.Attr(f.Name))
			}
		}
	}
	span.SetAttr("records", report.RecordsScanned)
	return want, nil
}

func (d *desiredIndexes) add(f schema.Field, id string, v any) {
	switch f.Index.Kind {
	case schema.Membership:
		for _, val := range f.Values(v) {
			key := MembershipKey(f.Index.Name, val)
			if d.members[key] == nil {
				d.members[key] = make(map[string]struct{})
			}
			d.members[key][id] = struct{}{}
		}
	case schema.Ordered:
		if score, ok := f.Score(v); ok {
			key := OrderedKey(f.Index.Name)
			if d.scores[key] == nil {
				d.scores[key] = make(map[string]float64)
			}
			d.scores[key][id] = score
		}
	}
}

func (m *Manager) reconcileMembership(ctx context.Context, f schema.Field, want *desiredIndexes, report *RebuildReport, dryRun bool) error {
	existing, err := m.store.ScanKeys(ctx, membershipPattern(f.Index.Name))
	if err != nil {
		return storeError("scan", report.EntityType, err)
	}
	prefix := MembershipKey(f.Index.Name, "")
	keys := make(map[string]struct{}, len(existing))
	for _, key := range existing {
		keys[key] = struct{}{}
	}
	for key := range want.members {
		if strings.HasPrefix(key, prefix) {
			keys[key] = struct{}{}
		}
	}

	for _, key := range sortedKeys(keys) {
		have, err := m.store.SMembers(ctx, key)
		if err != nil {
			return storeError("smembers", report.EntityType, err)
		}
		desired := want.members[key]
		missing, stale := diffMembers(have, desired)
		report.MissingMemberships += missing
		report.StaleMemberships += stale
		if missing == 0 && stale == 0 {
			report.IndexesUnchanged++
			continue
		}
		if dryRun {
			continue
		}
		if err := m.store.ReplaceSet(ctx, key, sortedKeys(desired)); err != nil {
			return storeError("rebuild", report.EntityType, err)
		}
		report.IndexesWritten++
		if len(desired) == 0 {
			report.StaleKeysDropped++
		}
	}
	return nil
}

func (m *Manager) reconcileOrdered(ctx context.Context, f schema.Field, want *desiredIndexes, report *RebuildReport, dryRun bool) error {
	key := OrderedKey(f.Index.Name)
	have, err := m.store.ZRangeAll(ctx, key)
	if err != nil {
		return storeError("zrange", report.EntityType, err)
	}
	desired := want.scores[key]

	var missing, stale, mismatched int
	seen := make(map[string]struct{}, len(have))
	for _, e := range have {
		seen[e.Member] = struct{}{}
		score, ok := desired[e.Member]
		switch {
		case !ok:
			stale++
		case score != e.Score:
			mismatched++
		}
	}
	for id := range desired {
		if _, ok := seen[id]; !ok {
			missing++
		}
	}
	report.MissingMemberships += missing
	report.StaleMemberships += stale
	report.ScoreMismatches += mismatched
	if missing+stale+mismatched == 0 {
		if len(have) > 0 || len(desired) > 0 {
			report.IndexesUnchanged++
		}
		return nil
	}
	if dryRun {
		return nil
	}

	entries := make([]pkgredis.ScoredMember, 0, len(desired))
	for id, score := range desired {
		entries = append(entries, pkgredis.ScoredMember{Member: id, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Member < entries[j].Member })
	if err := m.store.ReplaceSortedSet(ctx, key, entries); err != nil {
		return storeError("rebuild", report.EntityType, err)
	}
	report.IndexesWritten++
	if len(entries) == 0 {
		report.StaleKeysDropped++
	}
	return nil
}

func (m *Manager) recordRebuild(report *RebuildReport) {
	mt := m.opts.Metrics
	if mt == nil {
		return
	}
	mode := modeName(report.DryRun)
	mt.RebuildDuration.WithLabelValues(report.EntityType, mode).Observe(report.Duration().Seconds())
	mt.RebuildRecords.WithLabelValues(report.EntityType).Set(float64(report.RecordsScanned))
	mt.DriftMemberships.WithLabelValues(report.EntityType, "missing").Set(float64(report.MissingMemberships))
	mt.DriftMemberships.WithLabelValues(report.EntityType, "stale").Set(float64(report.StaleMemberships))
	mt.DriftMemberships.WithLabelValues(report.EntityType, "score").Set(float64(report.ScoreMismatches))
}

func diffMembers(have []string, want map[string]struct{}) (missing, stale int) {
	present := make(map[string]struct{}, len(have))
	for _, id := range have {
		present[id] = struct{}{}
		if _, ok := want[id]; !ok {
			stale++
		}
	}
	for id := range want {
		if _, ok := present[id]; !ok {
			missing++
		}
	}
	return missing, stale
}

func modeName(dryRun bool) string {
	if dryRun {
		return "verify"
	}
	return "rebuild"
}

func (r *RebuildReport) String() string {
	return fmt.Sprintf("%s %s: %d records, drift %d (missing %d, stale %d, score %d), %d indexes written",
		r.EntityType, modeName(r.DryRun), r.RecordsScanned, r.Drift(),
		r.MissingMemberships, r.StaleMemberships, r.ScoreMismatches, r.IndexesWritten)
}
