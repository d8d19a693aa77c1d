package index

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabulines/nabulines/internal/entity"
	apperrors "github.com/nabulines/nabulines/pkg/errors"
	"github.com/nabulines/nabulines/pkg/metrics"
)

func snapshot(t *testing.T, env *testEnv) map[string][]string {
	t.Helper()
	out := make(map[string][]string)
	for _, key := range env.mr.Keys() {
		switch env.mr.Type(key) {
		case "set":
			members, err := env.mr.Members(key)
			require.NoError(t, err)
			out[key] = members
		case "zset":
			members, err := env.mr.ZMembers(key)
			require.NoError(t, err)
			out[key] = members
		}
	}
	return out
}

func TestRebuildRepairsRemovedMembership(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	env.putUser(t, "user_7", "bob", entity.StatusApproved, nil)

	_, err := env.mr.SRem("idx:username:bob", "user_7")
	require.NoError(t, err)
	ids, err := env.m.QueryByAttribute(ctx, entity.TypeUser, "username", "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)

	report, err := env.m.Rebuild(ctx, entity.TypeUser)
	require.NoError(t, err)

	assert.Contains(t, env.members(t, "idx:username:bob"), "user_7")
	assert.Equal(t, 1, report.RecordsScanned)
	assert.Equal(t, 1, report.MissingMemberships)
	assert.Equal(t, 1, report.IndexesWritten)
}

func TestRebuildIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	env.putUser(t, "user_1", "bob", entity.StatusPending, map[string]any{"followers": 100, "roles": []string{"kol"}})
	env.putUser(t, "user_2", "amy", entity.StatusApproved, map[string]any{"followers": 500, "country": "fr"})
	// Drift of every kind.
	_, err := env.mr.SetAdd("idx:status:rejected", "user_1")
	require.NoError(t, err)
	_, err = env.mr.SRem("idx:country:fr", "user_2")
	require.NoError(t, err)
	_, err = env.mr.ZAdd("idx:followers", 7, "user_1")
	require.NoError(t, err)

	first, err := env.m.Rebuild(ctx, entity.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Drift())
	afterFirst := snapshot(t, env)

	second, err := env.m.Rebuild(ctx, entity.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, afterFirst, snapshot(t, env))
	assert.Equal(t, 0, second.Drift())
	assert.Equal(t, 0, second.IndexesWritten)
	assert.Equal(t, second.IndexesUnchanged, first.IndexesUnchanged+first.IndexesWritten-first.StaleKeysDropped)

	score, err := env.mr.ZScore("idx:followers", "user_1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, score)
}

func TestRebuildDropsKeysNoRecordMapsTo(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	env.putUser(t, "user_1", "bob", entity.StatusPending, nil)
	_, err := env.mr.SetAdd("idx:country:atlantis", "user_404")
	require.NoError(t, err)
	_, err = env.mr.ZAdd("idx:followers", 9, "user_404")
	require.NoError(t, err)
	// Another type's index must survive a user rebuild.
	_, err = env.mr.SetAdd("idx:chain:solana", "project_1")
	require.NoError(t, err)

	report, err := env.m.Rebuild(ctx, entity.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, 2, report.StaleMemberships)
	assert.Equal(t, 2, report.StaleKeysDropped)
	assert.False(t, env.mr.Exists("idx:country:atlantis"))
	assert.False(t, env.mr.Exists("idx:followers"))
	assert.True(t, env.mr.Exists("idx:chain:solana"))
}

func TestVerifyReportsWithoutWriting(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.NewWithRegisterer(reg)
	env := newTestEnv(t, Options{Metrics: mt})
	ctx := context.Background()
	env.putUser(t, "user_7", "bob", entity.StatusApproved, map[string]any{"followers": 10})
	_, err := env.mr.SRem("idx:username:bob", "user_7")
	require.NoError(t, err)
	_, err = env.mr.ZAdd("idx:followers", 11, "user_7")
	require.NoError(t, err)
	before := snapshot(t, env)

	report, err := env.m.Verify(ctx, entity.TypeUser)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.MissingMemberships)
	assert.Equal(t, 1, report.ScoreMismatches)
	assert.Equal(t, 0, report.IndexesWritten)
	assert.Equal(t, before, snapshot(t, env))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.DriftMemberships.WithLabelValues(entity.TypeUser, "missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.DriftMemberships.WithLabelValues(entity.TypeUser, "score")))

	rebuilt, err := env.m.Rebuild(ctx, entity.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, report.Drift(), rebuilt.Drift())
}

func TestRebuildReportsCorruptRecords(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	env.putUser(t, "user_1", "bob", entity.StatusPending, nil)
	require.NoError(t, env.mr.Set("user:user_2", "{not json"))

	report, err := env.m.Rebuild(ctx, entity.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecordsScanned)
	assert.Equal(t, []string{"user_2"}, report.CorruptRecords)
}

func TestRebuildReadsInBatches(t *testing.T) {
	env := newTestEnv(t, Options{FetchBatchSize: 3})
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7"} {
		env.putUser(t, id, id, entity.StatusPending, nil)
	}
	require.True(t, env.mr.Del("idx:status:pending"))

	report, err := env.m.Rebuild(ctx, entity.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, 7, report.RecordsScanned)
	assert.Equal(t, 7, report.MissingMemberships)
	assert.Len(t, env.members(t, "idx:status:pending"), 7)
}

func TestRebuildAllCoversEveryType(t *testing.T) {
	env := newTestEnv(t, Options{RebuildParallelism: 2})
	ctx := context.Background()
	env.putUser(t, "user_1", "bob", entity.StatusPending, nil)

	projectAttrs, err := entity.Attributes(entity.Project{Name: "Nabu", ApprovalStatus: entity.StatusApproved, Chain: "solana"})
	require.NoError(t, err)
	_, err = env.m.Put(ctx, entity.TypeProject, "project_1", projectAttrs)
	require.NoError(t, err)
	_, err = env.mr.SRem("idx:chain:solana", "project_1")
	require.NoError(t, err)

	reports, err := env.m.RebuildAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 4)
	types := make([]string, len(reports))
	for i, r := range reports {
		types[i] = r.EntityType
	}
	assert.Equal(t, env.reg.Types(), types)
	assert.Equal(t, []string{"project_1"}, env.members(t, "idx:chain:solana"))

	verified, err := env.m.VerifyAll(ctx)
	require.NoError(t, err)
	for _, r := range verified {
		assert.Zero(t, r.Drift(), r.EntityType)
	}
}

func TestConcurrentRebuildsAgree(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"user_1", "user_2", "user_3"} {
		env.putUser(t, id, id, entity.StatusApproved, map[string]any{"followers": 1})
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.m.Rebuild(ctx, entity.TypeUser)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, env.members(t, "idx:status:approved"), 3)
}

// gatedStore holds every key scan until release is closed.
type gatedStore struct {
	Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Store.ScanKeys(ctx, pattern)
}

func TestRebuildOutlivesCallerThatGaveUp(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putUser(t, "user_1", "bob", entity.StatusApproved, nil)
	env.mr.Del("idx:username:bob")

	gate := &gatedStore{Store: env.client, entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(gate, env.reg, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.Rebuild(ctx, entity.TypeUser)
		errc <- err
	}()
	<-gate.entered
	cancel()

	err := <-errc
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)

	close(gate.release)
	assert.Eventually(t, func() bool {
		members, err := env.mr.Members("idx:username:bob")
		return err == nil && len(members) == 1 && members[0] == "user_1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRebuildUnknownType(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.m.Rebuild(context.Background(), "planet")
	require.Error(t, err)
}
