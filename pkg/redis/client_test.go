package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabulines/nabulines/pkg/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(config.RedisConfig{Addr: mr.Addr(), ScanCount: 10})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGetMissingIsNil(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Get(context.Background(), "user:nope")
	require.Error(t, err)
	assert.True(t, IsNilError(err))
}

func TestMGetKeepsPositions(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set("a", "1"))
	require.NoError(t, mr.Set("c", "3"))

	vals, err := c.MGet(context.Background(), "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "", "3"}, vals)
}

func TestScanKeysMatchesPrefixOnly(t *testing.T) {
	c, mr := newTestClient(t)
	for _, k := range []string{"user:1", "user:2", "user:3", "project:1", "idx:username:bob"} {
		require.NoError(t, mr.Set(k, "x"))
	}

	keys, err := c.ScanKeys(context.Background(), "user:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2", "user:3"}, keys)
}

func TestBatchSequentialAndAtomic(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		c, mr := newTestClient(t)
		ctx := context.Background()
		err := c.Batch(ctx, atomic, func(w Writer) error {
			assert.Equal(t, atomic, w.Queued())
			if err := w.Set("user:1", `{"id":"1"}`); err != nil {
				return err
			}
			if err := w.SAdd("idx:status:pending", "1", "2"); err != nil {
				return err
			}
			if err := w.SRem("idx:status:pending", "2"); err != nil {
				return err
			}
			return w.ZAdd("idx:followers", "1", 42)
		})
		require.NoError(t, err)

		members, err := mr.Members("idx:status:pending")
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, members)
		score, err := mr.ZScore("idx:followers", "1")
		require.NoError(t, err)
		assert.Equal(t, 42.0, score)
	}
}

func TestAtomicBatchReportsRuntimeRejects(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set("idx:status:pending", "not-a-set"))

	err := c.Batch(context.Background(), true, func(w Writer) error {
		if err := w.Set("user:1", `{"id":"1"}`); err != nil {
			return err
		}
		if err := w.SAdd("idx:status:pending", "1"); err != nil {
			return err
		}
		return w.SAdd("idx:username:bob", "1")
	})
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, 2, txErr.Applied)
	assert.Equal(t, 1, txErr.Failed)
	assert.Contains(t, err.Error(), "WRONGTYPE")
	assert.True(t, mr.Exists("user:1"))
	members, err := mr.Members("idx:username:bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)
}

func TestAtomicBatchSendsNothingWhenFnFails(t *testing.T) {
	c, mr := newTestClient(t)
	errStop := errors.New("stop")
	err := c.Batch(context.Background(), true, func(w Writer) error {
		if err := w.Set("user:1", `{"id":"1"}`); err != nil {
			return err
		}
		return errStop
	})
	require.ErrorIs(t, err, errStop)
	var txErr *TxError
	assert.False(t, errors.As(err, &txErr))
	assert.False(t, mr.Exists("user:1"))
}

func TestReplaceSetOverwrites(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	_, err := mr.SetAdd("idx:country:fr", "stale", "keep")
	require.NoError(t, err)

	require.NoError(t, c.ReplaceSet(ctx, "idx:country:fr", []string{"keep", "new"}))
	members, err := c.SMembers(ctx, "idx:country:fr")
	require.NoError(t, err)
	assert.Equal(t, []string{"keep", "new"}, members)

	require.NoError(t, c.ReplaceSet(ctx, "idx:country:fr", nil))
	assert.False(t, mr.Exists("idx:country:fr"))
}

func TestSortedSetQueries(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.ReplaceSortedSet(ctx, "idx:followers", []ScoredMember{
		{Member: "user_1", Score: 100},
		{Member: "user_2", Score: 500},
		{Member: "user_3", Score: 250},
	}))

	ids, err := c.ZRangeByScore(ctx, "idx:followers", 200, 600)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_3", "user_2"}, ids)

	top, err := c.ZTop(ctx, "idx:followers", 2)
	require.NoError(t, err)
	assert.Equal(t, []ScoredMember{{Member: "user_2", Score: 500}, {Member: "user_3", Score: 250}}, top)

	all, err := c.ZRangeAll(ctx, "idx:followers")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNewClientUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(config.RedisConfig{Addr: addr})
	require.Error(t, err)
}
