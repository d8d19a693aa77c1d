// Package redis provides a thin wrapper around go-redis/v9 exposing the store
// primitives the index manager needs: JSON documents as strings, sets, sorted
// sets, key enumeration by pattern, and optionally transactional write batches.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/nabulines/nabulines/pkg/config"
	"github.com/redis/go-redis/v9"
)

const defaultScanCount = 100

// Client wraps a go-redis client.
type Client struct {
	rdb       *redis.Client
	scanCount int64
}

// ScoredMember is one entry of a sorted set.
type ScoredMember struct {
	Member string  `json:"id"`
	Score  float64 `json:"score"`
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	scanCount := cfg.ScanCount
	if scanCount <= 0 {
		scanCount = defaultScanCount
	}
	return &Client{rdb: rdb, scanCount: scanCount}, nil
}

// Get returns the string value for the given key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// MGet fetches several string values in one round trip. Missing keys come
// back as "" at their position.
func (c *Client) MGet(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

// SMembers returns all members of the set at key, sorted.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// ZRangeByScore returns members scored within [min, max] in ascending order.
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

// ZRangeAll returns every member of the sorted set with its score, ascending.
func (c *Client) ZRangeAll(ctx context.Context, key string) ([]ScoredMember, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return toScored(zs), nil
}

// ZTop returns the n highest-scored members, highest first.
func (c *Client) ZTop(ctx context.Context, key string, n int64) ([]ScoredMember, error) {
	if n <= 0 {
		return []ScoredMember{}, nil
	}
	zs, err := c.rdb.ZRevRangeWithScores(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	return toScored(zs), nil
}

// ScanKeys enumerates every key matching the glob pattern using SCAN. The
// result is de-duplicated and sorted. This is linear in the keyspace.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	iter := c.rdb.Scan(ctx, 0, pattern, c.scanCount).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning pattern %s: %w", pattern, err)
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// FlushByPattern scans for keys matching the glob pattern and deletes them,
// returning the number of keys removed.
func (c *Client) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	iter := c.rdb.Scan(ctx, 0, pattern, c.scanCount).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("deleting key %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning pattern %s: %w", pattern, err)
	}
	return deleted, nil
}

// ReplaceSet overwrites the set at key with exactly members inside one
// MULTI/EXEC. An empty members list deletes the key.
func (c *Client) ReplaceSet(ctx context.Context, key string, members []string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(members) > 0 {
			pipe.SAdd(ctx, key, toAny(members)...)
		}
		return nil
	})
	return err
}

// ReplaceSortedSet overwrites the sorted set at key with exactly entries
// inside one MULTI/EXEC. An empty entries list deletes the key.
func (c *Client) ReplaceSortedSet(ctx context.Context, key string, entries []ScoredMember) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(entries) > 0 {
			zs := make([]redis.Z, len(entries))
			for i, e := range entries {
				zs[i] = redis.Z{Score: e.Score, Member: e.Member}
			}
			pipe.ZAdd(ctx, key, zs...)
		}
		return nil
	})
	return err
}

// Writer issues single-key writes either directly or onto a transaction.
type Writer interface {
	// Queued reports whether writes are deferred to a transaction, in which
	// case the per-call errors are always nil.
	Queued() bool
	Set(key, value string) error
	Del(keys ...string) error
	SAdd(key string, members ...string) error
	SRem(key string, members ...string) error
	ZAdd(key, member string, score float64) error
	ZRem(key string, members ...string) error
}

// TxError is returned by an atomic Batch when EXEC ran but Redis rejected
// some queued commands at run time (WRONGTYPE and the like). Redis does not
// roll back the commands that succeeded.
type TxError struct {
	Applied int
	Failed  int
	Err     error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction applied %d of %d commands: %v", e.Applied, e.Applied+e.Failed, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Batch runs fn against a Writer. With atomic=false every write is its own
// round trip and fn sees each error as it happens, so a failure leaves the
// earlier writes applied. With atomic=true the writes are queued and sent
// as one MULTI/EXEC; if only some of them fail the error is a *TxError.
func (c *Client) Batch(ctx context.Context, atomic bool, fn func(w Writer) error) error {
	if !atomic {
		return fn(&cmdWriter{ctx: ctx, cmd: c.rdb})
	}
	cmds, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&cmdWriter{ctx: ctx, cmd: pipe, queued: true})
	})
	if err == nil {
		return nil
	}
	var applied, failed int
	for _, cmd := range cmds {
		switch cmd.Name() {
		case "multi", "exec":
			continue
		}
		if cmd.Err() == nil {
			applied++
		} else {
			failed++
		}
	}
	if applied > 0 {
		return &TxError{Applied: applied, Failed: failed, Err: err}
	}
	return err
}

type cmdWriter struct {
	ctx    context.Context
	cmd    redis.Cmdable
	queued bool
}

func (w *cmdWriter) Queued() bool {
	return w.queued
}

func (w *cmdWriter) Set(key, value string) error {
	return w.cmd.Set(w.ctx, key, value, 0).Err()
}

func (w *cmdWriter) Del(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return w.cmd.Del(w.ctx, keys...).Err()
}

func (w *cmdWriter) SAdd(key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return w.cmd.SAdd(w.ctx, key, toAny(members)...).Err()
}

func (w *cmdWriter) SRem(key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return w.cmd.SRem(w.ctx, key, toAny(members)...).Err()
}

func (w *cmdWriter) ZAdd(key, member string, score float64) error {
	return w.cmd.ZAdd(w.ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (w *cmdWriter) ZRem(key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return w.cmd.ZRem(w.ctx, key, toAny(members)...).Err()
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toScored(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
