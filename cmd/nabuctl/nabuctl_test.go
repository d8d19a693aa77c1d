package main

import (
	"bytes"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabulines/nabulines/internal/bootstrap"
	"github.com/nabulines/nabulines/pkg/config"
	pkgredis "github.com/nabulines/nabulines/pkg/redis"
)

func newTestApp(t *testing.T) (*app, *miniredis.Miniredis, *bytes.Buffer) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{Redis: config.RedisConfig{Addr: mr.Addr()}}
	client, err := pkgredis.NewClient(cfg.Redis)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	mgr, err := bootstrap.Manager(client, config.IndexConfig{FetchBatchSize: 50, RebuildParallelism: 2}, nil, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	return &app{cfg: cfg, rdb: client, mgr: mgr, out: &out}, mr, &out
}

func run(a *app, args ...string) error {
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestSeedVerifyRebuild(t *testing.T) {
	a, mr, out := newTestApp(t)

	require.NoError(t, run(a, "seed", "--users", "10"))
	assert.Contains(t, out.String(), "wrote 23 records")
	assert.True(t, mr.Exists("user:user_3"))

	require.NoError(t, run(a, "verify", "--no-history"))
	assert.Contains(t, out.String(), "CLEAN")

	mr.Del("idx:followers")
	out.Reset()
	assert.ErrorIs(t, run(a, "verify", "user", "--no-history"), errDrift)
	assert.Contains(t, out.String(), "DRIFT 10")

	out.Reset()
	require.NoError(t, run(a, "rebuild", "user", "--no-history"))
	assert.Contains(t, out.String(), "REPAIRED 10")
	require.NoError(t, run(a, "verify", "user", "--no-history"))
}

func TestRebuildArgs(t *testing.T) {
	a, _, _ := newTestApp(t)
	assert.Error(t, run(a, "rebuild", "--no-history"))
	assert.Error(t, run(a, "rebuild", "user", "--all", "--no-history"))
	assert.Error(t, run(a, "rebuild", "spaceship", "--no-history"))
}

func TestQueries(t *testing.T) {
	a, _, out := newTestApp(t)
	require.NoError(t, run(a, "seed", "--users", "5"))

	out.Reset()
	require.NoError(t, run(a, "get", "user", "user_1"))
	assert.Contains(t, out.String(), `"username": "kol_1"`)

	out.Reset()
	require.NoError(t, run(a, "query", "user", "username", "KOL_2"))
	assert.Equal(t, "user_2\n", out.String())

	out.Reset()
	require.NoError(t, run(a, "range", "user", "followers", "--", "-inf", "+inf"))
	assert.Len(t, bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n")), 5)

	out.Reset()
	require.NoError(t, run(a, "top", "user", "followers", "-n", "2"))
	assert.Len(t, bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n")), 2)
	assert.Contains(t, out.String(), "kol_")

	out.Reset()
	require.NoError(t, run(a, "types"))
	assert.Contains(t, out.String(), "idx:followers (ordered)")
}

func TestPurge(t *testing.T) {
	a, mr, out := newTestApp(t)
	require.NoError(t, run(a, "seed", "--users", "5"))

	assert.Error(t, run(a, "purge", "user"))
	assert.True(t, mr.Exists("user:user_0"))

	out.Reset()
	require.NoError(t, run(a, "purge", "user", "--yes"))
	assert.Contains(t, out.String(), "keys of user")
	assert.False(t, mr.Exists("user:user_0"))
	assert.False(t, mr.Exists("idx:followers"))
	assert.True(t, mr.Exists("project:project_0"))

	require.NoError(t, run(a, "verify", "--no-history"))
}
