package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabulines/nabulines/internal/entity"
	"github.com/nabulines/nabulines/internal/index"
	"github.com/nabulines/nabulines/pkg/config"
	apperrors "github.com/nabulines/nabulines/pkg/errors"
	"github.com/nabulines/nabulines/pkg/metrics"
	pkgredis "github.com/nabulines/nabulines/pkg/redis"
	"github.com/nabulines/nabulines/pkg/resilience"
)

func newManager(t *testing.T) (*index.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	reg, err := entity.Registry()
	require.NoError(t, err)
	return index.NewManager(client, reg, index.Options{}), mr
}

func message(t *testing.T, cmd WriteCommand) []byte {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return data
}

func TestHandlerAppliesCommands(t *testing.T) {
	mgr, mr := newManager(t)
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	h := New(mgr, Config{}, m).Handler()
	ctx := context.Background()

	require.NoError(t, h(ctx, nil, message(t, WriteCommand{
		Op: OpPut, EntityType: "user", ID: "user_42",
		Attributes: map[string]any{"username": "alice", "approvalStatus": "pending"},
	})))
	require.NoError(t, h(ctx, nil, message(t, WriteCommand{
		Op: OpUpdate, EntityType: "user", ID: "user_42",
		Attribute: "approvalStatus", Old: "pending", New: "approved",
	})))

	approved, err := mr.Members("idx:status:approved")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_42"}, approved)
	assert.False(t, mr.Exists("idx:status:pending"))

	require.NoError(t, h(ctx, nil, message(t, WriteCommand{Op: OpRemove, EntityType: "user", ID: "user_42"})))
	assert.False(t, mr.Exists("user:user_42"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerMessagesTotal.WithLabelValues("remove", "ok")))
}

func TestHandlerDropsUnusableMessages(t *testing.T) {
	mgr, mr := newManager(t)
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	h := New(mgr, Config{}, m).Handler()
	ctx := context.Background()

	assert.NoError(t, h(ctx, []byte("k"), []byte("{not json")))
	assert.NoError(t, h(ctx, nil, message(t, WriteCommand{Op: "upsert", EntityType: "user", ID: "u1"})))
	assert.NoError(t, h(ctx, nil, message(t, WriteCommand{Op: OpPut, EntityType: "user", ID: "u1", Attributes: map[string]any{"followers": "many"}})))
	assert.NoError(t, h(ctx, nil, message(t, WriteCommand{Op: OpRemove, EntityType: "user", ID: "ghost"})))
	assert.NoError(t, h(ctx, nil, message(t, WriteCommand{Op: OpPut, EntityType: "spaceship", ID: "x", Attributes: map[string]any{}})))

	assert.Empty(t, mr.Keys())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerMessagesTotal.WithLabelValues("unknown", "malformed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerMessagesTotal.WithLabelValues("put", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerMessagesTotal.WithLabelValues("remove", "rejected")))
}

type downWriter struct{ calls int }

func (d *downWriter) Put(context.Context, string, string, map[string]any) (*index.Record, error) {
	d.calls++
	return nil, fmt.Errorf("put user:u1: %w: connection refused", apperrors.ErrStoreUnavailable)
}

func (d *downWriter) UpdateAttribute(context.Context, string, string, string, any, any) error {
	d.calls++
	return nil
}

func (d *downWriter) Remove(context.Context, string, string) error {
	d.calls++
	return nil
}

func TestStoreFailuresRetryAndTripBreaker(t *testing.T) {
	down := &downWriter{}
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	w := New(down, Config{FailureThreshold: 2, ResetTimeout: time.Hour}, m)
	cmd := WriteCommand{Op: OpPut, EntityType: "user", ID: "u1", Attributes: map[string]any{}}

	assert.ErrorIs(t, w.Apply(context.Background(), cmd), apperrors.ErrStoreUnavailable)
	assert.ErrorIs(t, w.Apply(context.Background(), cmd), apperrors.ErrStoreUnavailable)
	assert.ErrorIs(t, w.Apply(context.Background(), cmd), resilience.ErrCircuitOpen)
	assert.Equal(t, 2, down.calls)

	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("index-store")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerMessagesTotal.WithLabelValues("put", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerMessagesTotal.WithLabelValues("put", "circuit_open")))
}

func TestCommandKey(t *testing.T) {
	assert.Equal(t, "user:user_42", WriteCommand{EntityType: "user", ID: "user_42"}.Key())
}
