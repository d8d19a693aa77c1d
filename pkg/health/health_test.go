package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	up   = pingFunc(func(context.Context) error { return nil })
	down = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("redis", PingCheck(up))
	c.Register("kafka", OptionalCheck(PingCheck(down)))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUp, report.Components["redis"].Status)
	assert.Equal(t, "connection refused", report.Components["kafka"].Message)

	c.Register("postgres", PingCheck(down))
	assert.Equal(t, StatusDown, c.Run(context.Background()).Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("redis", PingCheck(up))
	c.Register("events", StaticCheck(StatusUp, "kafka %s", "disabled"))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "kafka disabled", report.Components["events"].Message)

	c.Register("redis", PingCheck(down))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveHandlerIgnoresChecks(t *testing.T) {
	c := NewChecker()
	c.Register("redis", PingCheck(down))
	rec := httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDegradedIsStillReady(t *testing.T) {
	c := NewChecker()
	c.Register("redis", PingCheck(up))
	c.Register("kafka", OptionalCheck(PingCheck(down)))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSlowCheckTimesOut(t *testing.T) {
	c := NewChecker()
	c.checkTimeout = 20 * time.Millisecond
	c.Register("redis", PingCheck(pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Components["redis"].Message)
}
