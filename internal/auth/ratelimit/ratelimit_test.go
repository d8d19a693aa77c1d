package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestAllowRefills(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newLimiter(time.Minute, clock.now)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("key", 3), "request %d", i)
	}
	assert.False(t, l.Allow("key", 3))
	assert.True(t, l.Allow("other", 3))

	clock.t = clock.t.Add(20 * time.Second)
	assert.True(t, l.Allow("key", 3))
	assert.False(t, l.Allow("key", 3))
}

func TestZeroLimitDenies(t *testing.T) {
	l := newLimiter(time.Minute, time.Now)
	assert.False(t, l.Allow("key", 0))
}

func TestEvictIdleAndReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newLimiter(time.Minute, clock.now)
	l.Allow("a", 1)
	l.Allow("b", 1)
	l.Reset("b")
	assert.True(t, l.Allow("b", 1))

	clock.t = clock.t.Add(3 * time.Minute)
	l.evictIdle()
	assert.Empty(t, l.entries)
}

func TestCloseStopsCleanup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l := New(time.Minute)
	l.Close()
	l.Close()
}
