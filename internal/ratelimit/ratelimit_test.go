package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBlocksAfterLimit(t *testing.T) {
	clock := newFakeClock()
	l := New(DefaultConfig(), clock.Now)

	var allowed, blocked, transitions int
	for i := 0; i < 110; i++ {
		d := l.Check("client-1")
		if d.Allowed {
			allowed++
		} else {
			blocked++
		}
		if d.NewlyBlocked {
			transitions++
		}
		clock.Advance(time.Millisecond)
	}

	assert.Equal(t, 100, allowed)
	assert.Equal(t, 10, blocked)
	assert.Equal(t, 1, transitions)
}

func TestBlockedDuringBlockInterval(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{RequestLimit: 2, Window: time.Second, BlockDuration: 5 * time.Second}, clock.Now)

	require.True(t, l.Check("c").Allowed)
	require.True(t, l.Check("c").Allowed)
	d := l.Check("c")
	require.False(t, d.Allowed)
	require.True(t, d.NewlyBlocked)
	assert.Equal(t, 5*time.Second, d.RetryAfter)

	// Window resets do not lift a block.
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		d := l.Check("c")
		assert.False(t, d.Allowed)
		assert.False(t, d.NewlyBlocked)
		assert.True(t, l.Blocked("c"))
	}

	clock.Advance(time.Second)
	d = l.Check("c")
	assert.True(t, d.Allowed, "request after blockedUntil must pass")
	assert.False(t, l.Blocked("c"))
	assert.True(t, l.Check("c").Allowed, "entry resets as if new")
}

func TestWindowReset(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{RequestLimit: 3, Window: time.Second, BlockDuration: time.Second}, clock.Now)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("c").Allowed)
	}
	clock.Advance(time.Second + time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Check("c").Allowed)
	}
	assert.False(t, l.Check("c").Allowed)
}

func TestClientsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{RequestLimit: 1, Window: time.Second, BlockDuration: time.Second}, clock.Now)

	require.True(t, l.Check("a").Allowed)
	require.False(t, l.Check("a").Allowed)
	assert.True(t, l.Check("b").Allowed)
}

func TestSweepAndForget(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{RequestLimit: 1, Window: time.Second, BlockDuration: 10 * time.Second}, clock.Now)

	l.Check("idle")
	l.Check("blocked")
	l.Check("blocked")
	l.Check("gone")
	assert.Equal(t, 3, l.Len())

	l.Forget("gone")
	assert.Equal(t, 2, l.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Blocked("blocked"))
}

func TestForgetKeepsBlockedClient(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{RequestLimit: 1, Window: time.Second, BlockDuration: 10 * time.Second}, clock.Now)

	l.Check("c")
	require.False(t, l.Check("c").Allowed)

	l.Forget("c")
	assert.True(t, l.Blocked("c"), "forgetting must not lift a block")
	assert.False(t, l.Check("c").Allowed)

	clock.Advance(11 * time.Second)
	l.Forget("c")
	assert.Equal(t, 0, l.Len())
}

func TestDefaultsApplied(t *testing.T) {
	l := New(Config{}, nil)
	assert.Equal(t, DefaultConfig(), l.cfg)
}
