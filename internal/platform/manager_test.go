package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type liveSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newLiveSet(ids ...string) *liveSet {
	l := &liveSet{ids: make(map[string]bool)}
	for _, id := range ids {
		l.ids[id] = true
	}
	return l
}

func (l *liveSet) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[id]
}

func (l *liveSet) set(id string, live bool) {
	l.mu.Lock()
	l.ids[id] = live
	l.mu.Unlock()
}

func setup(t *testing.T, live *liveSet, cfg ManagerConfig) (*fakeFactory, *Registry, *Manager) {
	t.Helper()
	f := newFakeFactory()
	r := NewRegistry(f.build, zap.NewNop())
	return f, r, NewManager(r, live, cfg, zap.NewNop())
}

func TestSweepReferenceCounting(t *testing.T) {
	live := newLiveSet("sock-1", "sock-2")
	f, r, m := setup(t, live, ManagerConfig{})
	ctx := context.Background()

	info, err := r.GetOrCreate(ctx, "dummy", "alice", "sock-1")
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, "dummy", "alice", "sock-2")
	require.NoError(t, err)

	live.set("sock-1", false)
	res := m.Sweep(ctx)
	assert.Equal(t, SweepResult{Pruned: 1}, res)
	got, ok := r.Get(info.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"sock-2"}, got.Sockets)
	assert.False(t, got.FlaggedForTermination)

	live.set("sock-2", false)
	res = m.Sweep(ctx)
	assert.Equal(t, SweepResult{Pruned: 1, Flagged: 1}, res)
	got, _ = r.Get(info.ID)
	assert.True(t, got.FlaggedForTermination)
	assert.Equal(t, int32(0), f.handle(info.ID).cleanups.Load())

	res = m.Sweep(ctx)
	assert.Equal(t, SweepResult{Terminated: 1}, res)
	_, ok = r.Get(info.ID)
	assert.False(t, ok)
	assert.Equal(t, int32(1), f.handle(info.ID).cleanups.Load())

	m.Sweep(ctx)
	assert.Equal(t, int32(1), f.handle(info.ID).cleanups.Load(), "cleanup runs exactly once")
}

func TestSweepGracePeriod(t *testing.T) {
	live := newLiveSet("sock-1")
	f, r, m := setup(t, live, ManagerConfig{})
	ctx := context.Background()

	info, err := r.GetOrCreate(ctx, "dummy", "alice", "sock-1")
	require.NoError(t, err)

	// Tab refresh: old socket gone, sweep flags the instance.
	live.set("sock-1", false)
	m.Sweep(ctx)
	got, _ := r.Get(info.ID)
	require.True(t, got.FlaggedForTermination)

	// New socket reattaches before the next sweep.
	live.set("sock-9", true)
	got, err = r.GetOrCreate(ctx, "dummy", "alice", "sock-9")
	require.NoError(t, err)
	assert.False(t, got.FlaggedForTermination)

	res := m.Sweep(ctx)
	assert.Zero(t, res.Terminated)
	_, ok := r.Get(info.ID)
	assert.True(t, ok)
	assert.Equal(t, int32(0), f.handle(info.ID).cleanups.Load())
	assert.Equal(t, 1, f.callCount(), "worker reused, not recreated")
}

func TestSweepRestoresFlaggedInstance(t *testing.T) {
	live := newLiveSet()
	_, r, m := setup(t, live, ManagerConfig{})
	ctx := context.Background()

	info, _ := r.GetOrCreate(ctx, "dummy", "alice", "sock-1")
	live.set("sock-1", false)
	m.Sweep(ctx) // prunes and flags

	// A socket id is attached directly, as a racing GetOrCreate would.
	r.mu.Lock()
	inst := r.instances[info.ID]
	inst.sockets["sock-2"] = struct{}{}
	r.mu.Unlock()
	live.set("sock-2", true)

	res := m.Sweep(ctx)
	assert.Equal(t, 1, res.Restored)
	got, _ := r.Get(info.ID)
	assert.False(t, got.FlaggedForTermination)
}

func TestSweepCleanupFailureStillRemoves(t *testing.T) {
	live := newLiveSet()
	f, r, m := setup(t, live, ManagerConfig{})
	f.next = func() *fakeHandle { return &fakeHandle{err: errors.New("upstream refused quit")} }
	ctx := context.Background()

	info, _ := r.GetOrCreate(ctx, "dummy", "alice", "sock-1")
	m.Sweep(ctx)
	m.Sweep(ctx)

	_, ok := r.Get(info.ID)
	assert.False(t, ok)
	assert.Equal(t, int32(1), f.handle(info.ID).cleanups.Load())
}

func TestSweepHungCleanupIsBounded(t *testing.T) {
	live := newLiveSet()
	release := make(chan struct{})
	defer close(release)

	f, r, m := setup(t, live, ManagerConfig{CleanupTimeout: 30 * time.Millisecond})
	f.next = func() *fakeHandle { return &fakeHandle{block: release} }
	ctx := context.Background()

	info, _ := r.GetOrCreate(ctx, "dummy", "alice", "sock-1")
	m.Sweep(ctx)

	start := time.Now()
	res := m.Sweep(ctx)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, res.Terminated)
	_, ok := r.Get(info.ID)
	assert.False(t, ok)

	// The registry stays usable; a new instance for the same actor starts fresh.
	_, err := r.GetOrCreate(ctx, "dummy", "alice", "sock-2")
	require.NoError(t, err)
	assert.Equal(t, 2, f.callCount())
}

func TestSweepsDoNotOverlap(t *testing.T) {
	live := newLiveSet()
	release := make(chan struct{})
	f, r, m := setup(t, live, ManagerConfig{CleanupTimeout: time.Second})
	f.next = func() *fakeHandle { return &fakeHandle{block: release} }
	ctx := context.Background()

	_, _ = r.GetOrCreate(ctx, "dummy", "alice", "sock-1")
	m.Sweep(ctx) // flag

	first := make(chan SweepResult)
	go func() { first <- m.Sweep(ctx) }()

	// Give the first sweep time to reach its cleanup.
	time.Sleep(20 * time.Millisecond)
	second := make(chan SweepResult)
	go func() { second <- m.Sweep(ctx) }()

	select {
	case <-second:
		t.Fatal("second sweep ran while the first was still cleaning up")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, 1, (<-first).Terminated)
	assert.Equal(t, SweepResult{}, <-second)
}

func TestManagerStartStop(t *testing.T) {
	live := newLiveSet()
	f, r, m := setup(t, live, ManagerConfig{SweepInterval: 5 * time.Millisecond})
	info, _ := r.GetOrCreate(context.Background(), "dummy", "alice", "sock-1")

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		_, ok := r.Get(info.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.handle(info.ID).cleanups.Load())

	m.Stop()
	m.Stop()
}
