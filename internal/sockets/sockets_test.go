package sockets

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	id     string
	mu     sync.Mutex
	events []string
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Emit(event string, _ any) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &fakeSocket{id: "a"}
	b := &fakeSocket{id: "b"}

	r.Add(b)
	r.Add(a)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.IDs())
	assert.True(t, r.Has("a"))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	require.NoError(t, r.Emit("a", "message", nil))
	require.NoError(t, r.Emit("missing", "message", nil))
	assert.Equal(t, []string{"message"}, a.events)

	removed, ok := r.Remove("a")
	require.True(t, ok)
	assert.Same(t, a, removed)
	assert.False(t, r.Has("a"))

	_, ok = r.Remove("a")
	assert.False(t, ok)
}

func TestRegistryConcurrentMutation(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("s-%d-%d", i, j)
				r.Add(&fakeSocket{id: id})
				_ = r.IDs()
				if j%2 == 0 {
					r.Remove(id)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16*50, r.Len())
}
