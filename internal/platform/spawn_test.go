package platform

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/queue"
	"github.com/sockethub/sockethub/internal/store"
)

type upperPlatform struct {
	session *Session
	cleaned atomic.Int32
	initErr error
	handled atomic.Int32
}

func (p *upperPlatform) ID() string { return "upper" }

func (p *upperPlatform) Init(_ context.Context, s *Session) error {
	p.session = s
	return p.initErr
}

func (p *upperPlatform) Handle(_ context.Context, job *models.JobData) (any, error) {
	p.handled.Add(1)
	return map[string]any{"actor": p.session.ActorID, "type": job.Msg.Type}, nil
}

func (p *upperPlatform) Cleanup(context.Context) error {
	p.cleaned.Add(1)
	return nil
}

func TestInProcessSpawner(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{URL: "sqlite://" + filepath.Join(t.TempDir(), "spawn.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := &upperPlatform{}
	cat := NewCatalog()
	require.NoError(t, cat.Register("upper", func() Platform { return p }))

	opts := queue.Options{PollInterval: 5 * time.Millisecond}
	sp := &InProcessSpawner{Catalog: cat, Backend: st, Options: opts, Logger: zap.NewNop()}

	l := Launch{
		Request: Request{Platform: "upper", ActorID: "alice", InstanceID: "inst-1", SocketID: "sock-1"},
		Queue:   queue.Identity{ParentID: "parent", Platform: "upper", Instance: "inst-1-a"},
		Secret:  "s3cret",
	}
	h, err := sp.Spawn(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.session.ActorID)
	assert.Equal(t, "inst-1", p.session.InstanceID)

	q := queue.New(st, l.Queue, l.Secret, opts)
	defer q.Shutdown()
	results := make(chan any, 1)
	q.OnCompleted(func(_ *models.JobData, result any) { results <- result })

	_, err = q.Add(ctx, "sock-1", &models.ActivityStream{Type: "echo", Context: "upper", Actor: &models.Actor{ID: "alice"}})
	require.NoError(t, err)

	select {
	case res := <-results:
		assert.Equal(t, map[string]any{"actor": "alice", "type": "echo"}, res)
	case <-time.After(5 * time.Second):
		t.Fatal("job never completed")
	}

	require.NoError(t, h.Cleanup(ctx))
	require.NoError(t, h.Cleanup(ctx))
	assert.Equal(t, int32(1), p.cleaned.Load())
}

func TestInProcessSpawnerUnknownPlatform(t *testing.T) {
	sp := &InProcessSpawner{Catalog: NewCatalog()}
	_, err := sp.Spawn(context.Background(), Launch{Request: Request{Platform: "nope"}})
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestCatalog(t *testing.T) {
	cat := NewCatalog()
	require.NoError(t, cat.Register("b", func() Platform { return &upperPlatform{} }))
	require.NoError(t, cat.Register("a", func() Platform { return &upperPlatform{} }))
	assert.Error(t, cat.Register("a", func() Platform { return &upperPlatform{} }))
	assert.Equal(t, []string{"a", "b"}, cat.Names())

	_, ok := cat.Lookup("c")
	assert.False(t, ok)
	assert.Empty(t, cat.Schemas(), "upperPlatform publishes no schema")
}
