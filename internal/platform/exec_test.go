package platform

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/queue"
)

// stubbornEnv makes the test binary act as a worker that ignores SIGTERM.
// Its value is the file the worker writes its arguments to once ready.
const stubbornEnv = "SOCKETHUB_TEST_STUBBORN_WORKER"

func TestMain(m *testing.M) {
	if ready := os.Getenv(stubbornEnv); ready != "" {
		signal.Ignore(syscall.SIGTERM)
		_ = os.WriteFile(ready, []byte(strings.Join(os.Args[1:], " ")), 0o600)
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestExecCleanupKillsStubbornWorker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("worker processes are stopped with SIGTERM")
	}
	ready := filepath.Join(t.TempDir(), "ready")
	t.Setenv(stubbornEnv, ready)
	ctx := context.Background()

	sp := &ExecSpawner{
		Path:        os.Args[0],
		StoreURL:    "sqlite://unused.db",
		ConfigFile:  "/etc/sockethub/sockethub.yaml",
		StopTimeout: 100 * time.Millisecond,
		Logger:      zap.NewNop(),
	}
	h, err := sp.Spawn(ctx, Launch{
		Request: Request{Platform: "dummy", ActorID: "alice", InstanceID: "inst-1"},
		Queue:   queue.Identity{ParentID: "parent", Platform: "dummy", Instance: "inst-1:a"},
		Secret:  "s3cret",
	})
	require.NoError(t, err)

	var args string
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(ready)
		args = string(b)
		return err == nil && args != ""
	}, 10*time.Second, 10*time.Millisecond, "worker never became ready")
	assert.Contains(t, args, "worker --platform dummy --actor-instance inst-1 --queue-instance inst-1:a --parent-id parent")
	assert.Contains(t, args, "--config /etc/sockethub/sockethub.yaml")
	assert.NotContains(t, args, "s3cret", "secrets never go on the command line")

	start := time.Now()
	err = h.Cleanup(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "killed")
	assert.Less(t, time.Since(start), 5*time.Second)

	p := h.(*process)
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("worker still running after kill")
	}
	assert.NoError(t, h.Cleanup(ctx), "cleanup of an exited worker is a no-op")
}
