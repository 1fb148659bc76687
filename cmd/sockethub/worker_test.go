package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockethub/sockethub/internal/credentials"
	"github.com/sockethub/sockethub/internal/crypto"
	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/platform"
	"github.com/sockethub/sockethub/internal/platform/dummy"
	"github.com/sockethub/sockethub/internal/queue"
	"github.com/sockethub/sockethub/internal/store"
)

// execEnv makes the test binary run the sockethub CLI instead of the tests,
// so the exec spawner can start it as a worker.
const execEnv = "SOCKETHUB_TEST_EXEC_CLI"

func TestMain(m *testing.M) {
	if os.Getenv(execEnv) == "1" {
		rootCmd.SetArgs(os.Args[1:])
		Execute()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestExecWorkerRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("worker processes are stopped with SIGTERM")
	}
	t.Setenv(execEnv, "1")
	t.Setenv("SOCKETHUB_LOG_LEVEL", "error")

	ctx := context.Background()
	storeURL := "sqlite://" + filepath.Join(t.TempDir(), "exec.db")
	st, err := store.Open(ctx, store.Config{URL: storeURL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	secret := crypto.Derive("parent-secret", "session-secret")
	l := platform.Launch{
		Request: platform.Request{
			Platform:   dummy.Name,
			ActorID:    "alice",
			InstanceID: crypto.InstanceID(dummy.Name, "alice"),
			SocketID:   "sock-1",
		},
		Queue:  queue.Identity{ParentID: "parent", Platform: dummy.Name, Instance: "alice:exec"},
		Secret: secret,
	}

	sp := &platform.ExecSpawner{Path: os.Args[0], StoreURL: storeURL, StopTimeout: 5 * time.Second}
	h, err := sp.Spawn(ctx, l)
	require.NoError(t, err)
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = h.Cleanup(context.Background())
		}
	})

	q := queue.New(st, l.Queue, secret, queue.Options{PollInterval: 10 * time.Millisecond})
	defer q.Shutdown()
	results := make(chan any, 4)
	failures := make(chan error, 4)
	q.OnCompleted(func(_ *models.JobData, result any) { results <- result })
	q.OnFailed(func(_ *models.JobData, err error) { failures <- err })

	hash, err := credentials.New(st, "parent", "sock-1", secret, nil).Save(ctx, "alice", &models.Credentials{
		Type:    models.TypeCredentials,
		Context: dummy.Name,
		Actor:   &models.Actor{ID: "alice"},
		Object:  map[string]any{"nick": "alice-irc"},
	})
	require.NoError(t, err)

	_, err = q.AddWithHash(ctx, "sock-1", &models.ActivityStream{
		Type:    dummy.VerbConnect,
		Context: dummy.Name,
		Actor:   &models.Actor{ID: "alice"},
	}, hash)
	require.NoError(t, err)

	select {
	case res := <-results:
		m, ok := res.(map[string]any)
		require.True(t, ok, "result %#v", res)
		assert.Equal(t, "alice-irc", m["object"].(map[string]any)["nick"])
	case err := <-failures:
		t.Fatalf("job failed: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("worker process never completed the job")
	}

	stopped = true
	assert.NoError(t, h.Cleanup(ctx), "worker exits on SIGTERM")
}

func TestWorkerRequiresQueueInstance(t *testing.T) {
	f := workerCmd.Flags().Lookup("queue-instance")
	require.NotNil(t, f)
	assert.Equal(t, []string{"true"}, f.Annotations[cobra.BashCompOneRequiredFlag])
}
