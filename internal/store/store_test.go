package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), Config{URL: "sqlite://" + dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(context.Background(), Config{URL: "sqlite://" + dbPath})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.Driver() != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", s.Driver())
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"schema_migrations", "kv", "jobs"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestMigrationsIdempotentAcrossOpens(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	first, err := Open(ctx, Config{URL: "sqlite://" + dbPath})
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	second, err := Open(ctx, Config{URL: "sqlite://" + dbPath})
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	var count int
	require.NoError(t, second.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestOpenUnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), Config{URL: "redis://localhost:6379"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestOpenRetriesThenFailsClosed(t *testing.T) {
	// The parent directory does not exist, so every ping fails.
	dbPath := filepath.Join(t.TempDir(), "missing", "dir", "test.db")

	start := time.Now()
	_, err := Open(context.Background(), Config{
		URL:           "sqlite://" + dbPath,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionUnavailable), "got %v", err)
	// 1ms + 2ms + 4ms of backoff across three retries.
	assert.GreaterOrEqual(t, time.Since(start), 7*time.Millisecond)
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     int
		wantErr  bool
	}{
		{"valid", "001_init.sql", 1, false},
		{"valid large", "123_add_column.sql", 123, false},
		{"missing underscore", "001.sql", 0, true},
		{"empty prefix", "_init.sql", 0, true},
		{"non-numeric prefix", "abc_init.sql", 0, true},
		{"empty string", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVersion(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseVersion(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("parseVersion(%q) = %v, want %v", tt.filename, got, tt.want)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", postgresDialect.rebind(q))
}

func TestKV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "a:1", []byte("one")))
	require.NoError(t, s.Set(ctx, "a:1", []byte("uno")))
	require.NoError(t, s.Set(ctx, "a:2", []byte("two")))
	require.NoError(t, s.Set(ctx, "a_x", []byte("literal underscore")))
	require.NoError(t, s.Set(ctx, "b:1", []byte("other")))

	v, ok, err := s.Get(ctx, "a:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "uno", string(v))

	keys, err := s.Keys(ctx, "a:")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "a:2"}, keys)

	n, err := s.DeletePrefix(ctx, "a:")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err = s.Get(ctx, "a_x")
	require.NoError(t, err)
	assert.True(t, ok, "underscore must not act as a wildcard")

	require.NoError(t, s.Delete(ctx, "b:1"))
	require.NoError(t, s.Delete(ctx, "b:1"))
	_, ok, err = s.Get(ctx, "b:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, "q1", "bar-0", "sock-1", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.State)

	_, err = s.Enqueue(ctx, "q2", "other-0", "sock-2", []byte("elsewhere"))
	require.NoError(t, err)

	claimed, ok, err := s.Claim(ctx, "q1", "worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, "bar-0", claimed.Title)
	assert.Equal(t, "sock-1", claimed.SessionID)
	assert.Equal(t, []byte("payload"), claimed.Payload)

	_, ok, err = s.Claim(ctx, "q1", "worker-b")
	require.NoError(t, err)
	assert.False(t, ok, "queue should be drained")

	err = s.Finish(ctx, claimed.ID, "worker-b", JobCompleted, []byte("x"))
	require.Error(t, err, "only the owning worker may finish")

	require.NoError(t, s.Finish(ctx, claimed.ID, "worker-a", JobCompleted, []byte("result")))

	counts, err := s.CountJobs(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[JobCompleted])

	finished, err := s.CollectFinished(ctx, "q1", 10)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, JobCompleted, finished[0].State)
	assert.Equal(t, []byte("result"), finished[0].Result)

	again, err := s.CollectFinished(ctx, "q1", 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := s.PurgeQueue(ctx, "q2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClaimIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, err := s.Enqueue(ctx, "q", "t", "s", []byte{byte(i)})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				j, ok, err := s.Claim(ctx, "q", worker)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}
