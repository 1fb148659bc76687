package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a job row.
type JobState string

// Job states.
const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobRow is a job as persisted in the shared store. Payload and Result are
// opaque to the store; callers encrypt them before they get here.
type JobRow struct {
	ID        int64
	Queue     string
	Title     string
	SessionID string
	Payload   []byte
	State     JobState
	Result    []byte
	CreatedAt int64
}

// Enqueue appends a job to queue in the queued state.
func (s *Store) Enqueue(ctx context.Context, queue, title, sessionID string, payload []byte) (*JobRow, error) {
	now := time.Now().Unix()
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO jobs (queue, title, session_id, payload, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), queue, title, sessionID, payload, JobQueued, now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("enqueue job %q: %w", title, err)
	}
	return &JobRow{
		ID:        id,
		Queue:     queue,
		Title:     title,
		SessionID: sessionID,
		Payload:   payload,
		State:     JobQueued,
		CreatedAt: now,
	}, nil
}

// Claim atomically moves the oldest queued job in queue to active and
// assigns it to worker. The boolean is false when the queue is empty.
func (s *Store) Claim(ctx context.Context, queue, worker string) (*JobRow, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		UPDATE jobs SET state = ?, worker = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE queue = ? AND state = ? ORDER BY id LIMIT 1`+s.dialect.claimLock+`
		)
		RETURNING id, queue, title, session_id, payload, created_at
	`), JobActive, worker, time.Now().Unix(), queue, JobQueued)

	j := JobRow{State: JobActive}
	err := row.Scan(&j.ID, &j.Queue, &j.Title, &j.SessionID, &j.Payload, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job on %q: %w", queue, err)
	}
	return &j, true, nil
}

// Finish records the outcome of an active job. Only the worker holding the
// job can finish it; a mismatch leaves the row untouched.
func (s *Store) Finish(ctx context.Context, id int64, worker string, state JobState, result []byte) error {
	if state != JobCompleted && state != JobFailed {
		return fmt.Errorf("finish job %d: invalid terminal state %q", id, state)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET state = ?, result = ?, updated_at = ?
		WHERE id = ? AND state = ? AND worker = ?
	`), state, result, time.Now().Unix(), id, JobActive, worker)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finish job %d: not active for worker %q", id, worker)
	}
	return nil
}

// CollectFinished removes up to limit completed or failed jobs from queue
// and returns them. Each finished job is returned by exactly one call.
func (s *Store) CollectFinished(ctx context.Context, queue string, limit int) ([]JobRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs WHERE queue = ? AND state IN (?, ?) ORDER BY id LIMIT ?
		)
		RETURNING id, queue, title, session_id, payload, state, result, created_at
	`), queue, JobCompleted, JobFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("collect finished on %q: %w", queue, err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRow
	for rows.Next() {
		var j JobRow
		var state string
		if err := rows.Scan(&j.ID, &j.Queue, &j.Title, &j.SessionID, &j.Payload, &state, &j.Result, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan finished job: %w", err)
		}
		j.State = JobState(state)
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobs returns the number of jobs in queue grouped by state.
func (s *Store) CountJobs(ctx context.Context, queue string) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state"), queue)
	if err != nil {
		return nil, fmt.Errorf("count jobs on %q: %w", queue, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[JobState(state)] = n
	}
	return counts, rows.Err()
}

// PurgeQueue deletes every job in queue regardless of state.
func (s *Store) PurgeQueue(ctx context.Context, queue string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM jobs WHERE queue = ?"), queue)
	if err != nil {
		return 0, fmt.Errorf("purge queue %q: %w", queue, err)
	}
	return res.RowsAffected()
}
