// Package queue connects the dispatch process to platform workers through
// the shared store. A Queue (producer) encrypts and enqueues jobs and
// reports their outcome as events; a Worker (consumer) claims, decrypts
// and runs them.
//
// Delivery is at-most-once per job: a handler failure is reported, never
// retried.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/logging"
	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/store"
)

// ErrQueueClosed is returned by Add while the queue is paused or after
// Shutdown.
var ErrQueueClosed = errors.New("queue closed")

// HandlerError carries the message of a failed job handler back to the
// producer.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string { return e.Message }

// Backend is the part of the shared store the queue pair runs on.
type Backend interface {
	Enqueue(ctx context.Context, queue, title, sessionID string, payload []byte) (*store.JobRow, error)
	Claim(ctx context.Context, queue, worker string) (*store.JobRow, bool, error)
	Finish(ctx context.Context, id int64, worker string, state store.JobState, result []byte) error
	CollectFinished(ctx context.Context, queue string, limit int) ([]store.JobRow, error)
}

// Identity names a queue. A producer and a worker built with the same
// identity talk to each other.
type Identity struct {
	ParentID string
	Platform string
	// Instance optionally pins the queue to one platform instance.
	Instance string
}

// Name is the queue key in the shared store.
func (i Identity) Name() string {
	n := "sockethub:" + i.ParentID + ":queue:" + i.Platform
	if i.Instance != "" {
		n += ":" + i.Instance
	}
	return n
}

// Job is the descriptor returned by Add.
type Job struct {
	ID        int64
	Title     string
	SessionID string
	State     store.JobState
}

// Options tune a queue or worker. Zero values select defaults.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// CompletedFunc observes a job whose handler returned. result is nil when
// the handler produced no content.
type CompletedFunc func(job *models.JobData, result any)

// FailedFunc observes a job whose handler failed or could not be decrypted.
type FailedFunc func(job *models.JobData, err error)

// Queue is the producer side.
type Queue struct {
	backend Backend
	name    string
	secret  string
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	seq    int64
	paused bool
	closed bool

	subMu     sync.RWMutex
	completed []CompletedFunc
	failed    []FailedFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a producer for id. secret must equal the worker's secret.
func New(backend Backend, id Identity, secret string, opts Options) *Queue {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		backend: backend,
		name:    id.Name(),
		secret:  secret,
		opts:    opts,
		logger:  opts.Logger.With(logging.Queue(id.Platform)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.collect(ctx)
	return q
}

// Name returns the queue key in the shared store.
func (q *Queue) Name() string { return q.name }

// OnCompleted registers fn for completed jobs. Callbacks run sequentially
// on the queue's collector goroutine.
func (q *Queue) OnCompleted(fn CompletedFunc) {
	q.subMu.Lock()
	q.completed = append(q.completed, fn)
	q.subMu.Unlock()
}

// OnFailed registers fn for failed jobs.
func (q *Queue) OnFailed(fn FailedFunc) {
	q.subMu.Lock()
	q.failed = append(q.failed, fn)
	q.subMu.Unlock()
}

// Add encrypts msg and enqueues it for sessionID. The job is titled
// "<context>-<sequence>" and Add returns as soon as it is persisted;
// the outcome arrives later through OnCompleted or OnFailed.
func (q *Queue) Add(ctx context.Context, sessionID string, msg *models.ActivityStream) (*Job, error) {
	return q.AddWithHash(ctx, sessionID, msg, "")
}

// AddWithHash is Add for a sender that has credentials saved for the
// message's actor. credentialsHash travels with the job so the worker
// resolves exactly that version.
func (q *Queue) AddWithHash(ctx context.Context, sessionID string, msg *models.ActivityStream, credentialsHash string) (*Job, error) {
	if msg == nil {
		return nil, errors.New("queue add: nil message")
	}

	q.mu.Lock()
	if q.paused || q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	title := msg.Context + "-" + strconv.FormatInt(q.seq, 10)
	q.seq++
	q.mu.Unlock()

	payload, err := seal(&models.JobData{
		Title:           title,
		SessionID:       sessionID,
		Msg:             msg,
		CredentialsHash: credentialsHash,
	}, q.secret)
	if err != nil {
		return nil, fmt.Errorf("queue add %s: %w", title, err)
	}

	row, err := q.backend.Enqueue(ctx, q.name, title, sessionID, payload)
	if err != nil {
		return nil, fmt.Errorf("queue add %s: %w", title, err)
	}

	q.logger.Debug("job queued", logging.JobTitle(title), logging.SocketID(sessionID))
	return &Job{ID: row.ID, Title: title, SessionID: sessionID, State: row.State}, nil
}

// Pause makes Add fail with ErrQueueClosed. Jobs already queued still run
// and their events still fire.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume reverses Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Paused reports whether Add is currently refused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused || q.closed
}

// Shutdown stops the collector. No events fire after it returns and jobs
// still in flight are abandoned. The backend itself is owned by the caller.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done
}

func (q *Queue) collect(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			rows, err := q.backend.CollectFinished(ctx, q.name, q.opts.BatchSize)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("collect finished jobs failed", zap.Error(err))
				}
				break
			}
			for i := range rows {
				if ctx.Err() != nil {
					return
				}
				q.emit(&rows[i])
			}
			if len(rows) < q.opts.BatchSize {
				break
			}
		}
	}
}

func (q *Queue) emit(row *store.JobRow) {
	job := &models.JobData{Title: row.Title, SessionID: row.SessionID}
	var original models.JobData
	if err := open(row.Payload, q.secret, &original); err == nil {
		job.Msg = original.Msg
	}

	var result models.JobResult
	if err := open(row.Result, q.secret, &result); err != nil {
		q.logger.Warn("job result unreadable", logging.JobTitle(row.Title), zap.Error(err))
		q.fireFailed(job, err)
		return
	}

	if row.State == store.JobCompleted && result.OK {
		q.logger.Debug("job completed", logging.JobTitle(row.Title))
		q.fireCompleted(job, result.Value)
		return
	}
	q.logger.Debug("job failed", logging.JobTitle(row.Title), zap.String("error", result.Error))
	q.fireFailed(job, &HandlerError{Message: result.Error})
}

func (q *Queue) fireCompleted(job *models.JobData, result any) {
	q.subMu.RLock()
	subs := q.completed
	q.subMu.RUnlock()
	for _, fn := range subs {
		fn(job, result)
	}
}

func (q *Queue) fireFailed(job *models.JobData, err error) {
	q.subMu.RLock()
	subs := q.failed
	q.subMu.RUnlock()
	for _, fn := range subs {
		fn(job, err)
	}
}
