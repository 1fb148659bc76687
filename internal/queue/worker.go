package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/crypto"
	"github.com/sockethub/sockethub/internal/logging"
	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/store"
)

// Handler runs one decrypted job. A nil result with a nil error is a valid
// "no content" outcome.
type Handler func(ctx context.Context, job *models.JobData) (any, error)

// Worker errors.
var (
	ErrHandlerRegistered = errors.New("queue worker: handler already registered")
	ErrNoHandler         = errors.New("queue worker: no handler registered")
	ErrWorkerStarted     = errors.New("queue worker: already started")
)

// Worker is the consumer side. Jobs are handled one at a time.
type Worker struct {
	backend Backend
	name    string
	secret  string
	id      string
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker returns a consumer for id. Call OnJob, then Init.
func NewWorker(backend Backend, id Identity, secret string, opts Options) *Worker {
	opts = opts.withDefaults()
	workerID := uuid.NewString()
	return &Worker{
		backend: backend,
		name:    id.Name(),
		secret:  secret,
		id:      workerID,
		opts:    opts,
		logger:  opts.Logger.With(logging.Queue(id.Platform), zap.String("worker", workerID)),
	}
}

// ID returns the identifier the worker claims jobs under.
func (w *Worker) ID() string { return w.id }

// OnJob registers the job handler. Only one handler may be registered.
func (w *Worker) OnJob(h Handler) error {
	if h == nil {
		return ErrNoHandler
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handler != nil {
		return ErrHandlerRegistered
	}
	w.handler = h
	return nil
}

// Init starts polling the queue. It returns immediately.
func (w *Worker) Init(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handler == nil {
		return ErrNoHandler
	}
	if w.cancel != nil {
		return ErrWorkerStarted
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.handler)
	return nil
}

// Shutdown stops polling and waits for the job in progress, if any, until
// ctx expires. A handler that never returns leaves its job active.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue worker shutdown: %w", ctx.Err())
	}
}

func (w *Worker) run(ctx context.Context, h Handler) {
	defer close(w.done)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything queued before waiting for the next tick.
		for {
			row, ok, err := w.backend.Claim(ctx, w.name, w.id)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("claim job failed", zap.Error(err))
				}
				break
			}
			if !ok {
				break
			}
			w.process(ctx, h, row)
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, h Handler, row *store.JobRow) {
	logger := w.logger.With(logging.JobTitle(row.Title), logging.JobID(row.ID))

	var job models.JobData
	result := models.Err(crypto.ErrDecryptionFailed.Error())
	if err := open(row.Payload, w.secret, &job); err != nil {
		logger.Warn("job payload unreadable", zap.Error(err))
	} else if job.Title != row.Title || job.SessionID != row.SessionID {
		logger.Warn("job payload does not match its row")
	} else {
		result = w.invoke(ctx, h, &job, logger)
	}
	if result.OK {
		if err := decodable(&result); err != nil {
			logger.Warn("job result not encodable", zap.Error(err))
			result = models.Err("result not encodable: " + err.Error())
		}
	}

	state := store.JobCompleted
	if !result.OK {
		state = store.JobFailed
	}

	sealedResult, err := seal(&result, w.secret)
	if err != nil {
		logger.Error("seal job result failed", zap.Error(err))
		// An unsealable value still owes the producer an outcome.
		state = store.JobFailed
		sealedResult, err = seal(models.Err("result not encodable: "+err.Error()), w.secret)
		if err != nil {
			return
		}
	}

	// The outcome must be recorded even while shutting down.
	finishCtx := context.WithoutCancel(ctx)
	if err := w.backend.Finish(finishCtx, row.ID, w.id, state, sealedResult); err != nil {
		logger.Error("record job outcome failed", zap.Error(err))
	}
}

func (w *Worker) invoke(ctx context.Context, h Handler, job *models.JobData, logger *zap.Logger) (res models.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job handler panicked", zap.Any("panic", r))
			res = models.Err(fmt.Sprint(r))
		}
	}()

	value, err := h(ctx, job)
	if err != nil {
		logger.Debug("job handler failed", zap.Error(err))
		return models.Err(err.Error())
	}
	return models.Ok(value)
}
