package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/logging"
	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/queue"
)

// Launch is everything needed to start the worker of one instance.
type Launch struct {
	Request
	// Queue is the job queue the worker consumes. Each incarnation of an
	// instance gets its own, so a restarted instance never sees jobs
	// addressed to its predecessor.
	Queue queue.Identity
	// Secret encrypts the instance's job queue.
	Secret string

	Send        func(msg *models.ActivityStream)
	Credentials CredentialsFunc
}

// Spawner starts instance workers.
type Spawner interface {
	Spawn(ctx context.Context, l Launch) (Handle, error)
}

// ErrUnknownPlatform is returned when a launch names a platform missing
// from the catalog.
var ErrUnknownPlatform = errors.New("unknown platform")

// Worker is a platform bound to a queue worker in the current process.
type Worker struct {
	platform Platform
	worker   *queue.Worker

	once sync.Once
	err  error
}

// StartWorker initializes p with s and starts consuming the queue named by
// id. It backs both the in-process spawner and the standalone worker
// command.
func StartWorker(ctx context.Context, p Platform, s *Session, backend queue.Backend, id queue.Identity, secret string, opts queue.Options) (*Worker, error) {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if err := p.Init(ctx, s); err != nil {
		return nil, fmt.Errorf("init %s: %w", p.ID(), err)
	}

	opts.Logger = s.Logger
	w := queue.NewWorker(backend, id, secret, opts)
	if err := w.OnJob(withCredentials(p, s)); err != nil {
		_ = p.Cleanup(ctx)
		return nil, err
	}
	if err := w.Init(ctx); err != nil {
		_ = p.Cleanup(ctx)
		return nil, err
	}
	return &Worker{platform: p, worker: w}, nil
}

// Cleanup stops taking jobs, then lets the platform release its upstream
// state. It is safe to call more than once.
func (w *Worker) Cleanup(ctx context.Context) error {
	w.once.Do(func() {
		werr := w.worker.Shutdown(ctx)
		perr := w.platform.Cleanup(ctx)
		w.err = errors.Join(werr, perr)
	})
	return w.err
}

// InProcessSpawner runs every instance as goroutines of this process.
type InProcessSpawner struct {
	Catalog *Catalog
	Backend queue.Backend
	Options queue.Options
	Logger  *zap.Logger
}

// Spawn implements Spawner.
func (s *InProcessSpawner) Spawn(ctx context.Context, l Launch) (Handle, error) {
	ctor, ok := s.Catalog.Lookup(l.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, l.Platform)
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sess := &Session{
		ParentID:    l.Queue.ParentID,
		Platform:    l.Platform,
		InstanceID:  l.InstanceID,
		ActorID:     l.ActorID,
		Logger:      logger.With(logging.Platform(l.Platform), logging.InstanceID(l.InstanceID)),
		Send:        l.Send,
		Credentials: l.Credentials,
	}
	// Workers outlive the request that created them.
	return StartWorker(context.WithoutCancel(ctx), ctor(), sess, s.Backend, l.Queue, l.Secret, s.Options)
}

// Environment variables passed to exec'd workers. Secrets never appear on
// the command line.
const (
	EnvWorkerSecret = "SOCKETHUB_WORKER_SECRET"
	EnvStoreURL     = "SOCKETHUB_STORE_URL"
)

// ExecSpawner runs each instance as a "sockethub worker" child process
// talking to the same shared store.
type ExecSpawner struct {
	// Path is the sockethub binary. Empty means the running executable.
	Path     string
	StoreURL string
	// ConfigFile is passed to workers as --config when set.
	ConfigFile string
	// StopTimeout bounds the wait between SIGTERM and SIGKILL.
	StopTimeout time.Duration
	Logger      *zap.Logger
}

// Spawn implements Spawner. Out-of-process instances get no Send callback
// and resolve credentials from the shared store themselves.
func (s *ExecSpawner) Spawn(_ context.Context, l Launch) (Handle, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	args := []string{"worker",
		"--platform", l.Platform,
		"--actor-instance", l.InstanceID,
		"--queue-instance", l.Queue.Instance,
		"--parent-id", l.Queue.ParentID,
	}
	if s.ConfigFile != "" {
		args = append(args, "--config", s.ConfigFile)
	}
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(),
		EnvWorkerSecret+"="+l.Secret,
		EnvStoreURL+"="+s.StoreURL,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	h := &process{cmd: cmd, exited: make(chan struct{}), stop: s.StopTimeout}
	if h.stop <= 0 {
		h.stop = 5 * time.Second
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
		logger.Info("worker process exited",
			logging.Platform(l.Platform),
			logging.InstanceID(l.InstanceID),
			zap.Int("pid", cmd.Process.Pid),
			zap.Error(h.waitErr))
	}()
	logger.Info("worker process started",
		logging.Platform(l.Platform),
		logging.InstanceID(l.InstanceID),
		zap.Int("pid", cmd.Process.Pid))
	return h, nil
}

type process struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	stop    time.Duration
}

func (p *process) Cleanup(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal worker: %w", err)
	}

	timer := time.NewTimer(p.stop)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker: %w", err)
	}
	return errors.New("worker did not stop in time, killed")
}
