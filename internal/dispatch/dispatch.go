// Package dispatch is the message ingress of the gateway. It admits client
// messages through the rate limiter, keeps per-socket credentials, routes
// jobs to the platform instance serving the message's actor and relays job
// outcomes back to the originating socket.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/credentials"
	"github.com/sockethub/sockethub/internal/crypto"
	"github.com/sockethub/sockethub/internal/logging"
	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/platform"
	"github.com/sockethub/sockethub/internal/queue"
	"github.com/sockethub/sockethub/internal/ratelimit"
	"github.com/sockethub/sockethub/internal/sockets"
)

// Events emitted to sockets.
const (
	EventMessage     = "message"
	EventCredentials = "credentials"
	EventError       = "error"
)

var (
	// ErrRateLimited is returned by Submit while the socket is blocked.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidMessage is returned by Submit for messages that cannot be
	// routed.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownSocket is returned for socket ids that are not connected.
	ErrUnknownSocket = errors.New("unknown socket")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("dispatcher closed")
)

// Backend is the shared store as seen by the dispatcher.
type Backend interface {
	credentials.KV
	queue.Backend
	PurgeQueue(ctx context.Context, queue string) (int64, error)
}

// Config holds dispatcher settings.
type Config struct {
	ParentID     string
	ParentSecret string
	// Platforms lists the enabled platform names.
	Platforms []string
	// Schemas describe the platforms that publish one. Persistent
	// platforms get the credentials check on instance reuse.
	Schemas      []platform.Schema
	QueueOptions queue.Options
	// InboxSize bounds the per-socket backlog of admitted messages.
	InboxSize int
}

// Dispatcher owns every connected socket's session.
type Dispatcher struct {
	cfg      Config
	backend  Backend
	sockets  *sockets.Registry
	limiter  *ratelimit.Limiter
	registry *platform.Registry
	spawner  platform.Spawner
	persist  map[string]bool
	logger   *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	producers map[string]*queue.Queue // by instance id
	closed    bool
}

// New returns a dispatcher and the platform registry it routes through.
// The registry's factory spawns workers with spawner.
func New(cfg Config, backend Backend, socks *sockets.Registry, limiter *ratelimit.Limiter, spawner platform.Spawner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	d := &Dispatcher{
		cfg:       cfg,
		backend:   backend,
		sockets:   socks,
		limiter:   limiter,
		spawner:   spawner,
		persist:   make(map[string]bool),
		logger:    logger,
		sessions:  make(map[string]*session),
		producers: make(map[string]*queue.Queue),
	}
	for _, sc := range cfg.Schemas {
		d.persist[sc.Name] = sc.Persist
	}
	d.registry = platform.NewRegistry(d.spawn, logger.Named("registry"))
	return d
}

// Registry returns the platform instance registry.
func (d *Dispatcher) Registry() *platform.Registry { return d.registry }

// Connect registers sock. sessionSecret is the client-held secret that,
// combined with the parent secret, keys the socket's credentials.
func (d *Dispatcher) Connect(sock sockets.Socket, sessionSecret string) error {
	id := sock.ID()
	secret := crypto.Derive(d.cfg.ParentSecret, sessionSecret)

	s := &session{
		id:      id,
		secret:  secret,
		creds:   credentials.New(d.backend, d.cfg.ParentID, id, secret, d.logger),
		hashes:  make(map[string]string),
		inbox:   make(chan *models.ActivityStream, d.cfg.InboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  d.logger.With(logging.SocketID(id)),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if _, dup := d.sessions[id]; dup {
		d.mu.Unlock()
		return fmt.Errorf("socket %s already connected", id)
	}
	d.sessions[id] = s
	d.mu.Unlock()

	d.sockets.Add(sock)
	go d.serve(s)
	s.logger.Debug("socket connected")
	return nil
}

// Submit admits msg from socketID. Admitted messages are processed in order
// per socket; their outcome arrives as events.
func (d *Dispatcher) Submit(ctx context.Context, socketID string, msg *models.ActivityStream) error {
	s, ok := d.session(socketID)
	if !ok {
		return ErrUnknownSocket
	}

	if dec := d.limiter.Check(socketID); !dec.Allowed {
		if dec.NewlyBlocked {
			s.logger.Info("socket rate limited", zap.Duration("retry_after", dec.RetryAfter))
		}
		d.emit(socketID, EventError, models.NewServerError(models.SummaryRateLimited))
		return ErrRateLimited
	}

	if err := d.validate(msg); err != nil {
		d.emit(socketID, EventMessage, withError(msg, err.Error()))
		return err
	}

	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return ErrUnknownSocket
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect removes socketID and forgets everything held for it. The
// instances it used are reclaimed by the resource manager.
func (d *Dispatcher) Disconnect(ctx context.Context, socketID string) error {
	d.mu.Lock()
	s, ok := d.sessions[socketID]
	delete(d.sessions, socketID)
	d.mu.Unlock()
	if !ok {
		return ErrUnknownSocket
	}

	d.sockets.Remove(socketID)
	close(s.done)
	<-s.stopped

	d.registry.Detach(socketID)
	d.limiter.Forget(socketID)
	if err := s.creds.Purge(ctx); err != nil {
		s.logger.Warn("purge credentials failed", zap.Error(err))
		return err
	}
	s.logger.Debug("socket disconnected")
	return nil
}

// Shutdown disconnects every socket, then terminates every instance within
// cleanupTimeout each.
func (d *Dispatcher) Shutdown(ctx context.Context, cleanupTimeout time.Duration) {
	d.mu.Lock()
	d.closed = true
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		_ = d.Disconnect(ctx, id)
	}
	d.registry.Shutdown(ctx, cleanupTimeout)
}

func (d *Dispatcher) session(id string) (*session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	return s, ok
}

func (d *Dispatcher) validate(msg *models.ActivityStream) error {
	switch {
	case msg == nil:
		return fmt.Errorf("%w: empty message", ErrInvalidMessage)
	case msg.Type == "":
		return fmt.Errorf("%w: type required", ErrInvalidMessage)
	case msg.Context == "":
		return fmt.Errorf("%w: context required", ErrInvalidMessage)
	case msg.ActorID() == "":
		return fmt.Errorf("%w: actor.id required", ErrInvalidMessage)
	case !slices.Contains(d.cfg.Platforms, msg.Context):
		return fmt.Errorf("%w: platform %q not enabled", ErrInvalidMessage, msg.Context)
	}
	return nil
}

func (d *Dispatcher) emit(socketID, event string, payload any) {
	if err := d.sockets.Emit(socketID, event, payload); err != nil {
		d.logger.Debug("emit dropped", logging.SocketID(socketID), zap.String("event", event), zap.Error(err))
	}
}

func withError(msg *models.ActivityStream, text string) *models.ActivityStream {
	out := &models.ActivityStream{}
	if msg != nil {
		*out = *msg
	}
	out.Error = text
	return out
}
