package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/credentials"
	"github.com/sockethub/sockethub/internal/logging"
	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/platform"
	"github.com/sockethub/sockethub/internal/queue"
)

// session is the dispatcher's state for one connected socket. Messages
// are handled one at a time by serve.
type session struct {
	id     string
	secret string
	creds  *credentials.Store
	logger *zap.Logger

	inbox   chan *models.ActivityStream
	done    chan struct{} // closed by Disconnect
	stopped chan struct{} // closed when serve returns

	mu     sync.Mutex
	hashes map[string]string // actor id -> content hash of the saved credentials
}

func (s *session) setHash(actorID, hash string) {
	s.mu.Lock()
	s.hashes[actorID] = hash
	s.mu.Unlock()
}

func (s *session) hash(actorID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[actorID]
	return h, ok
}

func (d *Dispatcher) serve(s *session) {
	defer close(s.stopped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbox:
			d.handle(ctx, s, msg)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, s *session, msg *models.ActivityStream) {
	if msg.IsCredentials() {
		d.saveCredentials(ctx, s, msg)
		return
	}

	hash, _ := s.hash(msg.ActorID())
	info, err := d.registry.Acquire(ctx, platform.Request{
		Platform:        msg.Context,
		ActorID:         msg.ActorID(),
		SocketID:        s.id,
		CredentialsHash: hash,
		Persist:         d.persist[msg.Context],
	})
	if err != nil {
		s.logger.Warn("platform instance unavailable", logging.Platform(msg.Context), zap.Error(err))
		d.emit(s.id, EventMessage, withError(msg, err.Error()))
		return
	}

	producer, ok := d.producer(info.ID)
	if !ok {
		d.emit(s.id, EventMessage, withError(msg, "platform instance is shutting down"))
		return
	}
	job, err := producer.AddWithHash(ctx, s.id, msg, hash)
	if err != nil {
		d.emit(s.id, EventMessage, withError(msg, err.Error()))
		return
	}
	s.logger.Debug("job dispatched", logging.InstanceID(info.ID), logging.JobTitle(job.Title))
}

func (d *Dispatcher) saveCredentials(ctx context.Context, s *session, msg *models.ActivityStream) {
	creds := &models.Credentials{
		Type:    msg.Type,
		Context: msg.Context,
		Actor:   msg.Actor,
		Object:  msg.Object,
	}
	hash, err := s.creds.Save(ctx, msg.ActorID(), creds)
	if err != nil {
		d.emit(s.id, EventMessage, withError(&models.ActivityStream{
			Type:    msg.Type,
			Context: msg.Context,
			Actor:   msg.Actor,
		}, err.Error()))
		return
	}
	s.setHash(msg.ActorID(), hash)

	// The acknowledgement never echoes the secret material back.
	d.emit(s.id, EventCredentials, &models.ActivityStream{
		Type:    msg.Type,
		Context: msg.Context,
		Actor:   msg.Actor,
	})
}

// credentials resolves what socket sessionID saved for actorID. It is the
// Credentials callback given to in-process platforms.
func (d *Dispatcher) credentials(ctx context.Context, sessionID, actorID, hash string) (*models.Credentials, error) {
	s, ok := d.session(sessionID)
	if !ok {
		return nil, credentials.ErrNotFound
	}
	return s.creds.Get(ctx, actorID, hash)
}

// broadcast returns the Send callback of instance id: the message goes to
// every socket attached to the instance.
func (d *Dispatcher) broadcast(instanceID string) func(*models.ActivityStream) {
	return func(msg *models.ActivityStream) {
		for _, sid := range d.registry.Sockets(instanceID) {
			d.emit(sid, EventMessage, msg)
		}
	}
}

func (d *Dispatcher) producer(instanceID string) (*queue.Queue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.producers[instanceID]
	return q, ok
}

// spawn is the registry factory. The instance's queue is keyed by the
// session of the socket that caused its creation.
func (d *Dispatcher) spawn(ctx context.Context, req platform.Request) (platform.Handle, error) {
	s, ok := d.session(req.SocketID)
	if !ok {
		return nil, ErrUnknownSocket
	}

	id := queue.Identity{
		ParentID: d.cfg.ParentID,
		Platform: req.Platform,
		Instance: req.InstanceID + ":" + uuid.NewString()[:8],
	}
	h, err := d.spawner.Spawn(ctx, platform.Launch{
		Request:     req,
		Queue:       id,
		Secret:      s.secret,
		Send:        d.broadcast(req.InstanceID),
		Credentials: d.credentials,
	})
	if err != nil {
		return nil, err
	}

	opts := d.cfg.QueueOptions
	opts.Logger = d.logger.Named("queue").With(logging.InstanceID(req.InstanceID))
	producer := queue.New(d.backend, id, s.secret, opts)
	producer.OnCompleted(d.completed)
	producer.OnFailed(d.failed)

	d.mu.Lock()
	d.producers[req.InstanceID] = producer
	d.mu.Unlock()

	return &instance{Handle: h, id: req.InstanceID, producer: producer, d: d}, nil
}

func (d *Dispatcher) completed(job *models.JobData, result any) {
	if result == nil {
		d.emit(job.SessionID, EventMessage, job.Msg)
		return
	}
	d.emit(job.SessionID, EventMessage, result)
}

func (d *Dispatcher) failed(job *models.JobData, err error) {
	msg := job.Msg
	if msg == nil {
		msg = &models.ActivityStream{}
	}
	d.emit(job.SessionID, EventMessage, withError(msg, err.Error()))
}

// instance ties a spawned worker to its producer queue.
type instance struct {
	platform.Handle
	id       string
	producer *queue.Queue
	d        *Dispatcher
}

func (i *instance) Cleanup(ctx context.Context) error {
	i.d.mu.Lock()
	if i.d.producers[i.id] == i.producer {
		delete(i.d.producers, i.id)
	}
	i.d.mu.Unlock()

	i.producer.Shutdown()
	err := i.Handle.Cleanup(ctx)

	if _, perr := i.d.backend.PurgeQueue(context.WithoutCancel(ctx), i.producer.Name()); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}
