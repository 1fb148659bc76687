package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sockethub/sockethub/internal/crypto"
	"github.com/sockethub/sockethub/internal/logging"
)

// Handle is the running worker behind an instance. Cleanup is invoked by
// the resource manager before the instance is dropped.
type Handle interface {
	Cleanup(ctx context.Context) error
}

// Request describes the instance a socket asked for.
type Request struct {
	Platform   string
	ActorID    string
	InstanceID string
	// SocketID is the socket whose message caused the instance to be created.
	SocketID string
	// CredentialsHash is the content hash of the credentials the socket
	// saved for ActorID, empty when it saved none.
	CredentialsHash string
	// Persist is set for platforms that keep upstream state; see Schema.
	Persist bool
}

// Factory builds the handle for a new instance.
type Factory func(ctx context.Context, req Request) (Handle, error)

// Instance is a live platform worker shared by the sockets in its set.
// Its mutable fields are guarded by the owning Registry.
type Instance struct {
	ID        string
	Platform  string
	ActorID   string
	CreatedAt time.Time

	handle          Handle
	persist         bool
	credentialsHash string
	sockets         map[string]struct{}
	flagged         bool
}

// Info is a point-in-time copy of an instance, safe to hand out.
type Info struct {
	ID                    string    `json:"id"`
	Platform              string    `json:"platform"`
	Sockets               []string  `json:"sockets"`
	FlaggedForTermination bool      `json:"flaggedForTermination"`
	CreatedAt             time.Time `json:"createdAt"`
}

func (i *Instance) info() Info {
	ids := make([]string, 0, len(i.sockets))
	for id := range i.sockets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Info{
		ID:                    i.ID,
		Platform:              i.Platform,
		Sockets:               ids,
		FlaggedForTermination: i.flagged,
		CreatedAt:             i.CreatedAt,
	}
}

// Registry maps instance ids to live instances. All mutation happens under
// one lock, shared by socket handlers and the resource manager's sweep.
type Registry struct {
	factory Factory
	logger  *zap.Logger
	flights singleflight.Group

	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool
}

var (
	// ErrRegistryClosed is returned by GetOrCreate after Shutdown.
	ErrRegistryClosed = errors.New("platform registry closed")
	// ErrCredentialsMismatch is returned when a socket asks for a running
	// persistent instance with credentials other than the ones it was
	// started with.
	ErrCredentialsMismatch = errors.New("credentials do not match the running platform instance")
)

// NewRegistry returns a registry that builds handles with factory.
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory:   factory,
		logger:    logger,
		instances: make(map[string]*Instance),
	}
}

// GetOrCreate attaches socketID to the instance serving actorID on platform,
// creating the instance when none exists. Concurrent calls for the same
// instance create it once.
func (r *Registry) GetOrCreate(ctx context.Context, platform, actorID, socketID string) (Info, error) {
	return r.Acquire(ctx, Request{Platform: platform, ActorID: actorID, SocketID: socketID})
}

// Acquire is GetOrCreate for a full request. A running instance of a
// persistent platform only admits sockets presenting the credentials hash
// it was created with.
func (r *Registry) Acquire(ctx context.Context, req Request) (Info, error) {
	req.InstanceID = crypto.InstanceID(req.Platform, req.ActorID)

	for {
		info, ok, err := r.attach(req)
		if ok || err != nil {
			return info, err
		}

		// Waiters share one creation; a caller giving up must not abort it.
		ch := r.flights.DoChan(req.InstanceID, func() (any, error) {
			return nil, r.create(context.WithoutCancel(ctx), req)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return Info{}, res.Err
			}
		case <-ctx.Done():
			return Info{}, ctx.Err()
		}
	}
}

// attach adds req's socket to the existing instance. ok is false when no
// instance exists yet.
func (r *Registry) attach(req Request) (info Info, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Info{}, false, ErrRegistryClosed
	}
	inst, found := r.instances[req.InstanceID]
	if !found {
		return Info{}, false, nil
	}
	if inst.persist && inst.credentialsHash != req.CredentialsHash {
		return Info{}, false, ErrCredentialsMismatch
	}
	inst.sockets[req.SocketID] = struct{}{}
	inst.flagged = false
	return inst.info(), true, nil
}

// create runs the factory for req. It is only called inside a flight keyed
// by the instance id.
func (r *Registry) create(ctx context.Context, req Request) error {
	r.mu.Lock()
	_, exists := r.instances[req.InstanceID]
	r.mu.Unlock()
	if exists {
		// An earlier flight finished between the caller's lookup and ours.
		return nil
	}

	handle, err := r.factory(ctx, req)
	if err != nil {
		return fmt.Errorf("create %s instance: %w", req.Platform, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.cleanup(context.Background(), handle, req.InstanceID, time.Second)
		return ErrRegistryClosed
	}
	r.instances[req.InstanceID] = &Instance{
		ID:              req.InstanceID,
		Platform:        req.Platform,
		ActorID:         req.ActorID,
		CreatedAt:       time.Now(),
		handle:          handle,
		persist:         req.Persist,
		credentialsHash: req.CredentialsHash,
		sockets:         map[string]struct{}{req.SocketID: {}},
	}
	r.mu.Unlock()

	r.logger.Info("platform instance created", logging.Platform(req.Platform), logging.InstanceID(req.InstanceID))
	return nil
}

// Get returns a snapshot of instance id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return Info{}, false
	}
	return inst.info(), true
}

// Handle returns the running handle of instance id.
func (r *Registry) Handle(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return inst.handle, true
}

// Sockets returns the socket ids attached to instance id.
func (r *Registry) Sockets(id string) []string {
	info, _ := r.Get(id)
	return info.Sockets
}

// List returns snapshots of every instance ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Detach removes socketID from every instance. Instances left without
// sockets are reclaimed by the resource manager, not here.
func (r *Registry) Detach(socketID string) {
	r.mu.Lock()
	for _, inst := range r.instances {
		delete(inst.sockets, socketID)
	}
	r.mu.Unlock()
}

// Shutdown cleans up every instance, each bounded by timeout, and refuses
// further GetOrCreate calls.
func (r *Registry) Shutdown(ctx context.Context, timeout time.Duration) {
	r.mu.Lock()
	r.closed = true
	all := make([]*Instance, 0, len(r.instances))
	for id, inst := range r.instances {
		all = append(all, inst)
		delete(r.instances, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range all {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			r.cleanup(ctx, inst.handle, inst.ID, timeout)
		}(inst)
	}
	wg.Wait()
}

// cleanup runs handle.Cleanup for at most timeout. A cleanup that ignores
// its context is abandoned, not waited on.
func (r *Registry) cleanup(ctx context.Context, handle Handle, id string, timeout time.Duration) {
	if handle == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("cleanup panicked: %v", p)
			}
		}()
		done <- handle.Cleanup(cctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn("platform cleanup failed", logging.InstanceID(id), zap.Error(err))
			return
		}
		r.logger.Info("platform instance terminated", logging.InstanceID(id))
	case <-cctx.Done():
		r.logger.Warn("platform cleanup abandoned", logging.InstanceID(id), zap.Error(cctx.Err()))
	}
}
