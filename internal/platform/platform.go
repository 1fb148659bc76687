// Package platform defines the contract protocol modules implement and
// manages the live instances that serve them.
//
// An instance is identified by a hash of (platform, actor) and is shared by
// every socket addressing that actor on that platform, so several browser
// tabs of one user share one upstream connection.
package platform

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/models"
)

// Platform is a protocol module. One value serves one instance.
type Platform interface {
	// ID returns the platform name, e.g. "irc".
	ID() string
	// Init is called once before the first job.
	Init(ctx context.Context, s *Session) error
	// Handle runs one job. A nil result means "no content".
	Handle(ctx context.Context, job *models.JobData) (any, error)
	// Cleanup releases upstream connections before the instance is removed.
	Cleanup(ctx context.Context) error
}

// Schema describes what a platform accepts.
type Schema struct {
	Name    string
	Version string
	// Verbs lists the activity types the platform handles.
	Verbs []string
	// Persist marks platforms holding upstream state across jobs. A
	// running instance of such a platform only admits sockets that saved
	// the same credentials as the socket that created it.
	Persist bool
	// CredentialVerbs are the verbs that need stored credentials. The
	// worker resolves them into JobData.Credentials before Handle runs.
	CredentialVerbs []string
}

// ErrNoCredentials is returned for a credential verb when the sender has
// none saved that can be resolved.
var ErrNoCredentials = errors.New("credentials required")

// Describer is an optional interface for platforms that publish a Schema.
type Describer interface {
	Schema() Schema
}

// Session is the state a platform instance is constructed with.
type Session struct {
	ParentID   string
	Platform   string
	InstanceID string
	ActorID    string
	Logger     *zap.Logger

	// Send pushes an unsolicited message to every socket attached to the
	// instance. It is nil when the instance runs out of process.
	Send func(msg *models.ActivityStream)

	// Credentials resolves the credentials a socket saved for an actor.
	Credentials CredentialsFunc
}

// CredentialsFunc looks up the credentials socket sessionID saved for
// actorID. A non-empty hash must match the stored version.
type CredentialsFunc func(ctx context.Context, sessionID, actorID, hash string) (*models.Credentials, error)

// Constructor creates an uninitialized platform value.
type Constructor func() Platform

// Catalog maps platform names to constructors.
type Catalog struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{ctors: make(map[string]Constructor)}
}

// Register adds a constructor. Registering a name twice is an error.
func (c *Catalog) Register(name string, ctor Constructor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ctors[name]; ok {
		return fmt.Errorf("platform %q already registered", name)
	}
	c.ctors[name] = ctor
	return nil
}

// Lookup returns the constructor for name.
func (c *Catalog) Lookup(name string) (Constructor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctor, ok := c.ctors[name]
	return ctor, ok
}

// Names returns the registered platform names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.ctors))
	for n := range c.ctors {
		names = append(names, n)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Schemas returns the schema of every platform implementing Describer.
func (c *Catalog) Schemas() []Schema {
	var out []Schema
	for _, name := range c.Names() {
		ctor, _ := c.Lookup(name)
		if d, ok := ctor().(Describer); ok {
			out = append(out, d.Schema())
		}
	}
	return out
}

// credentialVerbs returns the verbs p declares as needing credentials.
func credentialVerbs(p Platform) []string {
	if d, ok := p.(Describer); ok {
		return d.Schema().CredentialVerbs
	}
	return nil
}

// withCredentials wraps p.Handle so jobs for credential verbs arrive with
// the sender's credentials resolved.
func withCredentials(p Platform, s *Session) func(ctx context.Context, job *models.JobData) (any, error) {
	verbs := credentialVerbs(p)
	if len(verbs) == 0 {
		return p.Handle
	}
	return func(ctx context.Context, job *models.JobData) (any, error) {
		if job.Msg == nil || !slices.Contains(verbs, job.Msg.Type) {
			return p.Handle(ctx, job)
		}
		if s.Credentials == nil {
			return nil, ErrNoCredentials
		}
		creds, err := s.Credentials(ctx, job.SessionID, job.Msg.ActorID(), job.CredentialsHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
		}
		job.Credentials = creds
		return p.Handle(ctx, job)
	}
}
