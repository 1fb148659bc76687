// Package dummy is a demonstration platform with no upstream service. It is
// what a new deployment enables by default and what the dispatch tests run
// against.
package dummy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/platform"
)

// Name is the platform id.
const Name = "dummy"

// Platform verbs.
const (
	VerbEcho  = "echo"
	VerbFail  = "fail"
	VerbGreet = "greet"
	VerbThrow = "throw"
	VerbCount = "count"
	// VerbConnect needs saved credentials and reports the nick they carry.
	VerbConnect = "connect"
)

// Platform answers jobs locally.
type Platform struct {
	session *platform.Session
	count   atomic.Int64
}

// New is the catalog constructor.
func New() platform.Platform { return &Platform{} }

func (p *Platform) ID() string { return Name }

func (p *Platform) Schema() platform.Schema {
	return platform.Schema{
		Name:    Name,
		Version: "1.0.0",
		Verbs:   []string{VerbEcho, VerbFail, VerbGreet, VerbThrow, VerbCount, VerbConnect},
		Persist: true,

		CredentialVerbs: []string{VerbConnect},
	}
}

func (p *Platform) Init(_ context.Context, s *platform.Session) error {
	p.session = s
	return nil
}

// Handle dispatches on the message type:
//
//	echo     returns nil, so the sender receives its own message back
//	fail     returns an error carrying object.content
//	greet    pushes an unsolicited greeting to every attached socket
//	throw    panics
//	count    returns how many jobs this instance has seen
//	connect  returns the nick from the sender's credentials
func (p *Platform) Handle(_ context.Context, job *models.JobData) (any, error) {
	n := p.count.Add(1)
	msg := job.Msg
	if msg == nil {
		return nil, errors.New("job has no message")
	}

	switch msg.Type {
	case VerbEcho:
		return nil, nil
	case VerbFail:
		return nil, errors.New(content(msg))
	case VerbGreet:
		if p.session != nil && p.session.Send != nil {
			p.session.Send(&models.ActivityStream{
				Type:    "greet",
				Context: Name,
				Actor:   &models.Actor{ID: Name, Type: "Application"},
				Target:  msg.Actor,
				Object:  map[string]any{"type": "message", "content": "Hello " + msg.ActorID()},
			})
		}
		return nil, nil
	case VerbThrow:
		panic(content(msg))
	case VerbCount:
		return map[string]any{"type": "count", "count": n}, nil
	case VerbConnect:
		if job.Credentials == nil {
			return nil, platform.ErrNoCredentials
		}
		return map[string]any{
			"type":    VerbConnect,
			"context": Name,
			"object":  map[string]any{"nick": job.Credentials.Object["nick"]},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported verb %q", msg.Type)
	}
}

func (p *Platform) Cleanup(context.Context) error { return nil }

func content(msg *models.ActivityStream) string {
	if s, ok := msg.Object["content"].(string); ok && s != "" {
		return s
	}
	return msg.Type
}
