package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sockethub/sockethub/internal/api"
)

var errSocketClosed = errors.New("socket closed")

// httpSocket buffers the events of one session until the client polls.
// When the buffer is full the oldest events are dropped and counted.
type httpSocket struct {
	id  string
	max int

	mu       sync.Mutex
	events   []api.Event
	seq      uint64
	dropped  uint64
	lastSeen time.Time
	notify   chan struct{}
	closed   bool
}

func newHTTPSocket(id string, max int, now time.Time) *httpSocket {
	return &httpSocket{
		id:       id,
		max:      max,
		lastSeen: now,
		notify:   make(chan struct{}),
	}
}

func (s *httpSocket) ID() string { return s.id }

func (s *httpSocket) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	s.seq++
	s.events = append(s.events, api.Event{Seq: s.seq, Name: event, Payload: raw})
	if over := len(s.events) - s.max; over > 0 {
		s.events = s.events[over:]
		s.dropped += uint64(over)
	}
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// poll returns buffered events, waiting up to wait for the first one.
func (s *httpSocket) poll(ctx context.Context, wait time.Duration, now func() time.Time) ([]api.Event, uint64) {
	s.mu.Lock()
	s.lastSeen = now()
	if len(s.events) == 0 && wait > 0 && !s.closed {
		notify := s.notify
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-notify:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()

		s.mu.Lock()
		s.lastSeen = now()
	}
	defer s.mu.Unlock()

	out := s.events
	dropped := s.dropped
	s.events = nil
	s.dropped = 0
	return out, dropped
}

func (s *httpSocket) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *httpSocket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}
