// Package ratelimit is the per-client admission gate in front of the job
// queue. Each client gets a fixed request window; exceeding it blocks the
// client for a fixed duration, after which it starts over as if new.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds the limiter parameters.
type Config struct {
	RequestLimit  int           // requests allowed per window
	Window        time.Duration // window length
	BlockDuration time.Duration // how long a client stays blocked
}

// DefaultConfig allows 100 requests per second and blocks for 5 seconds.
func DefaultConfig() Config {
	return Config{
		RequestLimit:  100,
		Window:        time.Second,
		BlockDuration: 5 * time.Second,
	}
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed bool
	// NewlyBlocked is set on the request that tipped the client over its
	// limit, and only on that one.
	NewlyBlocked bool
	// RetryAfter is the remaining block time when not allowed.
	RetryAfter time.Duration
}

type entry struct {
	windowStart  time.Time
	lastSeen     time.Time
	count        int
	blockedUntil time.Time
}

// Limiter tracks one entry per client id. It is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a limiter. now may be nil to use the wall clock.
func New(cfg Config, now func() time.Time) *Limiter {
	def := DefaultConfig()
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = def.RequestLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{cfg: cfg, now: now, entries: make(map[string]*entry)}
}

// Check records one request from clientID and decides whether it may pass.
func (l *Limiter) Check(clientID string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[clientID]
	if !ok {
		e = &entry{windowStart: now}
		l.entries[clientID] = e
	}
	e.lastSeen = now

	if !e.blockedUntil.IsZero() {
		if now.Before(e.blockedUntil) {
			return Decision{RetryAfter: e.blockedUntil.Sub(now)}
		}
		*e = entry{windowStart: now, lastSeen: now}
	}

	if now.Sub(e.windowStart) > l.cfg.Window {
		e.windowStart = now
		e.count = 0
	}

	e.count++
	if e.count > l.cfg.RequestLimit {
		e.blockedUntil = now.Add(l.cfg.BlockDuration)
		return Decision{NewlyBlocked: true, RetryAfter: l.cfg.BlockDuration}
	}
	return Decision{Allowed: true}
}

// Blocked reports whether clientID is currently blocked without counting a
// request.
func (l *Limiter) Blocked(clientID string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[clientID]
	return ok && now.Before(e.blockedUntil)
}

// Forget drops the entry for clientID, e.g. when its socket disconnects.
// A blocked entry stays until its block has elapsed and Sweep removes it.
func (l *Limiter) Forget(clientID string) {
	now := l.now()
	l.mu.Lock()
	if e, ok := l.entries[clientID]; ok && !now.Before(e.blockedUntil) {
		delete(l.entries, clientID)
	}
	l.mu.Unlock()
}

// Sweep drops entries that are neither blocked nor seen within the last
// window and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, e := range l.entries {
		if now.Before(e.blockedUntil) {
			continue
		}
		if now.Sub(e.lastSeen) > l.cfg.Window {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
