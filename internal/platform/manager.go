package platform

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/logging"
)

// Liveness reports whether a socket id is still connected.
type Liveness interface {
	Has(id string) bool
}

// ManagerConfig holds resource manager timing.
type ManagerConfig struct {
	SweepInterval  time.Duration
	CleanupTimeout time.Duration
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Pruned     int // stale socket references removed
	Flagged    int // instances newly flagged for termination
	Restored   int // flagged instances that regained a socket
	Terminated int // instances removed
}

// Manager reconciles the registry with live sockets on a fixed interval.
//
// An instance without sockets is first flagged, then terminated on the
// following sweep if still empty. The sweep in between is the grace period
// that lets a refreshing tab reattach to the running worker.
type Manager struct {
	registry *Registry
	live     Liveness
	cfg      ManagerConfig
	logger   *zap.Logger

	sweepMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager returns a manager for registry. live is normally the socket
// registry.
func NewManager(registry *Registry, live Liveness, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		registry: registry,
		live:     live,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start runs sweeps every SweepInterval until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the sweep loop and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep performs one reconciliation pass. Concurrent calls run one after
// the other.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	var res SweepResult
	var doomed []*Instance

	r := m.registry
	r.mu.Lock()
	for id, inst := range r.instances {
		for sid := range inst.sockets {
			if !m.live.Has(sid) {
				delete(inst.sockets, sid)
				res.Pruned++
			}
		}

		switch {
		case len(inst.sockets) > 0:
			if inst.flagged {
				inst.flagged = false
				res.Restored++
			}
		case inst.flagged:
			// Removed before cleanup so a stuck cleanup can never leak it.
			delete(r.instances, id)
			doomed = append(doomed, inst)
		default:
			inst.flagged = true
			res.Flagged++
			m.logger.Debug("platform instance flagged for termination",
				logging.Platform(inst.Platform), logging.InstanceID(id))
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range doomed {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			r.cleanup(ctx, inst.handle, inst.ID, m.cfg.CleanupTimeout)
		}(inst)
	}
	wg.Wait()
	res.Terminated = len(doomed)

	if res != (SweepResult{}) {
		m.logger.Debug("sweep finished",
			zap.Int("pruned", res.Pruned),
			zap.Int("flagged", res.Flagged),
			zap.Int("restored", res.Restored),
			zap.Int("terminated", res.Terminated))
	}
	return res
}
