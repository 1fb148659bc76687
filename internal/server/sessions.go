// Package server exposes the gateway over HTTP: a session transport that
// carries socket traffic as request/long-poll pairs, and an admin API.
package server

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/api"
	"github.com/sockethub/sockethub/internal/dispatch"
	"github.com/sockethub/sockethub/internal/logging"
	"github.com/sockethub/sockethub/internal/models"
	"github.com/sockethub/sockethub/internal/ratelimit"
	"github.com/sockethub/sockethub/internal/token"
)

// MaxPollWait caps the wait parameter of an event poll.
const MaxPollWait = 25 * time.Second

// SessionConfig tunes the session transport.
type SessionConfig struct {
	// BufferSize bounds the events held per session between polls.
	BufferSize int
	// IdleTimeout disconnects sessions that have not polled for this long.
	IdleTimeout time.Duration
	// ConnectLimiter, when set, admits new sessions per client address.
	// Message limits are per session, so this is what stops a blocked
	// client from starting over with a fresh one.
	ConnectLimiter *ratelimit.Limiter
}

// SessionServer maps HTTP sessions onto dispatcher sockets.
type SessionServer struct {
	dispatcher *dispatch.Dispatcher
	cfg        SessionConfig
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	sockets map[string]*httpSocket
}

func NewSessionServer(d *dispatch.Dispatcher, cfg SessionConfig, logger *zap.Logger) *SessionServer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.IdleTimeout < 2*MaxPollWait {
		cfg.IdleTimeout = 2 * MaxPollWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionServer{
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sockets:    make(map[string]*httpSocket),
	}
}

// Handler returns the session transport router.
func (s *SessionServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	s.RegisterRoutes(r)
	return r
}

func (s *SessionServer) RegisterRoutes(r chi.Router) {
	r.Post("/v1/sessions", s.handleCreate)
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Post("/messages", s.handleSubmit)
		r.Get("/events", s.handleEvents)
		r.Delete("/", s.handleDisconnect)
	})
}

func (s *SessionServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if l := s.cfg.ConnectLimiter; l != nil {
		if dec := l.Check(clientAddr(r)); !dec.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(dec.RetryAfter.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, models.NewServerError(models.SummaryRateLimited))
			return
		}
	}

	var req api.CreateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = token.Secret(); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate secret")
			return
		}
	}
	id, err := token.SocketID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate session id")
		return
	}

	sock := newHTTPSocket(id, s.cfg.BufferSize, s.now())
	if err := s.dispatcher.Connect(sock, secret); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.mu.Lock()
	s.sockets[id] = sock
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, api.CreateSessionResponse{ID: id, Secret: secret})
}

func (s *SessionServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.socket(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var msg models.ActivityStream
	if !decodeJSON(w, r, &msg) {
		return
	}

	err := s.dispatcher.Submit(r.Context(), id, &msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, api.SubmitResponse{Queued: true})
	case errors.Is(err, dispatch.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, models.NewServerError(models.SummaryRateLimited))
	case errors.Is(err, dispatch.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrUnknownSocket):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (s *SessionServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	sock, ok := s.socket(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := parseWait(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid wait")
			return
		}
		wait = min(d, MaxPollWait)
	}

	events, dropped := sock.poll(r.Context(), wait, s.now)
	if events == nil {
		events = []api.Event{}
	}
	writeJSON(w, http.StatusOK, api.EventsResponse{Events: events, Dropped: dropped})
}

func (s *SessionServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.disconnect(r.Context(), id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, api.DisconnectResponse{Disconnected: true})
}

// parseWait accepts a Go duration ("10s") or whole seconds ("10").
func parseWait(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, errors.New("negative wait")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, errors.New("invalid wait")
	}
	return d, nil
}

func (s *SessionServer) socket(id string) (*httpSocket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.sockets[id]
	return sock, ok
}

func (s *SessionServer) disconnect(ctx context.Context, id string) bool {
	s.mu.Lock()
	sock, ok := s.sockets[id]
	delete(s.sockets, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sock.close()
	if err := s.dispatcher.Disconnect(ctx, id); err != nil && !errors.Is(err, dispatch.ErrUnknownSocket) {
		s.logger.Warn("disconnect failed", logging.SocketID(id), zap.Error(err))
	}
	return true
}

// ReapIdle disconnects sessions that have not polled within IdleTimeout
// and returns how many were removed.
func (s *SessionServer) ReapIdle(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	var idle []string
	for id, sock := range s.sockets {
		if sock.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		if s.disconnect(ctx, id) {
			s.logger.Info("idle session disconnected", logging.SocketID(id))
		}
	}
	return len(idle)
}

// Run reaps idle sessions until ctx ends, then disconnects the rest.
func (s *SessionServer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			s.ReapIdle(ctx)
		}
	}
}

func (s *SessionServer) closeAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sockets))
	for id := range s.sockets {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.disconnect(context.Background(), id)
	}
}

// Len returns the number of open sessions.
func (s *SessionServer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// clientAddr is the client's address without the port. RealIP has already
// replaced RemoteAddr when the request came through a proxy.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
