package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sockethub/sockethub/internal/api"
	"github.com/sockethub/sockethub/internal/auth"
	"github.com/sockethub/sockethub/internal/platform"
	"github.com/sockethub/sockethub/internal/sockets"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
	Driver() string
}

// AdminServer reports gateway state. Every route except the health check
// requires the admin key.
type AdminServer struct {
	Registry *platform.Registry
	Sockets  *sockets.Registry
	Catalog  *platform.Catalog
	Store    Pinger
	Verifier *auth.Verifier
	Logger   *zap.Logger
}

func (s *AdminServer) Handler() http.Handler {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/v1/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.Verifier.Middleware)
		r.Get("/v1/instances", s.handleListInstances)
		r.Get("/v1/platforms", s.handleListPlatforms)
	})
	return r
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := api.HealthResponse{
		Status:    "ok",
		Store:     s.Store.Driver(),
		Sockets:   s.Sockets.Len(),
		Instances: s.Registry.Len(),
	}
	status := http.StatusOK
	if err := s.Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *AdminServer) handleListInstances(w http.ResponseWriter, r *http.Request) {
	list := s.Registry.List()
	resp := api.ListInstancesResponse{Instances: make([]api.InstanceInfo, 0, len(list))}
	for _, i := range list {
		resp.Instances = append(resp.Instances, api.InstanceInfo{
			ID:                    i.ID,
			Platform:              i.Platform,
			Sockets:               i.Sockets,
			FlaggedForTermination: i.FlaggedForTermination,
			CreatedAt:             i.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	resp := api.ListPlatformsResponse{Platforms: []api.PlatformInfo{}}
	for _, sc := range s.Catalog.Schemas() {
		resp.Platforms = append(resp.Platforms, api.PlatformInfo{
			Name:    sc.Name,
			Version: sc.Version,
			Verbs:   sc.Verbs,
			Persist: sc.Persist,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
