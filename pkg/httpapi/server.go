// Package httpapi exposes the platform over HTTP and WebSocket: the node
// surface (containers, matches, commands, snapshots) and the control-plane
// surface (nodes, modules, deployments, autoscaler, proxy), both behind
// the scope-checking authorization filter.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/auth"
	"github.com/simforge/simforge/pkg/cluster"
	"github.com/simforge/simforge/pkg/config"
	"github.com/simforge/simforge/pkg/response"
	"github.com/simforge/simforge/pkg/sim"
	"github.com/simforge/simforge/pkg/state"
)

var timeNow = time.Now

// Server hosts one simforge HTTP surface. Node processes populate the
// runtime side, the control plane populates the cluster side; the auth
// core and persistence are common.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	auth    *auth.Service
	store   state.Store
	metrics *Metrics

	// Node surface.
	manager *sim.Manager

	// Control-plane surface.
	registry    *cluster.Registry
	distributor *cluster.Distributor
	deployer    *cluster.Deployer
	autoscaler  *cluster.Autoscaler
	proxy       *cluster.Proxy

	// Artifacts pushed to this node by the distributor.
	artMu         sync.RWMutex
	nodeArtifacts map[string][]byte
}

// NewNodeServer builds the server for a simulation node.
func NewNodeServer(cfg *config.Config, manager *sim.Manager, authSvc *auth.Service, store state.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		auth:          authSvc,
		store:         store,
		manager:       manager,
		nodeArtifacts: make(map[string][]byte),
	}
	s.metrics = NewMetrics(manager.Count, nil)
	return s
}

// NewControlServer builds the server for the control plane.
func NewControlServer(cfg *config.Config, registry *cluster.Registry, distributor *cluster.Distributor,
	deployer *cluster.Deployer, autoscaler *cluster.Autoscaler, proxy *cluster.Proxy,
	authSvc *auth.Service, store state.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		auth:        authSvc,
		store:       store,
		registry:    registry,
		distributor: distributor,
		deployer:    deployer,
		autoscaler:  autoscaler,
		proxy:       proxy,
	}
	s.metrics = NewMetrics(nil, func() int { return len(registry.List()) })
	return s
}

// Router assembles the chi router for whichever surfaces this server
// carries.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))
	r.Use(metricsMiddleware(s.metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Api-Token"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.mountAuthRoutes(r)
	if s.manager != nil {
		s.mountNodeRoutes(r)
	}
	if s.registry != nil {
		s.mountControlRoutes(r)
	}
	return r
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

// persistEnabled reports whether the history endpoints can serve.
func (s *Server) persistEnabled() bool {
	_, disabled := s.store.(state.DisabledStore)
	return !disabled
}

// decode parses a JSON request body; failures surface as VALIDATION.
func decode(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apierrors.Validation("invalid request body: %v", err)
	}
	return nil
}

// requireAuth gates a route on any valid credential without a scope check.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.resolvePrincipal(r)
		if err != nil {
			response.Error(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}
