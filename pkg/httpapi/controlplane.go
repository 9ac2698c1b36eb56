package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/auth"
	"github.com/simforge/simforge/pkg/cluster"
	"github.com/simforge/simforge/pkg/response"
	"github.com/simforge/simforge/pkg/state"
)

func (s *Server) mountControlRoutes(r chi.Router) {
	r.Route("/api/nodes", func(r chi.Router) {
		r.With(s.requireScope(auth.ScopeNodeRegister)).Post("/register", s.handleRegisterNode)
		r.Route("/{nid}", func(r chi.Router) {
			r.With(s.requireScope(auth.ScopeNodeRegister)).Put("/heartbeat", s.handleHeartbeat)
			r.With(s.requireScope(auth.ScopeNodeManage)).Post("/drain", s.handleDrainNode)
			r.With(s.requireScope(auth.ScopeNodeManage)).Delete("/", s.handleDeregisterNode)
			r.With(s.requireScope(auth.ScopeNodeProxy)).HandleFunc("/proxy/*", s.handleProxy)
		})
	})

	r.Route("/api/cluster", func(r chi.Router) {
		r.With(s.requireScope(auth.ScopeClusterRead)).Get("/nodes", s.handleListNodes)
		r.With(s.requireScope(auth.ScopeClusterRead)).Get("/status", s.handleClusterStatus)
	})

	r.Route("/api/modules", func(r chi.Router) {
		r.With(s.requireScope(auth.ScopeModuleRead)).Get("/", s.handleListArtifacts)
		r.Route("/{name}/{version}", func(r chi.Router) {
			r.With(s.requireScope(auth.ScopeModuleUpload)).Post("/", s.handleUploadArtifact)
			r.With(s.requireScope(auth.ScopeModuleRead)).Get("/", s.handleGetArtifact)
			r.With(s.requireScope(auth.ScopeModuleDelete)).Delete("/", s.handleDeleteArtifact)
			r.With(s.requireScope(auth.ScopeModuleDistribute)).Post("/distribute", s.handleDistribute)
			r.With(s.requireScope(auth.ScopeModuleDistribute)).Post("/distribute/{nid}", s.handleDistribute)
		})
	})

	r.Route("/api/v1/deploy", func(r chi.Router) {
		r.With(s.requireScope(auth.ScopeDeployCreate)).Post("/", s.handleDeploy)
		r.With(s.requireScope(auth.ScopeDeployRead)).Get("/", s.handleListDeployments)
		r.With(s.requireScope(auth.ScopeDeployRead)).Get("/{mid}", s.handleDeploymentStatus)
		r.With(s.requireScope(auth.ScopeDeployDelete)).Delete("/{mid}", s.handleUndeploy)
	})

	r.Route("/api/autoscaler", func(r chi.Router) {
		r.With(s.requireScope(auth.ScopeAutoscalerRead)).Get("/recommendation", s.handleRecommendation)
		r.With(s.requireScope(auth.ScopeAutoscalerRead)).Get("/status", s.handleAutoscalerStatus)
		r.With(s.requireScope(auth.ScopeAutoscalerManage)).Post("/acknowledge", s.handleAcknowledge)
	})
}

// ── Node registry ─────────────────────────────────────────────────

type registerNodeRequest struct {
	ID       string               `json:"id"`
	Address  string               `json:"address"`
	Capacity cluster.NodeCapacity `json:"capacity"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	node, err := s.registry.Register(req.ID, req.Address, req.Capacity)
	if err != nil {
		response.Error(w, err)
		return
	}
	s.persistNode(r, node)
	response.Created(w, node)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var metrics cluster.NodeMetrics
	if err := decode(r, &metrics); err != nil {
		response.Error(w, err)
		return
	}
	node, err := s.registry.Heartbeat(chi.URLParam(r, "nid"), metrics)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, node)
}

func (s *Server) handleDrainNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.Drain(chi.URLParam(r, "nid"))
	if err != nil {
		response.Error(w, err)
		return
	}
	s.persistNode(r, node)
	response.OK(w, node)
}

func (s *Server) handleDeregisterNode(w http.ResponseWriter, r *http.Request) {
	nid := chi.URLParam(r, "nid")
	if err := s.registry.Deregister(nid); err != nil {
		response.Error(w, err)
		return
	}
	s.store.Delete(r.Context(), state.CollectionNodes, nid)
	response.NoContent(w)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	response.OK(w, s.registry.List())
}

func (s *Server) persistNode(r *http.Request, node *cluster.Node) {
	if !s.persistEnabled() {
		return
	}
	if err := s.store.Put(r.Context(), state.CollectionNodes, node.ID, node); err != nil {
		s.logger.Warn("node state not persisted", "node_id", node.ID, "error", err)
	}
}

// clusterStatus is the dashboard summary.
type clusterStatus struct {
	Nodes        int     `json:"nodes"`
	HealthyNodes int     `json:"healthyNodes"`
	Containers   int     `json:"containers"`
	Matches      int     `json:"matches"`
	AvgCPULoad   float64 `json:"avgCpuLoad"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	nodes := s.registry.List()
	now := timeNow()
	status := clusterStatus{Nodes: len(nodes)}
	for _, n := range nodes {
		if n.IsHealthy(now, s.registry.TTL()) {
			status.HealthyNodes++
		}
		status.Containers += n.Metrics.ContainerCount
		status.Matches += n.Metrics.MatchCount
		status.AvgCPULoad += n.Metrics.CPULoad
	}
	if len(nodes) > 0 {
		status.AvgCPULoad /= float64(len(nodes))
	}
	response.OK(w, status)
}

// ── Module artifacts ──────────────────────────────────────────────

func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		response.Error(w, apierrors.Validation("reading artifact body: %v", err))
		return
	}
	art, err := s.distributor.Upload(chi.URLParam(r, "name"), chi.URLParam(r, "version"), blob)
	if err != nil {
		response.Error(w, err)
		return
	}
	if s.persistEnabled() {
		key := art.Name + "@" + art.Version
		if err := s.store.Put(r.Context(), state.CollectionArtifacts, key, art); err != nil {
			s.logger.Warn("artifact metadata not persisted", "key", key, "error", err)
		}
	}
	response.Created(w, art)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	response.OK(w, s.distributor.List(r.URL.Query().Get("name")))
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.distributor.Get(chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, art)
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	name, version := chi.URLParam(r, "name"), chi.URLParam(r, "version")
	if err := s.distributor.Delete(name, version); err != nil {
		response.Error(w, err)
		return
	}
	s.store.Delete(r.Context(), state.CollectionArtifacts, name+"@"+version)
	response.NoContent(w)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	report, err := s.distributor.Distribute(r.Context(),
		chi.URLParam(r, "name"), chi.URLParam(r, "version"), chi.URLParam(r, "nid"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, report)
}

// ── Deployments ───────────────────────────────────────────────────

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var spec cluster.MatchSpec
	if err := decode(r, &spec); err != nil {
		response.Error(w, err)
		return
	}
	dep, err := s.deployer.Deploy(r.Context(), spec)
	if err != nil {
		response.Error(w, err)
		return
	}
	s.persistDeployment(r, dep)
	response.Created(w, dep)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	response.OK(w, s.deployer.List())
}

func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	mid, err := uintParam(r, "mid")
	if err != nil {
		response.Error(w, err)
		return
	}
	dep, err := s.deployer.Status(mid)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, dep)
}

func (s *Server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	mid, err := uintParam(r, "mid")
	if err != nil {
		response.Error(w, err)
		return
	}
	dep, err := s.deployer.Undeploy(r.Context(), mid)
	if err != nil {
		response.Error(w, err)
		return
	}
	s.persistDeployment(r, dep)
	response.OK(w, dep)
}

func (s *Server) persistDeployment(r *http.Request, dep *cluster.Deployment) {
	if !s.persistEnabled() {
		return
	}
	key := strconv.FormatUint(dep.MatchID, 10)
	if err := s.store.Put(r.Context(), state.CollectionDeployments, key, dep); err != nil {
		s.logger.Warn("deployment not persisted", "match_id", dep.MatchID, "error", err)
	}
}

// ── Autoscaler ────────────────────────────────────────────────────

func (s *Server) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	response.OK(w, s.autoscaler.Recommendation())
}

func (s *Server) handleAutoscalerStatus(w http.ResponseWriter, r *http.Request) {
	response.OK(w, s.autoscaler.Status())
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.autoscaler.Acknowledge()
	response.OK(w, s.autoscaler.Recommendation())
}

// ── Proxy ─────────────────────────────────────────────────────────

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	nid := chi.URLParam(r, "nid")
	subPath := chi.URLParam(r, "*")
	if err := s.proxy.Forward(w, r, nid, subPath); err != nil {
		response.Error(w, err)
	}
}
