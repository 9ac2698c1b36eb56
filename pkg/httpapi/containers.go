package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/auth"
	"github.com/simforge/simforge/pkg/ecs"
	"github.com/simforge/simforge/pkg/response"
	"github.com/simforge/simforge/pkg/sim"
	"github.com/simforge/simforge/pkg/state"
)

func (s *Server) mountNodeRoutes(r chi.Router) {
	read := s.requireScope(auth.ScopeMatchRead)
	create := s.requireScope(auth.ScopeMatchCreate)
	update := s.requireScope(auth.ScopeMatchUpdate)
	del := s.requireScope(auth.ScopeMatchDelete)

	r.Route("/api/containers", func(r chi.Router) {
		r.With(create).Post("/", s.handleCreateContainer)
		r.With(read).Get("/", s.handleListContainers)

		r.Route("/{cid}", func(r chi.Router) {
			r.With(read).Get("/", s.handleGetContainer)
			r.With(read).Get("/status", s.handleGetContainer)
			r.With(del).Delete("/", s.handleDeleteContainer)

			r.With(update).Post("/start", s.lifecycle(func(c *sim.Container) error { return c.Start() }))
			r.With(update).Post("/stop", s.lifecycle(func(c *sim.Container) error { return c.Stop() }))
			r.With(update).Post("/pause", s.lifecycle(func(c *sim.Container) error { return c.Pause() }))
			r.With(update).Post("/resume", s.lifecycle(func(c *sim.Container) error { return c.Resume() }))

			r.With(read).Get("/tick", s.handleGetTick)
			r.With(update).Post("/tick", s.handleTick)
			r.With(update).Post("/play", s.handlePlay)
			r.With(update).Post("/stop-auto", s.lifecycle(func(c *sim.Container) error { return c.StopAuto() }))

			r.With(read).Get("/commands", s.handleListCommands)
			r.With(s.requireMatchAccess(auth.ScopeSubmitCommands)).Post("/commands", s.handleSubmitCommand)

			r.Route("/matches", func(r chi.Router) {
				r.With(create).Post("/", s.handleCreateMatch)
				r.With(read).Get("/", s.handleListMatches)
				r.Route("/{mid}", func(r chi.Router) {
					r.With(read).Get("/", s.handleGetMatch)
					r.With(del).Delete("/", s.handleDeleteMatch)
					r.With(update).Post("/finish", s.handleFinishMatch)
					r.With(update).Post("/join", s.handleJoinMatch)

					r.With(s.requireMatchAccess(auth.ScopeViewSnapshots)).Get("/snapshot", s.handleSnapshot)
					r.With(update).Post("/snapshots/record", s.handleRecordSnapshot)
					r.With(read).Get("/snapshots/history-info", s.handleHistoryInfo)
					r.With(read).Get("/snapshots/delta", s.handleDelta)
					r.With(del).Delete("/snapshots/history", s.handleClearHistory)
				})
			})
		})
	})

	// The distributor pushes module artifacts here.
	r.Route("/api/modules", func(r chi.Router) {
		r.With(s.requireScope(auth.ScopeModuleDistribute)).Post("/{name}/{version}", s.handleReceiveArtifact)
		r.With(s.requireScope(auth.ScopeModuleRead)).Get("/", s.handleListNodeArtifacts)
	})

	s.mountWSRoutes(r)
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, apierrors.Validation("invalid %s: %q", name, chi.URLParam(r, name))
	}
	return v, nil
}

func (s *Server) container(r *http.Request) (*sim.Container, error) {
	cid, err := uintParam(r, "cid")
	if err != nil {
		return nil, err
	}
	return s.manager.Get(cid)
}

// ── Containers ────────────────────────────────────────────────────

type createContainerRequest struct {
	Name        string   `json:"name"`
	ModuleNames []string `json:"moduleNames,omitempty"`
	AutoStart   bool     `json:"autoStart,omitempty"`
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	c, err := s.manager.Create(req.Name, req.ModuleNames, req.AutoStart)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, c.State())
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	response.OK(w, s.manager.List())
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, c.State())
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	// The manager refuses RUNNING/PAUSED containers with INVALID_STATE,
	// which maps to 409.
	if err := s.manager.Delete(c.ID); err != nil {
		response.Error(w, err)
		return
	}
	s.store.Delete(r.Context(), state.CollectionContainers, strconv.FormatUint(c.ID, 10))
	response.NoContent(w)
}

func (s *Server) lifecycle(op func(*sim.Container) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.container(r)
		if err != nil {
			response.Error(w, err)
			return
		}
		if err := op(c); err != nil {
			response.Error(w, err)
			return
		}
		response.OK(w, c.State())
	}
}

// ── Ticks ─────────────────────────────────────────────────────────

func (s *Server) handleGetTick(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]uint64{"currentTick": c.CurrentTick()})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	if err := c.Tick(); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]uint64{"currentTick": c.CurrentTick()})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var interval time.Duration
	if raw := r.URL.Query().Get("intervalMs"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			response.Error(w, apierrors.Validation("invalid intervalMs: %q", raw))
			return
		}
		interval = time.Duration(ms) * time.Millisecond
	}
	if err := c.Play(interval); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, c.State())
}

// ── Matches ───────────────────────────────────────────────────────

type createMatchRequest struct {
	EnabledModuleNames []string `json:"enabledModuleNames"`
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var req createMatchRequest
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	m, err := c.CreateMatch(req.EnabledModuleNames)
	if err != nil {
		response.Error(w, err)
		return
	}
	s.persistMatch(r, m)
	response.Created(w, m)
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, c.Matches())
}

func (s *Server) matchID(r *http.Request) (*sim.Container, uint64, error) {
	c, err := s.container(r)
	if err != nil {
		return nil, 0, err
	}
	mid, err := uintParam(r, "mid")
	if err != nil {
		return nil, 0, err
	}
	return c, mid, nil
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	m, err := c.Match(mid)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, m)
}

func (s *Server) handleDeleteMatch(w http.ResponseWriter, r *http.Request) {
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	if err := c.DeleteMatch(mid); err != nil {
		response.Error(w, err)
		return
	}
	s.store.Delete(r.Context(), state.CollectionMatches, matchKey(c.ID, mid))
	response.NoContent(w)
}

func (s *Server) handleFinishMatch(w http.ResponseWriter, r *http.Request) {
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	if err := c.FinishMatch(mid); err != nil {
		response.Error(w, err)
		return
	}
	m, err := c.Match(mid)
	if err != nil {
		response.Error(w, err)
		return
	}
	s.persistMatch(r, m)
	response.OK(w, m)
}

type joinMatchRequest struct {
	PlayerName string   `json:"playerName"`
	Scopes     []string `json:"scopes,omitempty"`
}

// handleJoinMatch adds a player and returns a signed match token bound to
// this match and container.
func (s *Server) handleJoinMatch(w http.ResponseWriter, r *http.Request) {
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var req joinMatchRequest
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	if req.PlayerName == "" {
		response.Error(w, apierrors.Validation("playerName must not be empty"))
		return
	}
	player, session, err := c.JoinMatch(mid, req.PlayerName, req.Scopes)
	if err != nil {
		response.Error(w, err)
		return
	}
	cid := c.ID
	token, err := s.auth.IssueMatchToken(mid, &cid, player.ID, player.Name, nil,
		session.Scopes, time.Until(session.ExpiresAt))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, map[string]any{
		"player":  player,
		"session": session,
		"token":   token.SignedBearer,
	})
}

func matchKey(cid, mid uint64) string {
	return fmt.Sprintf("%d/%d", cid, mid)
}

func (s *Server) persistMatch(r *http.Request, m sim.MatchState) {
	if !s.persistEnabled() {
		return
	}
	if err := s.store.Put(r.Context(), state.CollectionMatches, matchKey(m.ContainerID, m.ID), m); err != nil {
		s.logger.Warn("match state not persisted", "match_id", m.ID, "error", err)
	}
}

// ── Commands ──────────────────────────────────────────────────────

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, c.CommandNames())
}

type submitCommandRequest struct {
	CommandName string      `json:"commandName"`
	MatchID     uint64      `json:"matchId"`
	PlayerID    uint64      `json:"playerId"`
	Parameters  ecs.Payload `json:"parameters"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var req submitCommandRequest
	if err := decode(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	if req.CommandName == "" {
		response.Error(w, apierrors.Validation("commandName must not be empty"))
		return
	}
	// A match token fixes the submitter's identity regardless of the body.
	if p, ok := PrincipalFrom(r.Context()); ok && p.MatchToken != nil {
		req.MatchID = p.MatchToken.MatchID
		req.PlayerID = p.MatchToken.PlayerID
	}
	err = c.Enqueue(sim.QueuedCommand{
		MatchID:  req.MatchID,
		PlayerID: req.PlayerID,
		Name:     req.CommandName,
		Payload:  req.Parameters,
	})
	if err != nil {
		s.metrics.commandsRejected.Inc()
		response.Error(w, err)
		return
	}
	s.metrics.commandsEnqueued.Inc()
	response.Accepted(w, map[string]string{"status": "enqueued"})
}

// ── Snapshots ─────────────────────────────────────────────────────

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var playerID uint64
	if raw := r.URL.Query().Get("playerId"); raw != "" {
		if playerID, err = strconv.ParseUint(raw, 10, 64); err != nil {
			response.Error(w, apierrors.Validation("invalid playerId: %q", raw))
			return
		}
	}
	// Match-token holders always get the player-filtered view.
	if p, ok := PrincipalFrom(r.Context()); ok && p.MatchToken != nil {
		playerID = p.MatchToken.PlayerID
	}
	snap, err := c.Snapshot(mid, playerID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, snap)
}

func (s *Server) handleRecordSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.persistEnabled() {
		response.Error(w, apierrors.New(apierrors.KindUpstreamUnavailable, "snapshot history requires persistence"))
		return
	}
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	snap, err := c.RecordSnapshot(mid)
	if err != nil {
		response.Error(w, err)
		return
	}
	key := fmt.Sprintf("%d/%d/%d", c.ID, mid, snap.Tick)
	if err := s.store.Put(r.Context(), state.CollectionHistory, key, snap); err != nil {
		s.logger.Warn("snapshot not persisted", "key", key, "error", err)
	}
	response.Created(w, snap)
}

func (s *Server) handleHistoryInfo(w http.ResponseWriter, r *http.Request) {
	if !s.persistEnabled() {
		response.Error(w, apierrors.New(apierrors.KindUpstreamUnavailable, "snapshot history requires persistence"))
		return
	}
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	info, err := c.HistoryInfo(mid)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, info)
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	if !s.persistEnabled() {
		response.Error(w, apierrors.New(apierrors.KindUpstreamUnavailable, "snapshot history requires persistence"))
		return
	}
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	fromTick, err := strconv.ParseUint(r.URL.Query().Get("fromTick"), 10, 64)
	if err != nil {
		response.Error(w, apierrors.Validation("fromTick is required"))
		return
	}
	var toTick uint64
	if raw := r.URL.Query().Get("toTick"); raw != "" {
		if toTick, err = strconv.ParseUint(raw, 10, 64); err != nil {
			response.Error(w, apierrors.Validation("invalid toTick: %q", raw))
			return
		}
	}
	delta, err := c.Delta(mid, fromTick, toTick)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, delta)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if !s.persistEnabled() {
		response.Error(w, apierrors.New(apierrors.KindUpstreamUnavailable, "snapshot history requires persistence"))
		return
	}
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	if err := c.ClearHistory(mid); err != nil {
		response.Error(w, err)
		return
	}
	response.NoContent(w)
}

// ── Artifacts pushed by the distributor ───────────────────────────

func (s *Server) handleReceiveArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")
	blob, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil || len(blob) == 0 {
		response.Error(w, apierrors.Validation("artifact body must not be empty"))
		return
	}
	s.artMu.Lock()
	s.nodeArtifacts[name+"@"+version] = blob
	s.artMu.Unlock()
	s.logger.Info("artifact received", "module", name, "version", version, "size_bytes", len(blob))
	response.Created(w, map[string]any{"name": name, "version": version, "sizeBytes": len(blob)})
}

func (s *Server) handleListNodeArtifacts(w http.ResponseWriter, r *http.Request) {
	s.artMu.RLock()
	keys := make([]string, 0, len(s.nodeArtifacts))
	for k := range s.nodeArtifacts {
		keys = append(keys, k)
	}
	s.artMu.RUnlock()
	response.OK(w, keys)
}
