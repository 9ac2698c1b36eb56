package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/auth"
	"github.com/simforge/simforge/pkg/response"
	"github.com/simforge/simforge/pkg/sim"
)

func (s *Server) mountWSRoutes(r chi.Router) {
	r.With(s.requireMatchAccess(auth.ScopeViewSnapshots)).
		Get("/ws/containers/{cid}/matches/{mid}/snapshot", s.handleSnapshotStream)
	r.With(s.requireMatchAccess(auth.ScopeSubmitCommands)).
		Get("/containers/{cid}/commands", s.handleCommandStream)
}

func (s *Server) acceptWS(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// CORS policy is enforced at the router; browsers connect from
		// dashboard origins we do not enumerate here.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, err
	}
	s.metrics.wsConnections.Inc()
	return conn, nil
}

// handleSnapshotStream pushes a snapshot frame after every tick of the
// subscribed match. A client text message "refresh" forces an immediate
// unfiltered capture outside the tick cadence.
func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	c, mid, err := s.matchID(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var playerID uint64
	if p, ok := PrincipalFrom(r.Context()); ok && p.MatchToken != nil {
		playerID = p.MatchToken.PlayerID
	}
	sub, err := c.Subscribe(mid)
	if err != nil {
		response.Error(w, err)
		return
	}

	conn, err := s.acceptWS(w, r)
	if err != nil {
		c.Unsubscribe(sub)
		return
	}
	defer func() {
		c.Unsubscribe(sub)
		s.metrics.wsConnections.Dec()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader side: watch for refresh requests and client closure.
	refresh := make(chan struct{}, 1)
	go func() {
		defer cancel()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && string(data) == "refresh" {
				select {
				case refresh <- struct{}{}:
				default:
				}
			}
		}
	}()

	// Initial frame so the client renders without waiting for a tick.
	if snap, err := c.Snapshot(mid, playerID); err == nil {
		if err := wsjson.Write(ctx, conn, snap); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh:
			snap, err := c.Snapshot(mid, playerID)
			if err != nil {
				return
			}
			if err := wsjson.Write(ctx, conn, snap); err != nil {
				return
			}
		case snap, ok := <-sub.C:
			if !ok {
				// Match deleted.
				conn.Close(websocket.StatusGoingAway, "match deleted")
				return
			}
			if err := wsjson.Write(ctx, conn, snap); err != nil {
				return
			}
		}
	}
}

type wsCommandResult struct {
	Status string           `json:"status"`
	Error  *apierrors.Error `json:"error,omitempty"`
}

// handleCommandStream accepts commands over a persistent connection, one
// JSON message each, and answers every message with an enqueue result.
// Submissions beyond the per-connection rate return RATE_LIMITED without
// closing the connection.
func (s *Server) handleCommandStream(w http.ResponseWriter, r *http.Request) {
	c, err := s.container(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())

	conn, err := s.acceptWS(w, r)
	if err != nil {
		return
	}
	defer func() {
		s.metrics.wsConnections.Dec()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	limit := s.cfg.Container.WSCommandsPerSecond
	windowStart := timeNow()
	sent := 0

	for {
		var req submitCommandRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}

		if now := timeNow(); now.Sub(windowStart) >= time.Second {
			windowStart, sent = now, 0
		}
		if limit > 0 && sent >= limit {
			s.metrics.commandsRejected.Inc()
			if err := wsjson.Write(ctx, conn, wsCommandResult{
				Status: "rejected",
				Error:  apierrors.New(apierrors.KindRateLimited, "command rate limit of %d/s exceeded", limit),
			}); err != nil {
				return
			}
			continue
		}
		sent++

		if p != nil && p.MatchToken != nil {
			req.MatchID = p.MatchToken.MatchID
			req.PlayerID = p.MatchToken.PlayerID
		}
		result := wsCommandResult{Status: "enqueued"}
		err := c.Enqueue(sim.QueuedCommand{
			MatchID:  req.MatchID,
			PlayerID: req.PlayerID,
			Name:     req.CommandName,
			Payload:  req.Parameters,
		})
		if err != nil {
			s.metrics.commandsRejected.Inc()
			result = wsCommandResult{Status: "rejected", Error: apierrors.AsError(err)}
		} else {
			s.metrics.commandsEnqueued.Inc()
		}
		if err := wsjson.Write(ctx, conn, result); err != nil {
			return
		}
	}
}
