// Package agent runs on every simulation node and keeps it visible to the
// control plane: one registration at startup, then heartbeats carrying live
// runtime metrics until the process stops.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/simforge/simforge/pkg/cluster"
	"github.com/simforge/simforge/pkg/config"
	"github.com/simforge/simforge/pkg/sim"
)

// Agent reports one node to the control plane.
type Agent struct {
	cfg     *config.Config
	manager *sim.Manager
	client  *http.Client
	logger  *slog.Logger

	interval time.Duration
}

// New creates an agent. The heartbeat interval is a third of the control
// plane's node TTL so a single lost beat cannot mark the node unhealthy.
func New(cfg *config.Config, manager *sim.Manager, logger *slog.Logger) *Agent {
	interval := cfg.ControlPlane.NodeTTL() / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		manager:  manager,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		interval: interval,
	}
}

// Run registers the node and heartbeats until the context is cancelled.
// Registration failures are retried on the heartbeat cadence; the control
// plane being down at node startup must not kill the node.
func (a *Agent) Run(ctx context.Context) {
	if a.cfg.HTTP.ControlPlaneURL == "" {
		a.logger.Info("no control plane configured, agent idle")
		return
	}

	registered := a.register(ctx) == nil

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !registered {
				registered = a.register(ctx) == nil
				continue
			}
			if err := a.heartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
				// The control plane may have restarted and lost us.
				registered = false
			}
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	body := map[string]any{
		"id":      a.cfg.HTTP.NodeID,
		"address": a.cfg.HTTP.AdvertiseAddress,
		"capacity": cluster.NodeCapacity{
			MaxContainers: a.cfg.Container.MaxContainers,
		},
	}
	err := a.post(ctx, "/api/nodes/register", body)
	if err != nil {
		a.logger.Warn("node registration failed", "error", err)
		return err
	}
	a.logger.Info("node registered with control plane",
		"node_id", a.cfg.HTTP.NodeID,
		"control_plane", a.cfg.HTTP.ControlPlaneURL)
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) error {
	path := fmt.Sprintf("/api/nodes/%s/heartbeat", a.cfg.HTTP.NodeID)
	return a.put(ctx, path, a.collectMetrics())
}

// collectMetrics samples the runtime. CPU load is approximated by container
// fill since the runtime is tick-driven rather than CPU-bound; memory comes
// from the Go heap.
func (a *Agent) collectMetrics() cluster.NodeMetrics {
	containers := a.manager.List()
	matches := 0
	for _, c := range containers {
		matches += len(c.Matches)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := cluster.NodeMetrics{
		ContainerCount: len(containers),
		MatchCount:     matches,
		MemoryUsedMB:   int64(ms.HeapInuse / (1 << 20)),
		MemoryTotalMB:  int64(ms.Sys / (1 << 20)),
	}
	if max := a.cfg.Container.MaxContainers; max > 0 {
		m.CPULoad = float64(len(containers)) / float64(max)
	}
	return m
}

func (a *Agent) post(ctx context.Context, path string, body any) error {
	return a.send(ctx, http.MethodPost, path, body)
}

func (a *Agent) put(ctx context.Context, path string, body any) error {
	return a.send(ctx, http.MethodPut, path, body)
}

func (a *Agent) send(ctx context.Context, method, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.HTTP.ControlPlaneURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.HTTP.AgentToken != "" {
		req.Header.Set("X-Api-Token", a.cfg.HTTP.AgentToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: control plane returned %d", method, path, resp.StatusCode)
	}
	return nil
}
