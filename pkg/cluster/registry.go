package cluster

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/simforge/simforge/pkg/apierrors"
)

// NodeEvent notifies registry watchers of membership and health changes.
type NodeEvent struct {
	Type string `json:"type"` // registered, heartbeat, unhealthy, draining, deregistered
	Node Node   `json:"node"`
}

// Registry tracks the cluster's nodes. Single writer behind the mutex,
// many readers; health is derived on read so a stalled sweeper never hides
// a dead node.
type Registry struct {
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	nodes    map[string]*Node
	watchers map[int]chan NodeEvent
	nextW    int
}

// NewRegistry creates an empty registry with the given heartbeat TTL.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		ttl:      ttl,
		logger:   logger,
		nodes:    make(map[string]*Node),
		watchers: make(map[int]chan NodeEvent),
	}
}

// TTL returns the configured heartbeat TTL.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register adds a node or refreshes an existing one. Re-registration
// updates address and capacity but preserves registration time, status,
// and metrics, so a restarting node does not lose its history.
func (r *Registry) Register(id, address string, capacity NodeCapacity) (*Node, error) {
	if id == "" || address == "" {
		return nil, apierrors.Validation("node id and address must not be empty")
	}
	if capacity.MaxContainers < 0 {
		return nil, apierrors.Validation("node capacity must not be negative")
	}

	r.mu.Lock()
	now := time.Now()
	n, ok := r.nodes[id]
	if ok {
		n.AdvertiseAddress = address
		n.Capacity = capacity
	} else {
		n = &Node{
			ID:               id,
			AdvertiseAddress: address,
			Status:           NodeHealthy,
			Capacity:         capacity,
			RegisteredAt:     now,
			LastHeartbeat:    now,
		}
		r.nodes[id] = n
	}
	cp := *n
	r.mu.Unlock()

	r.logger.Info("node registered", "node_id", id, "address", address, "max_containers", capacity.MaxContainers)
	r.notify(NodeEvent{Type: "registered", Node: cp})
	return &cp, nil
}

// Heartbeat refreshes a node's metrics and liveness. An unhealthy node
// that heartbeats again becomes HEALTHY; draining nodes stay DRAINING.
func (r *Registry) Heartbeat(id string, metrics NodeMetrics) (*Node, error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return nil, apierrors.New(apierrors.KindNodeNotFound, "node %s not found", id)
	}
	n.Metrics = metrics
	n.LastHeartbeat = time.Now()
	if n.Status == NodeUnhealthy {
		n.Status = NodeHealthy
	}
	cp := *n
	r.mu.Unlock()

	r.notify(NodeEvent{Type: "heartbeat", Node: cp})
	return &cp, nil
}

// Drain marks a node DRAINING: it stays registered and reachable but the
// deployer stops placing matches on it.
func (r *Registry) Drain(id string) (*Node, error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return nil, apierrors.New(apierrors.KindNodeNotFound, "node %s not found", id)
	}
	n.Status = NodeDraining
	cp := *n
	r.mu.Unlock()

	r.logger.Info("node draining", "node_id", id)
	r.notify(NodeEvent{Type: "draining", Node: cp})
	return &cp, nil
}

// Deregister removes a node.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return apierrors.New(apierrors.KindNodeNotFound, "node %s not found", id)
	}
	cp := *n
	delete(r.nodes, id)
	r.mu.Unlock()

	r.logger.Info("node deregistered", "node_id", id)
	r.notify(NodeEvent{Type: "deregistered", Node: cp})
	return nil
}

// Get returns a node by id.
func (r *Registry) Get(id string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, apierrors.New(apierrors.KindNodeNotFound, "node %s not found", id)
	}
	cp := *n
	return &cp, nil
}

// List returns all nodes ordered by id.
func (r *Registry) List() []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy returns the nodes currently eligible for placement.
func (r *Registry) Healthy() []Node {
	now := time.Now()
	var out []Node
	for _, n := range r.List() {
		if n.IsHealthy(now, r.ttl) {
			out = append(out, n)
		}
	}
	return out
}

// Sweep transitions nodes with stale heartbeats to UNHEALTHY. Idempotent;
// returns the nodes it transitioned.
func (r *Registry) Sweep() []Node {
	now := time.Now()
	var stale []Node
	r.mu.Lock()
	for _, n := range r.nodes {
		if n.Status == NodeHealthy && now.Sub(n.LastHeartbeat) > r.ttl {
			n.Status = NodeUnhealthy
			stale = append(stale, *n)
		}
	}
	r.mu.Unlock()

	for _, n := range stale {
		r.logger.Warn("node heartbeat expired", "node_id", n.ID, "last_heartbeat", n.LastHeartbeat)
		r.notify(NodeEvent{Type: "unhealthy", Node: n})
	}
	return stale
}

// RunSweeper sweeps at half the TTL until the context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Watch subscribes to node events. The channel is bounded; events to a
// slow watcher are dropped. Cancel detaches and closes the channel.
func (r *Registry) Watch() (<-chan NodeEvent, func()) {
	ch := make(chan NodeEvent, 16)
	r.mu.Lock()
	id := r.nextW
	r.nextW++
	r.watchers[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

func (r *Registry) notify(ev NodeEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}
