// Package cluster implements the control plane: the node registry with
// heartbeat TTLs, module artifact distribution, match deployment with node
// scoring, the advisory autoscaler, and the node proxy.
package cluster

import "time"

// NodeStatus is a node's stored lifecycle state. Health is a read-side
// derivation from status plus heartbeat freshness.
type NodeStatus string

const (
	NodeHealthy   NodeStatus = "HEALTHY"
	NodeUnhealthy NodeStatus = "UNHEALTHY"
	NodeDraining  NodeStatus = "DRAINING"
)

// NodeCapacity bounds what a node will host.
type NodeCapacity struct {
	MaxContainers int `json:"maxContainers"`
}

// NodeMetrics is the load report a node sends with each heartbeat.
type NodeMetrics struct {
	ContainerCount int     `json:"containerCount"`
	MatchCount     int     `json:"matchCount"`
	CPULoad        float64 `json:"cpuLoad"`
	MemoryUsedMB   int64   `json:"memoryUsedMb"`
	MemoryTotalMB  int64   `json:"memoryTotalMb"`
}

// Node is one registered simulation host.
type Node struct {
	ID               string       `json:"id"`
	AdvertiseAddress string       `json:"advertiseAddress"`
	Status           NodeStatus   `json:"status"`
	Capacity         NodeCapacity `json:"capacity"`
	Metrics          NodeMetrics  `json:"metrics"`
	RegisteredAt     time.Time    `json:"registeredAt"`
	LastHeartbeat    time.Time    `json:"lastHeartbeat"`
}

// IsHealthy derives liveness: status HEALTHY and a heartbeat within the
// TTL. The stored record is not mutated by this check.
func (n *Node) IsHealthy(now time.Time, ttl time.Duration) bool {
	return n.Status == NodeHealthy && now.Sub(n.LastHeartbeat) <= ttl
}

// fillFactor is the deployer's primary scoring input.
func (n *Node) fillFactor() float64 {
	if n.Capacity.MaxContainers <= 0 {
		return 1
	}
	return float64(n.Metrics.ContainerCount) / float64(n.Capacity.MaxContainers)
}
