package cluster

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/simforge/simforge/pkg/apierrors"
)

// DeploymentStatus is a deployment's lifecycle state.
type DeploymentStatus string

const (
	DeployPending    DeploymentStatus = "PENDING"
	DeployActive     DeploymentStatus = "ACTIVE"
	DeployFailed     DeploymentStatus = "FAILED"
	DeployUndeployed DeploymentStatus = "UNDEPLOYED"
)

// MatchSpec describes the match a caller wants hosted.
type MatchSpec struct {
	Name        string   `json:"name"`
	ModuleNames []string `json:"moduleNames"`
}

// Deployment records where a match was placed and how that went.
type Deployment struct {
	MatchID     uint64           `json:"matchId"`
	ContainerID uint64           `json:"containerId"`
	NodeID      string           `json:"nodeId"`
	ModuleNames []string         `json:"moduleNames"`
	CreatedAt   time.Time        `json:"createdAt"`
	Status      DeploymentStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
}

// Deployer places matches on nodes.
type Deployer struct {
	registry    *Registry
	distributor *Distributor
	client      NodeClient
	timeout     time.Duration
	logger      *slog.Logger

	mu          sync.RWMutex
	deployments map[uint64]*Deployment
}

// NewDeployer creates a deployer with the given per-deployment deadline.
func NewDeployer(registry *Registry, distributor *Distributor, client NodeClient, timeout time.Duration, logger *slog.Logger) *Deployer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Deployer{
		registry:    registry,
		distributor: distributor,
		client:      client,
		timeout:     timeout,
		logger:      logger,
		deployments: make(map[uint64]*Deployment),
	}
}

// selectNode scores the HEALTHY nodes: lowest containers/max_containers,
// ties by lowest match count, then by lowest cpu load.
func (d *Deployer) selectNode() (Node, error) {
	candidates := d.registry.Healthy()
	if len(candidates) == 0 {
		return Node{}, apierrors.New(apierrors.KindUpstreamUnavailable, "no healthy nodes available")
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.fillFactor() != b.fillFactor() {
			return a.fillFactor() < b.fillFactor()
		}
		if a.Metrics.MatchCount != b.Metrics.MatchCount {
			return a.Metrics.MatchCount < b.Metrics.MatchCount
		}
		return a.Metrics.CPULoad < b.Metrics.CPULoad
	})
	return candidates[0], nil
}

// Deploy validates the spec, picks a node, and instructs it to create the
// container and match. The deployment is recorded PENDING up front and
// flipped to ACTIVE or FAILED on the node's answer.
func (d *Deployer) Deploy(ctx context.Context, spec MatchSpec) (*Deployment, error) {
	if len(spec.ModuleNames) == 0 {
		return nil, apierrors.Validation("deployment needs at least one module")
	}
	for _, name := range spec.ModuleNames {
		if !d.distributor.Exists(name) {
			return nil, apierrors.NotFound("module", name)
		}
	}

	node, err := d.selectNode()
	if err != nil {
		return nil, err
	}

	dep := &Deployment{
		NodeID:      node.ID,
		ModuleNames: append([]string(nil), spec.ModuleNames...),
		CreatedAt:   time.Now(),
		Status:      DeployPending,
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ack, err := d.client.CreateMatch(ctx, node, spec)
	if err != nil {
		dep.Status = DeployFailed
		dep.Error = err.Error()
		d.logger.Warn("deployment failed", "node_id", node.ID, "error", err)
		return dep, err
	}

	dep.MatchID = ack.MatchID
	dep.ContainerID = ack.ContainerID
	dep.Status = DeployActive
	d.mu.Lock()
	d.deployments[dep.MatchID] = dep
	d.mu.Unlock()

	d.logger.Info("match deployed",
		"match_id", dep.MatchID, "container_id", dep.ContainerID, "node_id", node.ID)
	cp := *dep
	return &cp, nil
}

// Undeploy instructs the hosting node to drop the match and flips the
// deployment to UNDEPLOYED on ack.
func (d *Deployer) Undeploy(ctx context.Context, matchID uint64) (*Deployment, error) {
	d.mu.RLock()
	dep, ok := d.deployments[matchID]
	d.mu.RUnlock()
	if !ok {
		return nil, apierrors.NotFound("deployment", matchID)
	}

	node, err := d.registry.Get(dep.NodeID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.client.DeleteMatch(ctx, *node, dep.ContainerID, dep.MatchID); err != nil {
		return nil, err
	}

	d.mu.Lock()
	dep.Status = DeployUndeployed
	cp := *dep
	d.mu.Unlock()

	d.logger.Info("match undeployed", "match_id", matchID, "node_id", dep.NodeID)
	return &cp, nil
}

// Status returns the last known deployment of a match.
func (d *Deployer) Status(matchID uint64) (*Deployment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dep, ok := d.deployments[matchID]
	if !ok {
		return nil, apierrors.NotFound("deployment", matchID)
	}
	cp := *dep
	return &cp, nil
}

// List returns every recorded deployment ordered by match id.
func (d *Deployer) List() []Deployment {
	d.mu.RLock()
	out := make([]Deployment, 0, len(d.deployments))
	for _, dep := range d.deployments {
		out = append(out, *dep)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MatchID < out[j].MatchID })
	return out
}
