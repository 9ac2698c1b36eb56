package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/simforge/simforge/pkg/apierrors"
)

// Artifact is one uploaded module build, keyed by (name, version).
type Artifact struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	BlobHash   string    `json:"blobHash"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedAt time.Time `json:"uploadedAt"`

	Blob []byte `json:"-"`
}

// NodeResult is one node's outcome of a distribution.
type NodeResult struct {
	NodeID string `json:"nodeId"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// DistributionReport summarizes a distribute call. Partial success is
// allowed: failed nodes are reported individually.
type DistributionReport struct {
	Name    string       `json:"name"`
	Version string       `json:"version"`
	Results []NodeResult `json:"results"`
}

// Distributor stores module artifacts and pushes them to nodes.
type Distributor struct {
	registry *Registry
	client   NodeClient
	logger   *slog.Logger

	mu        sync.RWMutex
	artifacts map[string]*Artifact // name@version
}

// NewDistributor creates an empty artifact distributor.
func NewDistributor(registry *Registry, client NodeClient, logger *slog.Logger) *Distributor {
	return &Distributor{
		registry:  registry,
		client:    client,
		logger:    logger,
		artifacts: make(map[string]*Artifact),
	}
}

func artifactKey(name, version string) string { return name + "@" + version }

// Upload stores an artifact, replacing any previous blob for the same
// (name, version).
func (d *Distributor) Upload(name, version string, blob []byte) (*Artifact, error) {
	if name == "" || version == "" {
		return nil, apierrors.Validation("artifact name and version must not be empty")
	}
	if len(blob) == 0 {
		return nil, apierrors.Validation("artifact blob must not be empty")
	}
	sum := sha256.Sum256(blob)
	a := &Artifact{
		Name:       name,
		Version:    version,
		BlobHash:   hex.EncodeToString(sum[:]),
		SizeBytes:  int64(len(blob)),
		UploadedAt: time.Now(),
		Blob:       append([]byte(nil), blob...),
	}
	d.mu.Lock()
	d.artifacts[artifactKey(name, version)] = a
	d.mu.Unlock()

	d.logger.Info("artifact uploaded", "module", name, "version", version, "size_bytes", a.SizeBytes)
	return a, nil
}

// Get returns an artifact by name and version.
func (d *Distributor) Get(name, version string) (*Artifact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.artifacts[artifactKey(name, version)]
	if !ok {
		return nil, apierrors.NotFound("module artifact", artifactKey(name, version))
	}
	return a, nil
}

// List returns the known versions of a module, or every artifact when name
// is empty. Ordered by name then version.
func (d *Distributor) List(name string) []Artifact {
	d.mu.RLock()
	var out []Artifact
	for _, a := range d.artifacts {
		if name == "" || a.Name == name {
			cp := *a
			cp.Blob = nil
			out = append(out, cp)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Delete removes an artifact.
func (d *Distributor) Delete(name, version string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := artifactKey(name, version)
	if _, ok := d.artifacts[key]; !ok {
		return apierrors.NotFound("module artifact", key)
	}
	delete(d.artifacts, key)
	return nil
}

// Exists reports whether any version of the module has been uploaded.
func (d *Distributor) Exists(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.artifacts {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Distribute pushes an artifact to one node, or to every HEALTHY node when
// nodeID is empty, and collects per-node acknowledgments.
func (d *Distributor) Distribute(ctx context.Context, name, version, nodeID string) (*DistributionReport, error) {
	a, err := d.Get(name, version)
	if err != nil {
		return nil, err
	}

	var targets []Node
	if nodeID != "" {
		n, err := d.registry.Get(nodeID)
		if err != nil {
			return nil, err
		}
		targets = []Node{*n}
	} else {
		targets = d.registry.Healthy()
	}

	report := &DistributionReport{Name: name, Version: version}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, node := range targets {
		wg.Add(1)
		go func(node Node) {
			defer wg.Done()
			res := NodeResult{NodeID: node.ID, OK: true}
			if err := d.client.PushArtifact(ctx, node, a); err != nil {
				res.OK = false
				res.Error = err.Error()
				d.logger.Warn("artifact distribution failed",
					"module", name, "version", version, "node_id", node.ID, "error", err)
			}
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].NodeID < report.Results[j].NodeID
	})
	return report, nil
}
