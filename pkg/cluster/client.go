package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/simforge/simforge/pkg/apierrors"
)

// DeployedMatch is a node's acknowledgment of a deployment: the container
// and match it created for the spec.
type DeployedMatch struct {
	ContainerID uint64 `json:"containerId"`
	MatchID     uint64 `json:"matchId"`
}

// NodeClient is the control plane's transport to a node. Calls run on
// request goroutines with request-scoped deadlines, never on a container's
// tick executor.
type NodeClient interface {
	CreateMatch(ctx context.Context, node Node, spec MatchSpec) (DeployedMatch, error)
	DeleteMatch(ctx context.Context, node Node, containerID, matchID uint64) error
	PushArtifact(ctx context.Context, node Node, artifact *Artifact) error
}

// HTTPNodeClient talks to nodes over their public HTTP API.
type HTTPNodeClient struct {
	client *http.Client
	// AuthHeader, when set, is attached to every outgoing request.
	AuthHeader string
}

// NewHTTPNodeClient creates a node client with a bounded transport.
func NewHTTPNodeClient(timeout time.Duration) *HTTPNodeClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNodeClient{client: &http.Client{Timeout: timeout}}
}

// envelope mirrors the API response wrapper with raw data for typed
// decoding.
type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *apierrors.Error `json:"error"`
}

func (c *HTTPNodeClient) call(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthHeader != "" {
		req.Header.Set("Authorization", c.AuthHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apierrors.New(apierrors.KindTimeout, "node call %s timed out", url)
		}
		return apierrors.New(apierrors.KindUpstreamUnavailable, "node call %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apierrors.New(apierrors.KindUpstreamUnavailable, "read node response: %v", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apierrors.New(apierrors.KindUpstreamUnavailable,
			"node %s returned status %d with an unreadable body", url, resp.StatusCode)
	}
	if env.Error != nil {
		return env.Error
	}
	if resp.StatusCode >= 400 {
		return apierrors.New(apierrors.KindUpstreamUnavailable, "node %s returned status %d", url, resp.StatusCode)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode node response: %w", err)
		}
	}
	return nil
}

func nodeURL(node Node, path string) string {
	return strings.TrimSuffix(node.AdvertiseAddress, "/") + path
}

func (c *HTTPNodeClient) CreateMatch(ctx context.Context, node Node, spec MatchSpec) (DeployedMatch, error) {
	var container struct {
		ID uint64 `json:"id"`
	}
	err := c.call(ctx, http.MethodPost, nodeURL(node, "/api/containers"), map[string]any{
		"name":        spec.Name,
		"moduleNames": spec.ModuleNames,
		"autoStart":   true,
	}, &container)
	if err != nil {
		return DeployedMatch{}, err
	}

	var match struct {
		ID uint64 `json:"id"`
	}
	err = c.call(ctx, http.MethodPost,
		nodeURL(node, fmt.Sprintf("/api/containers/%d/matches", container.ID)),
		map[string]any{"enabledModuleNames": spec.ModuleNames}, &match)
	if err != nil {
		return DeployedMatch{}, err
	}
	return DeployedMatch{ContainerID: container.ID, MatchID: match.ID}, nil
}

func (c *HTTPNodeClient) DeleteMatch(ctx context.Context, node Node, containerID, matchID uint64) error {
	return c.call(ctx, http.MethodDelete,
		nodeURL(node, fmt.Sprintf("/api/containers/%d/matches/%d", containerID, matchID)), nil, nil)
}

func (c *HTTPNodeClient) PushArtifact(ctx context.Context, node Node, artifact *Artifact) error {
	url := nodeURL(node, fmt.Sprintf("/api/modules/%s/%s", artifact.Name, artifact.Version))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(artifact.Blob))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Blob-Hash", artifact.BlobHash)
	if c.AuthHeader != "" {
		req.Header.Set("Authorization", c.AuthHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apierrors.New(apierrors.KindUpstreamUnavailable, "artifact push to %s failed: %v", node.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return apierrors.New(apierrors.KindUpstreamUnavailable,
			"node %s rejected artifact %s@%s with status %d", node.ID, artifact.Name, artifact.Version, resp.StatusCode)
	}
	return nil
}
