package cluster

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/simforge/simforge/pkg/apierrors"
)

// Proxy forwards client requests to a node's public API, preserving the
// method, query, body bytes, and an allowlisted set of headers.
type Proxy struct {
	registry  *Registry
	enabled   bool
	forwarded []string
	client    *http.Client
	logger    *slog.Logger
}

// NewProxy creates the node proxy. forwarded lists the headers to pass
// through; an "X-*" entry forwards every X- prefixed header.
func NewProxy(registry *Registry, enabled bool, forwarded []string, logger *slog.Logger) *Proxy {
	if len(forwarded) == 0 {
		forwarded = []string{"Authorization", "X-Api-Token", "X-*"}
	}
	return &Proxy{
		registry:  registry,
		enabled:   enabled,
		forwarded: forwarded,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
	}
}

// forwardHeader reports whether the header passes the allowlist.
func (p *Proxy) forwardHeader(name string) bool {
	for _, allowed := range p.forwarded {
		if strings.EqualFold(allowed, name) {
			return true
		}
		if strings.HasSuffix(allowed, "*") &&
			len(name) >= len(allowed)-1 &&
			strings.EqualFold(allowed[:len(allowed)-1], name[:len(allowed)-1]) {
			return true
		}
	}
	return false
}

// Forward proxies the request to the node and writes the upstream response
// straight through. The returned error, if any, has not been written to w.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, nodeID, subPath string) error {
	if !p.enabled {
		return apierrors.New(apierrors.KindProxyDisabled, "node proxy is disabled")
	}
	node, err := p.registry.Get(nodeID)
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(node.AdvertiseAddress, "/") + "/" + strings.TrimPrefix(subPath, "/")
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		return apierrors.Validation("build proxy request: %v", err)
	}
	for name, values := range r.Header {
		if !p.forwardHeader(name) {
			continue
		}
		for _, v := range values {
			upstream.Header.Add(name, v)
		}
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		upstream.Header.Set("Content-Type", ct)
	}

	resp, err := p.client.Do(upstream)
	if err != nil {
		p.logger.Warn("proxy upstream failed", "node_id", nodeID, "path", subPath, "error", err)
		return apierrors.New(apierrors.KindProxyUpstream, "node %s unreachable: %v", nodeID, err)
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Warn("proxy response copy failed", "node_id", nodeID, "error", err)
	}
	return nil
}
