// Package state provides the document store behind persisted platform
// state: container and match state, recorded snapshot history, the auth
// model, and the control plane's nodes, artifacts, and deployments.
//
// Documents are JSON values keyed by (collection, key). Backends: an
// in-process map, SQLite, and PostgreSQL, selected by configuration. The
// "disabled" backend refuses every call with UPSTREAM_UNAVAILABLE, which
// the HTTP layer surfaces as 503.
package state

import (
	"context"
	"encoding/json"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/config"
)

// Collection names used across the platform.
const (
	CollectionContainers  = "container_state"
	CollectionMatches     = "match_state"
	CollectionHistory     = "history"
	CollectionUsers       = "users"
	CollectionRoles       = "roles"
	CollectionApiTokens   = "api_tokens"
	CollectionNodes       = "nodes"
	CollectionArtifacts   = "module_artifacts"
	CollectionDeployments = "deployments"
)

// Store is the document persistence interface.
type Store interface {
	// Put upserts the JSON encoding of value under (collection, key).
	Put(ctx context.Context, collection, key string, value any) error
	// Get decodes the stored document into out; NOT_FOUND when absent.
	Get(ctx context.Context, collection, key string, out any) error
	// Delete removes the document. Deleting an absent key is a no-op.
	Delete(ctx context.Context, collection, key string) error
	// List returns every document in the collection, keyed.
	List(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	// Close releases backend resources.
	Close() error
}

// Open builds the configured backend.
func Open(cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return OpenPostgres(cfg.PostgresDSN)
	case "disabled":
		return DisabledStore{}, nil
	default:
		return nil, apierrors.Validation("unknown state backend %q", cfg.Backend)
	}
}

// DisabledStore refuses every operation. Endpoints that need persistence
// turn this into a 503.
type DisabledStore struct{}

func errDisabled() error {
	return apierrors.New(apierrors.KindUpstreamUnavailable, "persistence is disabled")
}

func (DisabledStore) Put(context.Context, string, string, any) error    { return errDisabled() }
func (DisabledStore) Get(context.Context, string, string, any) error    { return errDisabled() }
func (DisabledStore) Delete(context.Context, string, string) error      { return errDisabled() }
func (DisabledStore) Close() error                                      { return nil }
func (DisabledStore) List(context.Context, string) (map[string]json.RawMessage, error) {
	return nil, errDisabled()
}
