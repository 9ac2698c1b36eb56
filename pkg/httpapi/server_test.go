package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/auth"
	"github.com/simforge/simforge/pkg/cluster"
	"github.com/simforge/simforge/pkg/config"
	"github.com/simforge/simforge/pkg/ecs"
	"github.com/simforge/simforge/pkg/modules"
	"github.com/simforge/simforge/pkg/sim"
	"github.com/simforge/simforge/pkg/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:          "test-secret",
			JWTIssuer:          "simforge-test",
			SessionExpiryHours: 1,
			BcryptCost:         4,
		},
		Container: config.ContainerConfig{
			MaxEntitiesPerContainer: 1000,
			CommandQueueCapacity:    16,
			TickCommandBudget:       16,
			SnapshotHistorySize:     8,
			StopTimeoutMs:           2000,
			MaxContainers:           4,
			WSCommandsPerSecond:     10,
		},
		ControlPlane: config.ControlConfig{
			NodeTTLSeconds:   60,
			CPUHighWatermark: 0.85,
			CPULowWatermark:  0.30,
			MinNodes:         1,
			BreachWindows:    3,
		},
		Proxy: config.ProxyConfig{Enabled: true, ForwardedHeaders: []string{"Authorization", "X-*"}},
		HTTP:  config.HTTPConfig{ListenAddr: ":0"},
	}
}

func newAuthService(t *testing.T, cfg *config.Config) *auth.Service {
	t.Helper()
	signer, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, testLogger())
	require.NoError(t, err)
	return auth.NewService(auth.NewMemoryStore(), signer, cfg.Auth.SessionExpiry(), cfg.Auth.BcryptCost, testLogger())
}

// bearerFor creates a user with the given scopes and returns a session
// bearer for it.
func bearerFor(t *testing.T, svc *auth.Service, username string, scopes []string) string {
	t.Helper()
	_, err := svc.CreateUser(username, "hunter2hunter2", nil, scopes)
	require.NoError(t, err)
	token, err := svc.Login(username, "hunter2hunter2")
	require.NoError(t, err)
	return token.Bearer
}

type fixture struct {
	handler http.Handler
	auth    *auth.Service
	admin   string
}

func newNodeFixture(t *testing.T, store state.Store) *fixture {
	t.Helper()
	cfg := testConfig()
	svc := newAuthService(t, cfg)

	rt := ecs.NewRuntime()
	modules.RegisterBuiltins(rt.Catalog())
	manager := sim.NewManager(rt, sim.ManagerOptions{
		MaxContainers: cfg.Container.MaxContainers,
		Container: sim.Options{
			MaxEntities:   cfg.Container.MaxEntitiesPerContainer,
			QueueCapacity: cfg.Container.CommandQueueCapacity,
			HistorySize:   cfg.Container.SnapshotHistorySize,
		},
	}, testLogger())
	t.Cleanup(manager.Shutdown)

	server := NewNodeServer(cfg, manager, svc, store, testLogger())
	return &fixture{
		handler: server.Router(),
		auth:    svc,
		admin:   bearerFor(t, svc, "admin", []string{"*"}),
	}
}

func newControlFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	svc := newAuthService(t, cfg)

	registry := cluster.NewRegistry(cfg.ControlPlane.NodeTTL(), testLogger())
	client := cluster.NewHTTPNodeClient(5 * time.Second)
	distributor := cluster.NewDistributor(registry, client, testLogger())
	deployer := cluster.NewDeployer(registry, distributor, client, 5*time.Second, testLogger())
	autoscaler := cluster.NewAutoscaler(registry, cluster.AutoscalerConfig{
		HighWatermark: cfg.ControlPlane.CPUHighWatermark,
		LowWatermark:  cfg.ControlPlane.CPULowWatermark,
		MinNodes:      cfg.ControlPlane.MinNodes,
		BreachWindows: cfg.ControlPlane.BreachWindows,
	}, testLogger())
	proxy := cluster.NewProxy(registry, cfg.Proxy.Enabled, cfg.Proxy.ForwardedHeaders, testLogger())

	server := NewControlServer(cfg, registry, distributor, deployer, autoscaler, proxy, svc, state.NewMemoryStore(), testLogger())
	return &fixture{
		handler: server.Router(),
		auth:    svc,
		admin:   bearerFor(t, svc, "admin", []string{"*"}),
	}
}

type testEnvelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *apierrors.Error `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env testEnvelope
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func decodeInto(t *testing.T, env testEnvelope, out any) {
	t.Helper()
	require.NotNil(t, env.Data)
	require.NoError(t, json.Unmarshal(env.Data, out))
}

// ── Auth surface ──────────────────────────────────────────────────

func TestLoginOverHTTP(t *testing.T) {
	f := newNodeFixture(t, state.NewMemoryStore())

	rec, env := f.do(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "admin", "password": "hunter2hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	var session sessionResponse
	decodeInto(t, env, &session)
	assert.Equal(t, "admin", session.Username)
	assert.NotEmpty(t, session.Token)
}

func TestMissingCredentialRejected(t *testing.T) {
	f := newNodeFixture(t, state.NewMemoryStore())

	rec, env := f.do(t, http.MethodGet, "/api/containers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierrors.KindInvalidToken, env.Error.Kind)
}

func TestScopeEnforced(t *testing.T) {
	f := newNodeFixture(t, state.NewMemoryStore())
	viewer := bearerFor(t, f.auth, "viewer", []string{auth.ScopeMatchRead})

	rec, env := f.do(t, http.MethodPost, "/api/containers", viewer,
		map[string]any{"name": "denied"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierrors.KindForbidden, env.Error.Kind)

	rec, _ = f.do(t, http.MethodGet, "/api/containers", viewer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ── Container lifecycle over HTTP ─────────────────────────────────

func TestContainerLifecycleOverHTTP(t *testing.T) {
	f := newNodeFixture(t, state.NewMemoryStore())

	rec, env := f.do(t, http.MethodPost, "/api/containers", f.admin,
		map[string]any{"name": "world-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cs sim.ContainerState
	decodeInto(t, env, &cs)
	assert.Equal(t, sim.StatusCreated, cs.Status)
	base := fmt.Sprintf("/api/containers/%d", cs.ID)

	rec, _ = f.do(t, http.MethodPost, base+"/start", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, base+"/tick", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, env = f.do(t, http.MethodPost, base+"/tick", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tick map[string]uint64
	decodeInto(t, env, &tick)
	assert.Equal(t, uint64(2), tick["currentTick"])

	// Deleting a running container is a conflict.
	rec, env = f.do(t, http.MethodDelete, base, f.admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierrors.KindInvalidState, env.Error.Kind)

	rec, _ = f.do(t, http.MethodPost, base+"/stop", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodDelete, base, f.admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = f.do(t, http.MethodGet, base, f.admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDuplicateContainerNameConflicts(t *testing.T) {
	f := newNodeFixture(t, state.NewMemoryStore())

	rec, _ := f.do(t, http.MethodPost, "/api/containers", f.admin, map[string]any{"name": "dup"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, env := f.do(t, http.MethodPost, "/api/containers", f.admin, map[string]any{"name": "dup"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierrors.KindConflict, env.Error.Kind)
}

// ── Matches and commands ──────────────────────────────────────────

func createRunningContainer(t *testing.T, f *fixture, name string) sim.ContainerState {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/api/containers", f.admin,
		map[string]any{"name": name, "moduleNames": []string{"entity"}, "autoStart": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	var cs sim.ContainerState
	decodeInto(t, env, &cs)
	return cs
}

func TestMatchAndCommandFlow(t *testing.T) {
	f := newNodeFixture(t, state.NewMemoryStore())
	cs := createRunningContainer(t, f, "arena")
	base := fmt.Sprintf("/api/containers/%d", cs.ID)

	rec, env := f.do(t, http.MethodPost, base+"/matches", f.admin,
		map[string]any{"enabledModuleNames": []string{"entity"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var match sim.MatchState
	decodeInto(t, env, &match)

	rec, _ = f.do(t, http.MethodPost, base+"/commands", f.admin,
		map[string]any{"commandName": "spawn", "matchId": match.ID})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, env = f.do(t, http.MethodPost, base+"/commands", f.admin,
		map[string]any{"commandName": "spawn", "matchId": uint64(999)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierrors.KindNotFound, env.Error.Kind)

	rec, env = f.do(t, http.MethodGet, base+"/commands", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	decodeInto(t, env, &names)
	assert.Contains(t, names, "spawn")
}

func TestMatchTokenBindingOverHTTP(t *testing.T) {
	f := newNodeFixture(t, state.NewMemoryStore())
	cs := createRunningContainer(t, f, "bound")
	base := fmt.Sprintf("/api/containers/%d", cs.ID)

	_, env := f.do(t, http.MethodPost, base+"/matches", f.admin,
		map[string]any{"enabledModuleNames": []string{"entity"}})
	var m1 sim.MatchState
	decodeInto(t, env, &m1)
	_, env = f.do(t, http.MethodPost, base+"/matches", f.admin,
		map[string]any{"enabledModuleNames": []string{"entity"}})
	var m2 sim.MatchState
	decodeInto(t, env, &m2)

	rec, env := f.do(t, http.MethodPost, fmt.Sprintf("%s/matches/%d/join", base, m1.ID), f.admin,
		map[string]any{"playerName": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var joined struct {
		Token string `json:"token"`
	}
	decodeInto(t, env, &joined)
	require.NotEmpty(t, joined.Token)

	// The token reads its own match but not a sibling.
	rec, _ = f.do(t, http.MethodGet, fmt.Sprintf("%s/matches/%d/snapshot", base, m1.ID), joined.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = f.do(t, http.MethodGet, fmt.Sprintf("%s/matches/%d/snapshot", base, m2.ID), joined.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierrors.KindForbidden, env.Error.Kind)
}

// ── Snapshot history ──────────────────────────────────────────────

func TestSnapshotHistoryOverHTTP(t *testing.T) {
	f := newNodeFixture(t, state.NewMemoryStore())
	cs := createRunningContainer(t, f, "history")
	base := fmt.Sprintf("/api/containers/%d", cs.ID)

	_, env := f.do(t, http.MethodPost, base+"/matches", f.admin,
		map[string]any{"enabledModuleNames": []string{"entity"}})
	var match sim.MatchState
	decodeInto(t, env, &match)
	snapBase := fmt.Sprintf("%s/matches/%d/snapshots", base, match.ID)

	rec, env := f.do(t, http.MethodPost, snapBase+"/record", f.admin, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var snap sim.Snapshot
	decodeInto(t, env, &snap)

	rec, env = f.do(t, http.MethodGet, snapBase+"/history-info", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info sim.HistoryInfo
	decodeInto(t, env, &info)
	assert.Equal(t, 1, info.Count)
	assert.Equal(t, snap.Tick, info.NewestTick)

	rec, _ = f.do(t, http.MethodGet,
		fmt.Sprintf("%s/delta?fromTick=%d", snapBase, snap.Tick), f.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = f.do(t, http.MethodGet, snapBase+"/delta?fromTick=12345", f.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierrors.KindMissingHistory, env.Error.Kind)

	rec, _ = f.do(t, http.MethodDelete, snapBase+"/history", f.admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHistoryRequiresPersistence(t *testing.T) {
	f := newNodeFixture(t, state.DisabledStore{})
	cs := createRunningContainer(t, f, "no-store")
	base := fmt.Sprintf("/api/containers/%d", cs.ID)

	_, env := f.do(t, http.MethodPost, base+"/matches", f.admin,
		map[string]any{"enabledModuleNames": []string{"entity"}})
	var match sim.MatchState
	decodeInto(t, env, &match)

	rec, env := f.do(t, http.MethodPost,
		fmt.Sprintf("%s/matches/%d/snapshots/record", base, match.ID), f.admin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierrors.KindUpstreamUnavailable, env.Error.Kind)
}

// ── Control plane surface ─────────────────────────────────────────

func TestNodeRegistrationOverHTTP(t *testing.T) {
	f := newControlFixture(t)

	rec, env := f.do(t, http.MethodPost, "/api/nodes/register", f.admin, map[string]any{
		"id":       "node-1",
		"address":  "http://node-1:8080",
		"capacity": map[string]any{"maxContainers": 16},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var node cluster.Node
	decodeInto(t, env, &node)
	assert.Equal(t, cluster.NodeHealthy, node.Status)

	rec, _ = f.do(t, http.MethodPut, "/api/nodes/node-1/heartbeat", f.admin,
		cluster.NodeMetrics{ContainerCount: 3, MatchCount: 7, CPULoad: 0.42})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/cluster/status", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status clusterStatus
	decodeInto(t, env, &status)
	assert.Equal(t, 1, status.Nodes)
	assert.Equal(t, 1, status.HealthyNodes)
	assert.Equal(t, 3, status.Containers)
	assert.Equal(t, 7, status.Matches)

	rec, _ = f.do(t, http.MethodDelete, "/api/nodes/node-1", f.admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	f := newControlFixture(t)

	rec, env := f.do(t, http.MethodPut, "/api/nodes/ghost/heartbeat", f.admin, cluster.NodeMetrics{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, apierrors.KindNodeNotFound, env.Error.Kind)
}

func TestAutoscalerEndpoints(t *testing.T) {
	f := newControlFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/autoscaler/recommendation", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rc cluster.Recommendation
	decodeInto(t, env, &rc)
	assert.Equal(t, cluster.Steady, rc.Action)

	rec, _ = f.do(t, http.MethodPost, "/api/autoscaler/acknowledge", f.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyRouteOverHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/containers", r.URL.Path)
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "from-node")
	}))
	defer upstream.Close()

	f := newControlFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/api/nodes/register", f.admin, map[string]any{
		"id":       "node-p",
		"address":  upstream.URL,
		"capacity": map[string]any{"maxContainers": 4},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/nodes/node-p/proxy/api/containers", f.admin, nil)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "from-node", rec.Body.String())
}

func TestModuleUploadAndGet(t *testing.T) {
	f := newControlFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/modules/physics/1.2.0", bytes.NewReader([]byte("wasm-blob")))
	req.Header.Set("Authorization", "Bearer "+f.admin)
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec2, env := f.do(t, http.MethodGet, "/api/modules/physics/1.2.0", f.admin, nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	var art cluster.Artifact
	decodeInto(t, env, &art)
	assert.Equal(t, "physics", art.Name)
	assert.Equal(t, int64(len("wasm-blob")), art.SizeBytes)
	assert.NotEmpty(t, art.BlobHash)
}
