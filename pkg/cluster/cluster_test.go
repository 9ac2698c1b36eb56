package cluster

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Registry ──────────────────────────────────────────────────────

func TestRegistryHeartbeatTTL(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, testLogger())

	n, err := r.Register("n1", "http://n1:8080", NodeCapacity{MaxContainers: 100})
	require.NoError(t, err)
	assert.Equal(t, NodeHealthy, n.Status)
	assert.True(t, n.IsHealthy(time.Now(), r.TTL()))

	// Health is derived: a stale heartbeat fails the check without any
	// sweeper running.
	time.Sleep(80 * time.Millisecond)
	n, err = r.Get("n1")
	require.NoError(t, err)
	assert.False(t, n.IsHealthy(time.Now(), r.TTL()))
	assert.Empty(t, r.Healthy())

	// A heartbeat revives it.
	n, err = r.Heartbeat("n1", NodeMetrics{ContainerCount: 3, CPULoad: 0.4})
	require.NoError(t, err)
	assert.True(t, n.IsHealthy(time.Now(), r.TTL()))
	assert.Equal(t, 3, n.Metrics.ContainerCount)

	_, err = r.Heartbeat("ghost", NodeMetrics{})
	assert.Equal(t, apierrors.KindNodeNotFound, apierrors.KindOf(err))
	err = r.Deregister("ghost")
	assert.Equal(t, apierrors.KindNodeNotFound, apierrors.KindOf(err))
}

func TestRegistrySweepAndRevive(t *testing.T) {
	r := NewRegistry(30*time.Millisecond, testLogger())
	_, err := r.Register("n1", "http://n1", NodeCapacity{MaxContainers: 10})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	stale := r.Sweep()
	require.Len(t, stale, 1)
	n, err := r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, NodeUnhealthy, n.Status)
	// Sweeping again is idempotent.
	assert.Empty(t, r.Sweep())

	n, err = r.Heartbeat("n1", NodeMetrics{})
	require.NoError(t, err)
	assert.Equal(t, NodeHealthy, n.Status)
}

func TestRegistryReregisterPreservesState(t *testing.T) {
	r := NewRegistry(time.Minute, testLogger())
	first, err := r.Register("n1", "http://old", NodeCapacity{MaxContainers: 10})
	require.NoError(t, err)
	_, err = r.Heartbeat("n1", NodeMetrics{MatchCount: 5})
	require.NoError(t, err)

	second, err := r.Register("n1", "http://new", NodeCapacity{MaxContainers: 20})
	require.NoError(t, err)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, "http://new", second.AdvertiseAddress)
	assert.Equal(t, 20, second.Capacity.MaxContainers)
	assert.Equal(t, 5, second.Metrics.MatchCount)
}

func TestRegistryDrainExcludesFromPlacement(t *testing.T) {
	r := NewRegistry(time.Minute, testLogger())
	_, err := r.Register("n1", "http://n1", NodeCapacity{MaxContainers: 10})
	require.NoError(t, err)
	_, err = r.Drain("n1")
	require.NoError(t, err)
	assert.Empty(t, r.Healthy())
	assert.Len(t, r.List(), 1)
}

func TestRegistryWatch(t *testing.T) {
	r := NewRegistry(time.Minute, testLogger())
	events, cancel := r.Watch()
	defer cancel()

	_, err := r.Register("n1", "http://n1", NodeCapacity{MaxContainers: 1})
	require.NoError(t, err)
	require.NoError(t, r.Deregister("n1"))

	ev := <-events
	assert.Equal(t, "registered", ev.Type)
	ev = <-events
	assert.Equal(t, "deregistered", ev.Type)
}

// ── Autoscaler ────────────────────────────────────────────────────

func heartbeatAll(t *testing.T, r *Registry, load float64, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := r.Heartbeat(id, NodeMetrics{CPULoad: load})
		require.NoError(t, err)
	}
}

func TestAutoscalerScaleUpAfterBreachWindows(t *testing.T) {
	r := NewRegistry(time.Minute, testLogger())
	for _, id := range []string{"n1", "n2"} {
		_, err := r.Register(id, "http://"+id, NodeCapacity{MaxContainers: 10})
		require.NoError(t, err)
	}
	a := NewAutoscaler(r, AutoscalerConfig{
		HighWatermark: 0.85, LowWatermark: 0.30, MinNodes: 1, BreachWindows: 3,
	}, testLogger())

	heartbeatAll(t, r, 0.95, "n1", "n2")
	// Two hot windows are not enough.
	assert.Nil(t, a.Evaluate())
	assert.Nil(t, a.Evaluate())
	rec := a.Evaluate()
	require.NotNil(t, rec)
	assert.Equal(t, ScaleUp, rec.Action)
	assert.GreaterOrEqual(t, rec.Delta, 1)

	a.Acknowledge()
	assert.Equal(t, Steady, a.Recommendation().Action)
}

func TestAutoscalerScaleDown(t *testing.T) {
	r := NewRegistry(time.Minute, testLogger())
	for _, id := range []string{"n1", "n2", "n3"} {
		_, err := r.Register(id, "http://"+id, NodeCapacity{MaxContainers: 10})
		require.NoError(t, err)
	}
	a := NewAutoscaler(r, AutoscalerConfig{
		HighWatermark: 0.85, LowWatermark: 0.30, MinNodes: 1, BreachWindows: 3,
	}, testLogger())

	heartbeatAll(t, r, 0.20, "n1", "n2", "n3")
	rec := a.Evaluate()
	require.NotNil(t, rec)
	assert.Equal(t, ScaleDown, rec.Action)
	assert.GreaterOrEqual(t, rec.Delta, 1)
	// Never below the floor.
	assert.GreaterOrEqual(t, 3-rec.Delta, 1)
}

func TestAutoscalerSteadyInBand(t *testing.T) {
	r := NewRegistry(time.Minute, testLogger())
	_, err := r.Register("n1", "http://n1", NodeCapacity{MaxContainers: 10})
	require.NoError(t, err)
	a := NewAutoscaler(r, AutoscalerConfig{
		HighWatermark: 0.85, LowWatermark: 0.30,
	}, testLogger())

	heartbeatAll(t, r, 0.50, "n1")
	assert.Nil(t, a.Evaluate())
	assert.Equal(t, Steady, a.Recommendation().Action)
}

// ── Deployer ──────────────────────────────────────────────────────

// fakeNodeClient records calls and answers from canned state.
type fakeNodeClient struct {
	mu        sync.Mutex
	created   []string // node ids that received CreateMatch
	pushed    map[string]int
	failNodes map[string]bool
	nextMatch uint64
}

func newFakeNodeClient() *fakeNodeClient {
	return &fakeNodeClient{pushed: make(map[string]int), failNodes: make(map[string]bool)}
}

func (f *fakeNodeClient) CreateMatch(_ context.Context, node Node, _ MatchSpec) (DeployedMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNodes[node.ID] {
		return DeployedMatch{}, apierrors.New(apierrors.KindUpstreamUnavailable, "node down")
	}
	f.created = append(f.created, node.ID)
	f.nextMatch++
	return DeployedMatch{ContainerID: f.nextMatch, MatchID: f.nextMatch}, nil
}

func (f *fakeNodeClient) DeleteMatch(_ context.Context, node Node, _, _ uint64) error {
	if f.failNodes[node.ID] {
		return apierrors.New(apierrors.KindUpstreamUnavailable, "node down")
	}
	return nil
}

func (f *fakeNodeClient) PushArtifact(_ context.Context, node Node, _ *Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNodes[node.ID] {
		return apierrors.New(apierrors.KindUpstreamUnavailable, "node down")
	}
	f.pushed[node.ID]++
	return nil
}

func newTestDeployer(t *testing.T) (*Registry, *Distributor, *Deployer, *fakeNodeClient) {
	t.Helper()
	r := NewRegistry(time.Minute, testLogger())
	client := newFakeNodeClient()
	dist := NewDistributor(r, client, testLogger())
	dep := NewDeployer(r, dist, client, time.Second, testLogger())
	return r, dist, dep, client
}

func TestDeployerScoring(t *testing.T) {
	r, dist, dep, client := newTestDeployer(t)
	_, err := dist.Upload("entity", "1.0.0", []byte("blob"))
	require.NoError(t, err)

	_, err = r.Register("busy", "http://busy", NodeCapacity{MaxContainers: 10})
	require.NoError(t, err)
	_, err = r.Register("idle", "http://idle", NodeCapacity{MaxContainers: 10})
	require.NoError(t, err)
	_, err = r.Heartbeat("busy", NodeMetrics{ContainerCount: 8, MatchCount: 20, CPULoad: 0.7})
	require.NoError(t, err)
	_, err = r.Heartbeat("idle", NodeMetrics{ContainerCount: 1, MatchCount: 2, CPULoad: 0.1})
	require.NoError(t, err)

	d, err := dep.Deploy(context.Background(), MatchSpec{Name: "m", ModuleNames: []string{"entity"}})
	require.NoError(t, err)
	assert.Equal(t, "idle", d.NodeID)
	assert.Equal(t, DeployActive, d.Status)
	assert.Equal(t, []string{"idle"}, client.created)

	got, err := dep.Status(d.MatchID)
	require.NoError(t, err)
	assert.Equal(t, DeployActive, got.Status)

	undeployed, err := dep.Undeploy(context.Background(), d.MatchID)
	require.NoError(t, err)
	assert.Equal(t, DeployUndeployed, undeployed.Status)

	_, err = dep.Undeploy(context.Background(), 999)
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))
}

func TestDeployerTiebreakByMatchCount(t *testing.T) {
	r, dist, dep, _ := newTestDeployer(t)
	_, err := dist.Upload("entity", "1.0.0", []byte("blob"))
	require.NoError(t, err)

	_, err = r.Register("a", "http://a", NodeCapacity{MaxContainers: 10})
	require.NoError(t, err)
	_, err = r.Register("b", "http://b", NodeCapacity{MaxContainers: 10})
	require.NoError(t, err)
	_, err = r.Heartbeat("a", NodeMetrics{ContainerCount: 2, MatchCount: 9})
	require.NoError(t, err)
	_, err = r.Heartbeat("b", NodeMetrics{ContainerCount: 2, MatchCount: 3})
	require.NoError(t, err)

	d, err := dep.Deploy(context.Background(), MatchSpec{Name: "m", ModuleNames: []string{"entity"}})
	require.NoError(t, err)
	assert.Equal(t, "b", d.NodeID)
}

func TestDeployValidation(t *testing.T) {
	r, dist, dep, _ := newTestDeployer(t)
	_, err := r.Register("n1", "http://n1", NodeCapacity{MaxContainers: 10})
	require.NoError(t, err)

	_, err = dep.Deploy(context.Background(), MatchSpec{Name: "m"})
	assert.Equal(t, apierrors.KindValidation, apierrors.KindOf(err))

	_, err = dep.Deploy(context.Background(), MatchSpec{Name: "m", ModuleNames: []string{"missing"}})
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))

	_, err = dist.Upload("entity", "1.0.0", []byte("blob"))
	require.NoError(t, err)
	require.NoError(t, r.Deregister("n1"))
	_, err = dep.Deploy(context.Background(), MatchSpec{Name: "m", ModuleNames: []string{"entity"}})
	assert.Equal(t, apierrors.KindUpstreamUnavailable, apierrors.KindOf(err))
}

// ── Distributor ───────────────────────────────────────────────────

func TestDistributePartialSuccess(t *testing.T) {
	r, dist, _, client := newTestDeployer(t)
	for _, id := range []string{"good", "bad"} {
		_, err := r.Register(id, "http://"+id, NodeCapacity{MaxContainers: 10})
		require.NoError(t, err)
	}
	client.failNodes["bad"] = true

	_, err := dist.Upload("physics", "2.1.0", []byte("wasm bytes"))
	require.NoError(t, err)

	report, err := dist.Distribute(context.Background(), "physics", "2.1.0", "")
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.False(t, report.Results[0].OK) // bad
	assert.True(t, report.Results[1].OK)  // good
	assert.Equal(t, 1, client.pushed["good"])

	_, err = dist.Distribute(context.Background(), "physics", "9.9.9", "")
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))
	_, err = dist.Distribute(context.Background(), "physics", "2.1.0", "ghost")
	assert.Equal(t, apierrors.KindNodeNotFound, apierrors.KindOf(err))
}

func TestArtifactStore(t *testing.T) {
	_, dist, _, _ := newTestDeployer(t)
	a, err := dist.Upload("entity", "1.0.0", []byte("v1"))
	require.NoError(t, err)
	assert.NotEmpty(t, a.BlobHash)
	assert.EqualValues(t, 2, a.SizeBytes)

	_, err = dist.Upload("entity", "1.1.0", []byte("v2"))
	require.NoError(t, err)
	versions := dist.List("entity")
	require.Len(t, versions, 2)
	assert.Equal(t, "1.0.0", versions[0].Version)

	require.NoError(t, dist.Delete("entity", "1.0.0"))
	err = dist.Delete("entity", "1.0.0")
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))

	_, err = dist.Upload("", "1.0.0", []byte("x"))
	assert.Equal(t, apierrors.KindValidation, apierrors.KindOf(err))
}

// ── Proxy ─────────────────────────────────────────────────────────

func TestProxyForwarding(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotAuth, gotCustom string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Correlation-Id")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	r := NewRegistry(time.Minute, testLogger())
	_, err := r.Register("n1", upstream.URL, NodeCapacity{MaxContainers: 1})
	require.NoError(t, err)
	p := NewProxy(r, true, []string{"Authorization", "X-Api-Token", "X-*"}, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/nodes/n1/proxy/api/foo?x=1", strings.NewReader("payload"))
	req.Header.Set("Authorization", "Bearer T")
	req.Header.Set("X-Correlation-Id", "abc")
	req.Header.Set("Cookie", "secret=1") // not on the allowlist
	rec := httptest.NewRecorder()

	require.NoError(t, p.Forward(rec, req, "n1", "api/foo"))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/foo", gotPath)
	assert.Equal(t, "x=1", gotQuery)
	assert.Equal(t, "Bearer T", gotAuth)
	assert.Equal(t, "abc", gotCustom)
	assert.Equal(t, []byte("payload"), gotBody)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "pong", rec.Body.String())
}

// The stock header allowlist must pass custom X- headers through; callers
// rely on it for correlation ids without configuring anything.
func TestProxyDefaultHeadersForwardCustom(t *testing.T) {
	var gotCorrelation, gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		gotCookie = r.Header.Get("Cookie")
	}))
	defer upstream.Close()

	cfg, err := config.Load("")
	require.NoError(t, err)

	r := NewRegistry(time.Minute, testLogger())
	_, err = r.Register("n1", upstream.URL, NodeCapacity{MaxContainers: 1})
	require.NoError(t, err)
	p := NewProxy(r, cfg.Proxy.Enabled, cfg.Proxy.ForwardedHeaders, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/nodes/n1/proxy/api/foo", nil)
	req.Header.Set("X-Correlation-Id", "abc")
	req.Header.Set("Cookie", "secret=1")
	require.NoError(t, p.Forward(httptest.NewRecorder(), req, "n1", "api/foo"))
	assert.Equal(t, "abc", gotCorrelation)
	assert.Empty(t, gotCookie)
}

func TestProxyErrors(t *testing.T) {
	r := NewRegistry(time.Minute, testLogger())

	disabled := NewProxy(r, false, nil, testLogger())
	err := disabled.Forward(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "n1", "x")
	assert.Equal(t, apierrors.KindProxyDisabled, apierrors.KindOf(err))

	p := NewProxy(r, true, nil, testLogger())
	err = p.Forward(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "ghost", "x")
	assert.Equal(t, apierrors.KindNodeNotFound, apierrors.KindOf(err))

	// Registered but unreachable.
	_, regErr := r.Register("n1", "http://127.0.0.1:1", NodeCapacity{MaxContainers: 1})
	require.NoError(t, regErr)
	err = p.Forward(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "n1", "x")
	assert.Equal(t, apierrors.KindProxyUpstream, apierrors.KindOf(err))
}
