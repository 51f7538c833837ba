package serverhealth

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/docstore"
	"github.com/qiniu/depotmirror/internal/vcs"
	"github.com/qiniu/depotmirror/internal/vcs/vcstest"
)

type fakeResolver struct {
	hosts map[string][]string
	err   error
}

func (r *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	addrs, ok := r.hosts[host]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	return addrs, nil
}

type fakeProber struct {
	mu     sync.Mutex
	status map[string]Status
	calls  int
}

func (p *fakeProber) ProbeHealth(ctx context.Context, entry ServerEntry) (Status, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	s, ok := p.status[entry.ResolvedAddress]
	if !ok {
		return StatusHealthy, "ok"
	}
	return s, s.String()
}

type fakeLeases []Lease

func (l fakeLeases) ActiveLeases(ctx context.Context) ([]Lease, error) { return l, nil }

type testEnv struct {
	registry *Registry
	prober   *fakeProber
	resolver *fakeResolver
	now      time.Time
	pick     func(int) int
}

func newTestEnv(t *testing.T, topo *config.Topology, leases LeaseSource) *testEnv {
	t.Helper()
	env := &testEnv{
		prober:   &fakeProber{status: map[string]Status{}},
		resolver: &fakeResolver{hosts: map[string][]string{"edge.example": {"10.0.0.2", "10.0.0.1"}}},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		pick:     func(int) int { return 0 },
	}
	clock := func() time.Time { return env.now }
	env.registry = NewRegistry(Deps{
		Topology: topo,
		Docs:     docstore.NewMemoryStore(),
		Sticky:   NewMemoryStickyStore(clock),
		Resolver: env.resolver,
		Prober:   env.prober,
		Leases:   leases,
		Now:      clock,
		IntN:     func(n int) int { return env.pick(n) },
	})
	return env
}

func edgeTopology() *config.Topology {
	return &config.Topology{Clusters: []config.ClusterConfig{{
		Name:           "main",
		ServiceAccount: "svc-build",
		Password:       "secret",
		Servers:        []config.EdgeServerConfig{{Address: "edge.example:1666"}},
	}}}
}

func TestRunOncePublishesEntries(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	env.prober.status["10.0.0.2:1666"] = StatusUnhealthy

	require.NoError(t, RunOnce(context.Background(), env.registry, 0))

	entries, err := env.registry.Servers(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "10.0.0.1:1666", entries[0].ResolvedAddress)
	assert.Equal(t, "edge.example:1666", entries[0].LogicalAddress)
	assert.Equal(t, StatusHealthy, entries[0].Status)
	assert.Equal(t, StatusUnhealthy, entries[1].Status)
	assert.Equal(t, env.now, entries[1].LastUpdateTime)
}

func TestSelectServerNeverPicksUnhealthyWhenHealthyExists(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	env.prober.status["10.0.0.2:1666"] = StatusDegraded
	require.NoError(t, RunOnce(context.Background(), env.registry, 0))

	r := rand.New(rand.NewPCG(7, 7))
	env.pick = r.IntN
	for i := 0; i < 200; i++ {
		e, err := env.registry.SelectServer(context.Background(), SelectRequest{Key: fmt.Sprintf("job-%d", i), Cluster: "main"})
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1:1666", e.ResolvedAddress)
	}
}

func TestSelectServerStickyWithinTTL(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	require.NoError(t, RunOnce(context.Background(), env.registry, 0))
	ctx := context.Background()

	env.pick = func(int) int { return 0 }
	first, err := env.registry.SelectServer(ctx, SelectRequest{Key: "agent-1", Cluster: "main"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1666", first.ResolvedAddress)

	// without the sticky record the last server would win
	env.pick = func(n int) int { return n - 1 }
	env.now = env.now.Add(23 * time.Hour)
	again, err := env.registry.SelectServer(ctx, SelectRequest{Key: "agent-1", Cluster: "main"})
	require.NoError(t, err)
	assert.Equal(t, first.ResolvedAddress, again.ResolvedAddress)

	other, err := env.registry.SelectServer(ctx, SelectRequest{Key: "agent-2", Cluster: "main"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1666", other.ResolvedAddress)

	// the TTL runs from the first assignment and is not extended by reuse
	env.now = env.now.Add(2 * time.Hour)
	expired, err := env.registry.SelectServer(ctx, SelectRequest{Key: "agent-1", Cluster: "main"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1666", expired.ResolvedAddress)
}

func TestStickyIgnoredWhenServerUnhealthy(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	ctx := context.Background()
	require.NoError(t, RunOnce(ctx, env.registry, 0))

	first, err := env.registry.SelectServer(ctx, SelectRequest{Key: "agent-1", Cluster: "main"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1666", first.ResolvedAddress)

	env.prober.status["10.0.0.1:1666"] = StatusUnhealthy
	require.NoError(t, RunOnce(ctx, env.registry, 0))
	next, err := env.registry.SelectServer(ctx, SelectRequest{Key: "agent-1", Cluster: "main"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1666", next.ResolvedAddress)
}

func TestWeightsFavourFewerLeases(t *testing.T) {
	candidates := []ServerEntry{
		{ResolvedAddress: "a", LeaseCount: 3},
		{ResolvedAddress: "b", LeaseCount: 1},
	}
	assert.Equal(t, []int{21, 23}, weights(candidates, ""))
	assert.Equal(t, []int{201, 23}, weights(candidates, "a"))
}

func TestPickWeighted(t *testing.T) {
	w := []int{21, 23}
	assert.Equal(t, 0, pickWeighted(w, func(int) int { return 0 }))
	assert.Equal(t, 0, pickWeighted(w, func(int) int { return 20 }))
	assert.Equal(t, 1, pickWeighted(w, func(int) int { return 21 }))
	assert.Equal(t, 1, pickWeighted(w, func(n int) int { return n - 1 }))
}

func TestSelectServerDistribution(t *testing.T) {
	leases := fakeLeases{
		{ID: "l1", Kind: "job", Workspaces: []WorkspaceBinding{{Cluster: "main", Server: "10.0.0.1:1666"}}},
		{ID: "l2", Kind: "job", Workspaces: []WorkspaceBinding{{Cluster: "main", Server: "10.0.0.1:1666"}}},
		{ID: "l3", Kind: "conform", Workspaces: []WorkspaceBinding{
			{Cluster: "main", Server: "10.0.0.1:1666"},
			{Cluster: "main", Server: "10.0.0.1:1666"},
		}},
		{ID: "l4", Kind: "job", Workspaces: []WorkspaceBinding{{Cluster: "main", Server: "10.0.0.2:1666"}}},
	}
	env := newTestEnv(t, edgeTopology(), leases)
	require.NoError(t, RunOnce(context.Background(), env.registry, 0))

	entries, err := env.registry.Servers(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 3, entries[0].LeaseCount)
	assert.Equal(t, 1, entries[1].LeaseCount)

	env.pick = rand.New(rand.NewPCG(1, 2)).IntN
	const n = 10000
	picksB := 0
	for i := 0; i < n; i++ {
		e, err := env.registry.SelectServer(context.Background(), SelectRequest{Cluster: "main"})
		require.NoError(t, err)
		if e.ResolvedAddress == "10.0.0.2:1666" {
			picksB++
		}
	}
	ratio := float64(picksB) / n
	assert.InDelta(t, 23.0/44.0, ratio, 0.02)
}

func TestLivenessTimeoutDegradesStaleEntries(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	ctx := context.Background()
	require.NoError(t, RunOnce(ctx, env.registry, 0))

	env.now = env.now.Add(DefaultLivenessTimeout + time.Second)
	entries, err := env.registry.RefreshServers(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, StatusDegraded, e.Status)
		assert.Contains(t, e.Detail, "no successful probe")
	}

	_, err = env.registry.SelectServer(ctx, SelectRequest{Cluster: "main"})
	assert.ErrorIs(t, err, ErrNoServerAvailable)
}

func TestRefreshKeepsHealthWithinLiveness(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	ctx := context.Background()
	require.NoError(t, RunOnce(ctx, env.registry, 0))

	env.now = env.now.Add(time.Minute)
	entries, err := env.registry.RefreshServers(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, StatusHealthy, e.Status)
	}
}

func TestDNSFailureYieldsNoEntries(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	env.resolver.err = errors.New("dns timeout")
	ctx := context.Background()

	require.NoError(t, RunOnce(ctx, env.registry, 0))
	entries, err := env.registry.Servers(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = env.registry.SelectServer(ctx, SelectRequest{Cluster: "main"})
	assert.ErrorIs(t, err, ErrNoServerAvailable)
}

func TestResolveServerSkipsNumericAndDisabled(t *testing.T) {
	r := &fakeResolver{err: errors.New("must not be called")}
	off := false

	got := resolveServer(context.Background(), r, "main", config.EdgeServerConfig{Address: "ssl:10.2.0.1:1666"})
	require.Len(t, got, 1)
	assert.Equal(t, "ssl:10.2.0.1:1666", got[0].ResolvedAddress)

	got = resolveServer(context.Background(), r, "main", config.EdgeServerConfig{Address: "edge.example:1666", ResolveDNS: &off})
	require.Len(t, got, 1)
	assert.Equal(t, "edge.example:1666", got[0].ResolvedAddress)
}

func TestCountLeases(t *testing.T) {
	entries := []ServerEntry{
		{Cluster: "main", LogicalAddress: "edge.example:1666", ResolvedAddress: "10.0.0.1:1666", LeaseCount: 9},
		{Cluster: "main", LogicalAddress: "edge.example:1666", ResolvedAddress: "10.0.0.2:1666"},
		{Cluster: "other", LogicalAddress: "10.9.0.1:1666", ResolvedAddress: "10.9.0.1:1666"},
	}
	leases := []Lease{
		{ID: "a", Workspaces: []WorkspaceBinding{
			{Cluster: "main", Server: "10.0.0.1:1666"},
			{Cluster: "main", Server: "10.0.0.1:1666"},
		}},
		{ID: "b", Workspaces: []WorkspaceBinding{
			{Cluster: "main", Server: "10.0.0.1:1666"},
			{Cluster: "other", Server: "10.9.0.1:1666"},
		}},
		// logical addresses count against every resolved entry
		{ID: "c", Workspaces: []WorkspaceBinding{{Cluster: "main", Server: "edge.example:1666"}}},
		{ID: "d", Workspaces: []WorkspaceBinding{{Cluster: "gone", Server: "10.0.0.1:1666"}}},
	}
	countLeases(leases, entries)
	assert.Equal(t, 3, entries[0].LeaseCount)
	assert.Equal(t, 1, entries[1].LeaseCount)
	assert.Equal(t, 1, entries[2].LeaseCount)
}

func conditionTopology() *config.Topology {
	return &config.Topology{Clusters: []config.ClusterConfig{{
		Name:           "main",
		ServiceAccount: "svc-build",
		Servers: []config.EdgeServerConfig{
			{Address: "10.1.0.1:1666", Condition: "pool == 'linux'"},
			{Address: "10.1.0.2:1666", Properties: []string{"gpu"}},
			{Address: "10.1.0.3:1666"},
		},
	}}}
}

func TestSelectServerConditions(t *testing.T) {
	env := newTestEnv(t, conditionTopology(), nil)
	ctx := context.Background()
	require.NoError(t, RunOnce(ctx, env.registry, 0))

	tests := []struct {
		name  string
		props []string
		want  string
	}{
		{"condition match", []string{"pool=linux"}, "10.1.0.1:1666"},
		{"condition mismatch falls back to default", []string{"pool=win64"}, "10.1.0.3:1666"},
		{"missing parameter falls back to default", nil, "10.1.0.3:1666"},
		{"required property", []string{"gpu", "pool=win64"}, "10.1.0.2:1666"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := env.registry.SelectServer(ctx, SelectRequest{Cluster: "main", Properties: tt.props})
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.ResolvedAddress)
		})
	}
}

func TestSelectServerUnknownCluster(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	_, err := env.registry.SelectServer(context.Background(), SelectRequest{Cluster: "nope"})
	assert.ErrorIs(t, err, ErrUnknownCluster)
}

func TestSelectServerProbesOnDemand(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	env.prober.status["10.0.0.1:1666"] = StatusUnhealthy

	e, err := env.registry.SelectServer(context.Background(), SelectRequest{Cluster: "main"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1666", e.ResolvedAddress)
	assert.Equal(t, 2, env.prober.calls)
}

func TestSelectServerFallsBackToUnknown(t *testing.T) {
	env := newTestEnv(t, edgeTopology(), nil)
	env.prober.status["10.0.0.1:1666"] = StatusUnknown
	env.prober.status["10.0.0.2:1666"] = StatusUnhealthy
	require.NoError(t, RunOnce(context.Background(), env.registry, 0))

	e, err := env.registry.SelectServer(context.Background(), SelectRequest{Cluster: "main"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1666", e.ResolvedAddress)
}

func TestProberCombinesChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"results":[{"checker":"disk","output":"red"},{"checker":"edge-traffic-lb","output":%q}]}`, r.URL.Query().Get("output"))
	}))
	defer srv.Close()

	depot := vcstest.NewDepot()
	p := NewProber(edgeTopology(), depot, "edge-traffic-lb", time.Second)
	entry := ServerEntry{Cluster: "main", ResolvedAddress: "10.0.0.1:1666"}

	tests := []struct {
		output string
		down   bool
		want   Status
	}{
		{"green", false, StatusHealthy},
		{"yellow", false, StatusHealthy},
		{"red", false, StatusUnhealthy},
		{"purple", false, StatusHealthy},
		{"green", true, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/down=%v", tt.output, tt.down), func(t *testing.T) {
			entry.HealthCheckURL = srv.URL + "?output=" + tt.output
			delete(depot.Down, entry.ResolvedAddress)
			if tt.down {
				depot.Down[entry.ResolvedAddress] = errors.New("connection refused")
			}
			got, detail := p.ProbeHealth(context.Background(), entry)
			assert.Equal(t, tt.want, got, detail)
		})
	}
}

func TestProberWithoutHealthCheckURL(t *testing.T) {
	depot := vcstest.NewDepot()
	p := NewProber(edgeTopology(), depot, "edge-traffic-lb", time.Second)
	got, detail := p.ProbeHealth(context.Background(), ServerEntry{Cluster: "main", ResolvedAddress: "10.0.0.1:1666"})
	assert.Equal(t, StatusHealthy, got)
	assert.Contains(t, detail, "vcstest/1")
}

func TestCheckerStatus(t *testing.T) {
	assert.Equal(t, StatusHealthy, checkerStatus(" Green\n"))
	assert.Equal(t, StatusDegraded, checkerStatus("yellow"))
	assert.Equal(t, StatusUnhealthy, checkerStatus("RED"))
	assert.Equal(t, StatusUnknown, checkerStatus(""))
}

func TestConnectionProvider(t *testing.T) {
	topo := edgeTopology()
	topo.Clusters = append(topo.Clusters, config.ClusterConfig{
		Name:    "anon",
		Servers: []config.EdgeServerConfig{{Address: "10.3.0.1:1666"}},
	})
	env := newTestEnv(t, topo, nil)
	ctx := context.Background()
	require.NoError(t, RunOnce(ctx, env.registry, 0))

	depot := vcstest.NewDepot()
	pool := vcs.NewPool(depot, 4)
	p := NewConnectionProvider(env.registry, pool, topo)

	conn, release, err := p.Connect(ctx, "main", vcs.ConnectOptions{Client: "ws-1"})
	require.NoError(t, err)
	info, err := conn.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1666", info.ServerAddress)
	release()
	assert.Equal(t, 1, pool.Len())

	_, _, err = p.Connect(ctx, "nope", vcs.ConnectOptions{})
	assert.ErrorIs(t, err, ErrUnknownCluster)

	_, _, err = p.Connect(ctx, "anon", vcs.ConnectOptions{})
	assert.ErrorIs(t, err, vcs.ErrNoCredentials)
}

func TestStatusText(t *testing.T) {
	b, err := StatusDegraded.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Degraded", string(b))

	var s Status
	require.NoError(t, s.UnmarshalText([]byte("Healthy")))
	assert.Equal(t, StatusHealthy, s)
	assert.Error(t, s.UnmarshalText([]byte("Sick")))
	assert.Equal(t, StatusUnhealthy, MinStatus(StatusHealthy, StatusUnhealthy))
}

func TestRedisStickyStore(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	s := NewRedisStickyStore(rdb, "depotmirror-test:sticky:")
	key := fmt.Sprintf("agent-%d", time.Now().UnixNano())
	defer rdb.Del(ctx, "depotmirror-test:sticky:"+key)

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, key, "10.0.0.1:1666", time.Minute))
	ttl := rdb.PTTL(ctx, "depotmirror-test:sticky:"+key).Val()
	require.NoError(t, s.Set(ctx, key, "10.0.0.2:1666", time.Hour))

	addr, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.2:1666", addr)
	assert.LessOrEqual(t, rdb.PTTL(ctx, "depotmirror-test:sticky:"+key).Val(), ttl)
}
