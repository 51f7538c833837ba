package serverhealth

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/docstore"
	"github.com/qiniu/depotmirror/internal/metrics"
)

const (
	serverListKey          = "serverhealth/servers"
	DefaultLivenessTimeout = 150 * time.Second
	DefaultStickyTTL       = 24 * time.Hour
)

type Deps struct {
	Topology *config.Topology
	Docs     docstore.Store
	Sticky   StickyStore
	Resolver Resolver
	Prober   HealthProber
	Leases   LeaseSource // optional

	LivenessTimeout time.Duration
	StickyTTL       time.Duration

	Now  func() time.Time
	IntN func(n int) int // random source for weighted selection
}

// Registry owns the persisted server list of every cluster.
type Registry struct {
	deps Deps

	exprMu sync.Mutex
	exprs  map[string]*govaluate.EvaluableExpression
}

func NewRegistry(deps Deps) *Registry {
	if deps.LivenessTimeout <= 0 {
		deps.LivenessTimeout = DefaultLivenessTimeout
	}
	if deps.StickyTTL <= 0 {
		deps.StickyTTL = DefaultStickyTTL
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.IntN == nil {
		deps.IntN = rand.IntN
	}
	return &Registry{deps: deps, exprs: map[string]*govaluate.EvaluableExpression{}}
}

// Servers returns the current server list.
func (r *Registry) Servers(ctx context.Context) ([]ServerEntry, error) {
	doc, _, err := docstore.Get[ServerList](ctx, r.deps.Docs, serverListKey)
	if err != nil {
		return nil, err
	}
	sortEntries(doc.Entries)
	return doc.Entries, nil
}

// RefreshServers resolves every configured server and merges the result with the stored list.
// Health is carried over for addresses that still resolve; healthy entries no probe has confirmed
// within the liveness timeout are downgraded to degraded.
func (r *Registry) RefreshServers(ctx context.Context) ([]ServerEntry, error) {
	var fresh []ServerEntry
	for _, c := range r.deps.Topology.Clusters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fresh = append(fresh, resolveCluster(ctx, r.deps.Resolver, c)...)
	}

	now := r.deps.Now()
	doc, err := docstore.Update(ctx, r.deps.Docs, serverListKey, func(doc *ServerList) (bool, error) {
		prev := make(map[entryKey]ServerEntry, len(doc.Entries))
		for _, e := range doc.Entries {
			prev[e.key()] = e
		}
		merged := make([]ServerEntry, 0, len(fresh))
		for _, e := range fresh {
			if old, ok := prev[e.key()]; ok {
				e.Status = old.Status
				e.Detail = old.Detail
				e.LastUpdateTime = old.LastUpdateTime
				e.LeaseCount = old.LeaseCount
			}
			if e.Status == StatusHealthy && now.Sub(e.LastUpdateTime) > r.deps.LivenessTimeout {
				e.Status = StatusDegraded
				e.Detail = fmt.Sprintf("no successful probe since %s", e.LastUpdateTime.Format(time.RFC3339))
			}
			merged = append(merged, e)
		}
		doc.Entries = merged
		doc.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refresh servers: %w", err)
	}
	return doc.Entries, nil
}

// RefreshLeaseCounts recomputes LeaseCount of entries from the active leases.
func (r *Registry) RefreshLeaseCounts(ctx context.Context, entries []ServerEntry) error {
	if r.deps.Leases == nil {
		return nil
	}
	leases, err := r.deps.Leases.ActiveLeases(ctx)
	if err != nil {
		return fmt.Errorf("list leases: %w", err)
	}
	countLeases(leases, entries)
	return nil
}

// ProbeHealth checks one entry.
func (r *Registry) ProbeHealth(ctx context.Context, entry ServerEntry) (Status, string) {
	return r.deps.Prober.ProbeHealth(ctx, entry)
}

// Publish stores the health and lease counts of probed entries into the server list. Entries that
// disappeared since the probe started are left alone.
func (r *Registry) Publish(ctx context.Context, probed []ServerEntry) error {
	byKey := make(map[entryKey]ServerEntry, len(probed))
	for _, e := range probed {
		byKey[e.key()] = e
	}
	doc, err := docstore.Update(ctx, r.deps.Docs, serverListKey, func(doc *ServerList) (bool, error) {
		for i := range doc.Entries {
			e := &doc.Entries[i]
			if p, ok := byKey[e.key()]; ok {
				e.Status = p.Status
				e.Detail = p.Detail
				e.LastUpdateTime = p.LastUpdateTime
				e.LeaseCount = p.LeaseCount
			}
		}
		doc.UpdatedAt = r.deps.Now()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("publish probe results: %w", err)
	}
	for _, e := range doc.Entries {
		metrics.ServerStatus.WithLabelValues(e.Cluster, e.ResolvedAddress).Set(float64(e.Status))
		metrics.ServerLeases.WithLabelValues(e.Cluster, e.ResolvedAddress).Set(float64(e.LeaseCount))
	}
	return nil
}

// SelectRequest identifies a caller. Previous, when set, is the address the caller used last and
// gets a much larger weight in the random choice.
type SelectRequest struct {
	Key        string
	Cluster    string
	Properties []string
	Previous   string
}

// SelectServer picks a server of the cluster for the caller.
func (r *Registry) SelectServer(ctx context.Context, req SelectRequest) (ServerEntry, error) {
	cluster, ok := r.deps.Topology.Cluster(req.Cluster)
	if !ok {
		return ServerEntry{}, fmt.Errorf("%w: %s", ErrUnknownCluster, req.Cluster)
	}
	configured := r.matchingServers(cluster, req.Properties)
	if len(configured) == 0 {
		metrics.Selections.WithLabelValues(req.Cluster, "none").Inc()
		return ServerEntry{}, fmt.Errorf("%w: cluster %s has no server for %v", ErrNoServerAvailable, req.Cluster, req.Properties)
	}

	candidates, err := r.knownCandidates(ctx, req.Cluster, configured)
	if err != nil {
		return ServerEntry{}, err
	}
	if len(candidates) == 0 {
		candidates = r.probeOnDemand(ctx, req.Cluster, configured)
	}
	candidates = filterByHealth(candidates)
	if len(candidates) == 0 {
		metrics.Selections.WithLabelValues(req.Cluster, "none").Inc()
		return ServerEntry{}, fmt.Errorf("%w: cluster %s", ErrNoServerAvailable, req.Cluster)
	}

	if req.Key != "" {
		addr, ok, err := r.deps.Sticky.Get(ctx, req.Key)
		if err != nil {
			log.Warn().Err(err).Str("key", req.Key).Msg("read sticky assignment")
		} else if ok {
			for _, c := range candidates {
				if c.ResolvedAddress == addr {
					metrics.Selections.WithLabelValues(req.Cluster, "sticky").Inc()
					return c, nil
				}
			}
		}
	}

	chosen := candidates[pickWeighted(weights(candidates, req.Previous), r.deps.IntN)]
	if req.Key != "" {
		if err := r.deps.Sticky.Set(ctx, req.Key, chosen.ResolvedAddress, r.deps.StickyTTL); err != nil {
			log.Warn().Err(err).Str("key", req.Key).Msg("store sticky assignment")
		}
	}
	metrics.Selections.WithLabelValues(req.Cluster, "weighted").Inc()
	return chosen, nil
}

// matchingServers returns the configured servers whose rules accept the caller, or the servers
// without any rule when none does.
func (r *Registry) matchingServers(cluster *config.ClusterConfig, props []string) []config.EdgeServerConfig {
	var matched, defaults []config.EdgeServerConfig
	for _, s := range cluster.Servers {
		if len(s.Properties) == 0 && s.Condition == "" {
			defaults = append(defaults, s)
			continue
		}
		if r.accepts(s, props) {
			matched = append(matched, s)
		}
	}
	if len(matched) > 0 {
		return matched
	}
	return defaults
}

func (r *Registry) accepts(s config.EdgeServerConfig, props []string) bool {
	have := make(map[string]bool, len(props))
	params := make(map[string]interface{}, len(props))
	for _, p := range props {
		have[p] = true
		if name, value, ok := strings.Cut(p, "="); ok {
			params[name] = value
		}
	}
	for _, p := range s.Properties {
		if !have[p] {
			return false
		}
	}
	if s.Condition == "" {
		return true
	}
	expr, err := r.expression(s.Condition)
	if err != nil {
		log.Warn().Err(err).Str("server", s.Address).Str("condition", s.Condition).Msg("invalid server condition")
		return false
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		// missing parameters mean the caller does not satisfy the condition
		return false
	}
	b, ok := result.(bool)
	return ok && b
}

func (r *Registry) expression(cond string) (*govaluate.EvaluableExpression, error) {
	r.exprMu.Lock()
	defer r.exprMu.Unlock()
	if e, ok := r.exprs[cond]; ok {
		return e, nil
	}
	e, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return nil, err
	}
	r.exprs[cond] = e
	return e, nil
}

func (r *Registry) knownCandidates(ctx context.Context, cluster string, configured []config.EdgeServerConfig) ([]ServerEntry, error) {
	entries, err := r.Servers(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(configured))
	for _, s := range configured {
		want[s.Address] = true
	}
	var out []ServerEntry
	for _, e := range entries {
		if e.Cluster == cluster && want[e.LogicalAddress] {
			out = append(out, e)
		}
	}
	return out, nil
}

// probeOnDemand resolves and probes configured servers the registry has not seen yet.
func (r *Registry) probeOnDemand(ctx context.Context, cluster string, configured []config.EdgeServerConfig) []ServerEntry {
	var out []ServerEntry
	for _, s := range configured {
		for _, e := range resolveServer(ctx, r.deps.Resolver, cluster, s) {
			e.Status, e.Detail = r.deps.Prober.ProbeHealth(ctx, e)
			e.LastUpdateTime = r.deps.Now()
			out = append(out, e)
		}
	}
	return out
}

// filterByHealth keeps the healthy candidates, or the unknown ones when nothing is healthy.
func filterByHealth(candidates []ServerEntry) []ServerEntry {
	var healthy, unknown []ServerEntry
	for _, c := range candidates {
		switch c.Status {
		case StatusHealthy:
			healthy = append(healthy, c)
		case StatusUnknown:
			unknown = append(unknown, c)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}
	return unknown
}

// weights favours servers with fewer leases and strongly favours the previous choice.
func weights(candidates []ServerEntry, previous string) []int {
	total := 0
	for _, c := range candidates {
		total += c.LeaseCount
	}
	out := make([]int, len(candidates))
	for i, c := range candidates {
		w := 20
		if previous != "" && c.ResolvedAddress == previous {
			w = 200
		}
		out[i] = w + total - c.LeaseCount
	}
	return out
}

func pickWeighted(w []int, intn func(int) int) int {
	sum := 0
	for _, x := range w {
		sum += x
	}
	n := intn(sum)
	for i, x := range w {
		if n < x {
			return i
		}
		n -= x
	}
	return len(w) - 1
}

// sortEntries orders entries for stable output.
func sortEntries(entries []ServerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Cluster != entries[j].Cluster {
			return entries[i].Cluster < entries[j].Cluster
		}
		return entries[i].ResolvedAddress < entries[j].ResolvedAddress
	})
}
