package serverhealth

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/vcs"
)

// Resolver looks up the addresses of a host name. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// resolveServer expands one configured server into zero or more entries. Numeric hosts and
// servers with DNS resolution disabled are used as is.
func resolveServer(ctx context.Context, r Resolver, cluster string, s config.EdgeServerConfig) []ServerEntry {
	base := ServerEntry{Cluster: cluster, LogicalAddress: s.Address, ResolvedAddress: s.Address, HealthCheckURL: s.HealthCheckURL}
	if !s.ShouldResolveDNS() || vcs.IsNumericHost(s.Address) {
		return []ServerEntry{base}
	}
	addrs, err := r.LookupHost(ctx, vcs.HostOf(s.Address))
	if err != nil {
		log.Warn().Err(err).Str("cluster", cluster).Str("address", s.Address).Msg("resolve server failed")
		return nil
	}
	sort.Strings(addrs)
	out := make([]ServerEntry, 0, len(addrs))
	seen := map[string]bool{}
	for _, a := range addrs {
		e := base
		e.ResolvedAddress = vcs.ReplaceHost(s.Address, a)
		if seen[e.ResolvedAddress] {
			continue
		}
		seen[e.ResolvedAddress] = true
		out = append(out, e)
	}
	return out
}

func resolveCluster(ctx context.Context, r Resolver, c config.ClusterConfig) []ServerEntry {
	var out []ServerEntry
	for _, s := range c.Servers {
		out = append(out, resolveServer(ctx, r, c.Name, s)...)
	}
	return out
}
