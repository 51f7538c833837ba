package serverhealth

import (
	"context"
	"fmt"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/vcs"
)

// ConnectionProvider hands out pooled connections to a server picked by the registry, logged in as
// the cluster's service account.
type ConnectionProvider struct {
	Registry *Registry
	Pool     *vcs.Pool
	Topology *config.Topology
}

func NewConnectionProvider(registry *Registry, pool *vcs.Pool, topology *config.Topology) *ConnectionProvider {
	return &ConnectionProvider{Registry: registry, Pool: pool, Topology: topology}
}

func (p *ConnectionProvider) Connect(ctx context.Context, cluster string, opts vcs.ConnectOptions) (vcs.Conn, func(), error) {
	c, ok := p.Topology.Cluster(cluster)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCluster, cluster)
	}
	if c.ServiceAccount == "" {
		return nil, nil, fmt.Errorf("%w: %s", vcs.ErrNoCredentials, cluster)
	}
	key := opts.Key
	if key == "" {
		key = "depotmirror:" + cluster
	}
	entry, err := p.Registry.SelectServer(ctx, SelectRequest{Key: key, Cluster: cluster, Properties: opts.Properties})
	if err != nil {
		return nil, nil, err
	}
	return p.Pool.Acquire(ctx, vcs.PoolKey{
		Cluster: cluster,
		Server:  entry.ResolvedAddress,
		User:    c.ServiceAccount,
		Client:  opts.Client,
	}, c.Password)
}
