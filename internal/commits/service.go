package commits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/docstore"
	"github.com/qiniu/depotmirror/internal/notify"
	"github.com/qiniu/depotmirror/internal/vcs"
)

const (
	DefaultBatchSize        = 250
	DefaultSubscribeTimeout = 30 * time.Second
)

type Deps struct {
	Topology  *config.Topology
	Connector vcs.Connector
	Store     Store
	Docs      docstore.Store
	Hub       *notify.Hub
	Recheck   RecheckQueue
	Tags      []*Tag // defaults to DefaultTags

	BatchSize        int
	SubscribeTimeout time.Duration
}

// Service is the commit cache.
type Service struct {
	deps Deps

	mu   sync.Mutex
	defs map[string]*streamDef
}

// streamDef is the last fetched definition of a stream.
type streamDef struct {
	hash string
	view *vcs.StreamView
}

func NewService(deps Deps) *Service {
	if deps.Tags == nil {
		deps.Tags = DefaultTags()
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = DefaultBatchSize
	}
	if deps.SubscribeTimeout <= 0 {
		deps.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if deps.Recheck == nil {
		deps.Recheck = NewMemoryRecheckQueue()
	}
	return &Service{deps: deps, defs: map[string]*streamDef{}}
}

// State returns the cache bookkeeping of a cluster.
func (s *Service) State(ctx context.Context, cluster string) (*ClusterState, error) {
	if _, ok := s.deps.Topology.Cluster(cluster); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, cluster)
	}
	doc, _, err := docstore.Get[ClusterState](ctx, s.deps.Docs, stateKey(cluster))
	return doc, err
}

// RequestRecheck queues changes to be described again by the next poll of the cluster.
func (s *Service) RequestRecheck(ctx context.Context, cluster string, changes ...int) error {
	if _, ok := s.deps.Topology.Cluster(cluster); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCluster, cluster)
	}
	return s.deps.Recheck.Add(ctx, cluster, changes...)
}

func (s *Service) stream(id string) (*config.StreamConfig, error) {
	st, ok := s.deps.Topology.Stream(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	return st, nil
}

func (s *Service) connect(ctx context.Context, cluster string) (vcs.Conn, func(), error) {
	return s.deps.Connector.Connect(ctx, cluster, vcs.ConnectOptions{Key: "commits:" + cluster})
}

// definition returns the cached definition of a stream, fetching it on first use.
func (s *Service) definition(ctx context.Context, conn vcs.Conn, st *config.StreamConfig) (*streamDef, error) {
	s.mu.Lock()
	def, ok := s.defs[st.ID]
	s.mu.Unlock()
	if ok {
		return def, nil
	}
	return s.fetchDefinition(ctx, conn, st)
}

func (s *Service) fetchDefinition(ctx context.Context, conn vcs.Conn, st *config.StreamConfig) (*streamDef, error) {
	spec, err := conn.Stream(ctx, st.Name)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", st.Name, err)
	}
	view, err := vcs.NewStreamView(spec)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", st.Name, err)
	}
	def := &streamDef{hash: vcs.DefinitionHash(spec), view: view}
	s.mu.Lock()
	s.defs[st.ID] = def
	s.mu.Unlock()
	return def, nil
}
