package replicator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/metrics"
	"github.com/qiniu/depotmirror/internal/objstore"
	"github.com/qiniu/depotmirror/internal/vcs"
)

type Deps struct {
	Topology      *config.Topology
	Connector     vcs.Connector
	Store         objstore.Store
	WorkspaceRoot string
	ClientPrefix  string
	BatchBytes    int64
	ChunkSize     int
	MaxConcurrent int
}

// Replicator copies stream commits into the object store. One replication runs per stream at a
// time and at most MaxConcurrent run overall.
type Replicator struct {
	deps   Deps
	global *semaphore.Weighted

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
	have  map[string]int // workspace client -> change it is flushed to
}

func New(deps Deps) *Replicator {
	if deps.BatchBytes <= 0 {
		deps.BatchBytes = 1 << 30
	}
	if deps.ChunkSize <= 0 {
		deps.ChunkSize = objstore.DefaultChunkSize
	}
	if deps.MaxConcurrent <= 0 {
		deps.MaxConcurrent = 2
	}
	if deps.ClientPrefix == "" {
		deps.ClientPrefix = "depotmirror"
	}
	return &Replicator{
		deps:   deps,
		global: semaphore.NewWeighted(int64(deps.MaxConcurrent)),
		locks:  map[string]*semaphore.Weighted{},
		have:   map[string]int{},
	}
}

func (r *Replicator) lock(streamID string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[streamID]
	if !ok {
		l = semaphore.NewWeighted(1)
		r.locks[streamID] = l
	}
	return l
}

func (r *Replicator) flushedTo(client string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	change, ok := r.have[client]
	return change, ok
}

func (r *Replicator) setFlushed(client string, change int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.have[client] = change
}

func (r *Replicator) forget(client string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.have, client)
}

func (r *Replicator) clientName(streamID string) string {
	return r.deps.ClientPrefix + "-" + streamID
}

// Replicate mirrors the content of change in a stream and returns the ref of its commit node.
// A change that is already replicated returns its existing node. An interrupted run leaves a
// cursor behind that the next call for the same change resumes from.
func (r *Replicator) Replicate(ctx context.Context, streamID string, change int) (objstore.Ref, error) {
	st, ok := r.deps.Topology.Stream(streamID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	lock := r.lock(streamID)
	if err := lock.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer lock.Release(1)
	if err := r.global.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.global.Release(1)

	j := &job{
		r:       r,
		stream:  st,
		target:  change,
		client:  r.clientName(streamID),
		attempt: uuid.NewString(),
	}
	start := time.Now()
	ref, err := j.run(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		var re *Error
		if errors.As(err, &re) {
			metrics.ReplicationFailures.WithLabelValues(streamID, string(re.Stage)).Inc()
		}
		log.Error().Err(err).Str("stream", streamID).Int("change", change).Str("attempt", j.attempt).Msg("replication failed")
	}
	metrics.ReplicationDuration.WithLabelValues(streamID, result).Observe(time.Since(start).Seconds())
	return ref, err
}

// base is where a replication starts from.
type base struct {
	ref        objstore.Ref // parent commit node, zero for the first commit
	node       *CommitNode
	headChange int
	existing   objstore.Ref // set when the target is already replicated
}

func (b *base) change() int {
	if b.node == nil {
		return 0
	}
	return b.node.Change
}

func (b *base) root() objstore.Ref {
	if b.node == nil {
		return ""
	}
	return b.node.Root
}

type job struct {
	r       *Replicator
	stream  *config.StreamConfig
	target  int
	client  string
	attempt string
}

func (j *job) fail(stage Stage, err error) error {
	return &Error{Stream: j.stream.ID, Change: j.target, Stage: stage, Err: err}
}

func (j *job) run(ctx context.Context) (objstore.Ref, error) {
	store := j.r.deps.Store
	b, err := j.locateBase(ctx)
	if err != nil {
		return "", j.fail(StageLocateBase, err)
	}
	if !b.existing.IsZero() {
		return b.existing, nil
	}
	cur, err := j.loadCursor(ctx, b)
	if err != nil {
		return "", j.fail(StageCheckpoint, err)
	}
	logger := log.With().Str("stream", j.stream.ID).Int("change", j.target).Int("parent", b.change()).
		Str("attempt", j.attempt).Str("cursor", cur.AttemptID).Logger()

	conn, release, err := j.r.deps.Connector.Connect(ctx, j.stream.Cluster, vcs.ConnectOptions{
		Key:    "replicator:" + j.stream.Cluster,
		Client: j.client,
	})
	if err != nil {
		return "", j.fail(StageConnect, err)
	}
	defer release()
	if err := conn.EnsureClient(ctx, vcs.ClientSpec{
		Name:   j.client,
		Stream: j.stream.Name,
		Root:   filepath.Join(j.r.deps.WorkspaceRoot, j.client),
	}); err != nil {
		return "", j.fail(StageConnect, err)
	}

	if flushed, ok := j.r.flushedTo(j.client); !ok || flushed != b.change() {
		if err := conn.SyncHave(ctx, j.client, nil, b.change()); err != nil {
			return "", j.fail(StageFlush, err)
		}
	}
	// the workspace state is unknown until this run succeeds
	j.r.forget(j.client)

	if len(cur.CoveredPrefixes) > 0 {
		if err := conn.SyncHave(ctx, j.client, cur.CoveredPrefixes, j.target); err != nil && !vcs.IsEmpty(err) {
			return "", j.fail(StageReplay, err)
		}
	}

	files, err := conn.Preview(ctx, j.client, j.target)
	if err != nil && !vcs.IsEmpty(err) {
		return "", j.fail(StagePreview, err)
	}
	idx := buildIndex(files)
	tree := objstore.NewTreeBuilder(store, cur.ContentTreeRef)
	h := &eventHandler{ctx: ctx, store: store, tree: tree, sizes: idx.sizes, chunkSize: j.r.deps.ChunkSize}
	done := map[string]bool{}
	batches := planBatches(idx.buckets(), j.r.deps.BatchBytes)
	logger.Info().Int("files", len(files)).Int("batches", len(batches)).Int("covered", len(cur.CoveredPrefixes)).Msg("replicating change")

	for n, batch := range batches {
		paths := make([]string, len(batch))
		for i, bk := range batch {
			paths[i] = filesPrefix(bk.dir)
		}
		if err := conn.Sync(ctx, j.client, paths, j.target, h.handle); err != nil && !vcs.IsEmpty(err) {
			return "", j.fail(StageSync, err)
		}
		if h.cur != nil {
			return "", j.fail(StageSync, fmt.Errorf("%w: %s never closed", ErrMalformedEvent, h.cur.path))
		}
		if err := h.apply(); err != nil {
			return "", j.fail(StageCheckpoint, err)
		}
		root, err := tree.Write(ctx)
		if err != nil {
			return "", j.fail(StageCheckpoint, err)
		}
		for _, bk := range batch {
			done[bk.dir] = true
		}
		cur.ContentTreeRef = root
		cur.CoveredPrefixes = collapse(cur.CoveredPrefixes, idx, done)
		if err := j.checkpoint(ctx, cur); err != nil {
			return "", j.fail(StageCheckpoint, err)
		}
		metrics.ReplicatedBytes.WithLabelValues(j.stream.ID).Add(float64(h.bytes))
		metrics.ReplicatedFiles.WithLabelValues(j.stream.ID).Add(float64(h.files))
		logger.Debug().Int("batch", n+1).Strs("paths", paths).Int64("bytes", h.bytes).Int("files", h.files).Msg("batch synced")
		h.bytes, h.files = 0, 0
	}

	ref, err := j.finalize(ctx, conn, b, tree)
	if err != nil {
		return "", j.fail(StageFinalize, err)
	}
	j.r.setFlushed(j.client, j.target)
	logger.Info().Str("ref", string(ref)).Msg("change replicated")
	return ref, nil
}

// locateBase walks the stream's commit chain down from the head to the newest node at or below
// the target.
func (j *job) locateBase(ctx context.Context) (*base, error) {
	store := j.r.deps.Store
	b := &base{}
	ref, err := store.ReadRef(ctx, headRef(j.stream.ID))
	if errors.Is(err, objstore.ErrNotFound) {
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	first := true
	for !ref.IsZero() {
		var node CommitNode
		if err := objstore.ReadObject(ctx, store, ref, objstore.KindCommit, &node); err != nil {
			if errors.Is(err, objstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: commit node %s", ErrMissingContent, ref)
			}
			return nil, err
		}
		if first {
			b.headChange = node.Change
			first = false
		}
		if node.Change == j.target {
			b.existing = ref
			return b, nil
		}
		if node.Change < j.target {
			b.ref, b.node = ref, &node
			return b, nil
		}
		ref = node.Parent
	}
	return b, nil
}

// loadCursor resumes the stored cursor when it was written for the same target and parent, and
// starts a fresh one from the parent's tree otherwise.
func (j *job) loadCursor(ctx context.Context, b *base) (*SyncCursor, error) {
	var cur SyncCursor
	_, err := objstore.ReadRefObject(ctx, j.r.deps.Store, cursorRef(j.stream.ID), objstore.KindCursor, &cur)
	switch {
	case errors.Is(err, objstore.ErrNotFound):
	case err != nil:
		return nil, err
	case cur.TargetChange == j.target && cur.ParentChange == b.change():
		log.Info().Str("stream", j.stream.ID).Int("change", j.target).Str("cursor", cur.AttemptID).
			Strs("covered", cur.CoveredPrefixes).Msg("resuming replication")
		return &cur, nil
	default:
		log.Info().Str("stream", j.stream.ID).Int("change", j.target).Int("staleTarget", cur.TargetChange).
			Int("staleParent", cur.ParentChange).Msg("discarding stale replication cursor")
	}
	return &SyncCursor{
		AttemptID:      j.attempt,
		TargetChange:   j.target,
		ParentChange:   b.change(),
		ContentTreeRef: b.root(),
	}, nil
}

func (j *job) checkpoint(ctx context.Context, cur *SyncCursor) error {
	ref, err := objstore.WriteObject(ctx, j.r.deps.Store, objstore.KindCursor, cur)
	if err != nil {
		return err
	}
	return j.r.deps.Store.WriteRef(ctx, cursorRef(j.stream.ID), ref)
}

func (j *job) finalize(ctx context.Context, conn vcs.Conn, b *base, tree *objstore.TreeBuilder) (objstore.Ref, error) {
	store := j.r.deps.Store
	root, err := tree.Write(ctx)
	if err != nil {
		return "", err
	}
	desc, err := conn.Describe(ctx, j.target)
	if err != nil {
		return "", fmt.Errorf("describe %d: %w", j.target, err)
	}
	ref, err := objstore.WriteObject(ctx, store, objstore.KindCommit, CommitNode{
		Change:      j.target,
		Parent:      b.ref,
		Author:      desc.User,
		Description: desc.Description,
		Time:        desc.Time.UTC(),
		Root:        root,
	})
	if err != nil {
		return "", err
	}
	if j.target > b.headChange {
		if err := store.WriteRef(ctx, headRef(j.stream.ID), ref); err != nil {
			return "", err
		}
	}
	if err := store.DeleteRef(ctx, cursorRef(j.stream.ID)); err != nil {
		return "", err
	}
	return ref, nil
}

// Head returns the newest replicated commit of a stream, or nil when nothing is replicated yet.
func (r *Replicator) Head(ctx context.Context, streamID string) (*CommitNode, objstore.Ref, error) {
	var node CommitNode
	ref, err := objstore.ReadRefObject(ctx, r.deps.Store, headRef(streamID), objstore.KindCommit, &node)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &node, ref, nil
}

// Commit finds the replicated node of change on the stream's head chain.
func (r *Replicator) Commit(ctx context.Context, streamID string, change int) (*CommitNode, error) {
	node, _, err := r.Head(ctx, streamID)
	if err != nil {
		return nil, err
	}
	for node != nil && node.Change > change {
		if node.Parent.IsZero() {
			break
		}
		var parent CommitNode
		if err := objstore.ReadObject(ctx, r.deps.Store, node.Parent, objstore.KindCommit, &parent); err != nil {
			return nil, err
		}
		node = &parent
	}
	if node == nil || node.Change != change {
		return nil, fmt.Errorf("%s@%d: %w", streamID, change, objstore.ErrNotFound)
	}
	return node, nil
}

// Files lists the replicated tree of a change.
func (r *Replicator) Files(ctx context.Context, streamID string, change int) (map[string]objstore.FileEntry, error) {
	node, err := r.Commit(ctx, streamID, change)
	if err != nil {
		return nil, err
	}
	return objstore.ListTree(ctx, r.deps.Store, node.Root)
}
