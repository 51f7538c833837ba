package commits

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/docstore"
	"github.com/qiniu/depotmirror/internal/metrics"
	"github.com/qiniu/depotmirror/internal/vcs"
)

// PollCluster caches the changes submitted since the last poll plus any queued rechecks, then
// notifies subscribers of every stream that got new records.
//
// When a poll returns a full batch the changes between the previous maximum and the oldest change
// of the batch were skipped. The cluster is flagged and every stream floor moves up to the oldest
// change of the batch; FindCommits backfills below the floor on demand.
func (s *Service) PollCluster(ctx context.Context, cluster string) error {
	if _, ok := s.deps.Topology.Cluster(cluster); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCluster, cluster)
	}
	streams := s.deps.Topology.StreamsOf(cluster)
	if len(streams) == 0 {
		return nil
	}
	state, _, err := docstore.Get[ClusterState](ctx, s.deps.Docs, stateKey(cluster))
	if err != nil {
		return err
	}

	conn, release, err := s.connect(ctx, cluster)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer release()

	changes, err := conn.Changes(ctx, vcs.ChangesQuery{Min: state.MaxReplicatedChange + 1, Limit: s.deps.BatchSize})
	if err != nil && !vcs.IsEmpty(err) {
		return fmt.Errorf("list changes: %w", err)
	}
	rechecks, err := s.deps.Recheck.Drain(ctx, cluster, s.deps.BatchSize)
	if err != nil {
		log.Warn().Err(err).Str("cluster", cluster).Msg("drain recheck queue")
		rechecks = nil
	}
	requeue := func() {
		if len(rechecks) == 0 {
			return
		}
		if err := s.deps.Recheck.Add(context.WithoutCancel(ctx), cluster, rechecks...); err != nil {
			log.Error().Err(err).Str("cluster", cluster).Ints("changes", rechecks).Msg("requeue rechecks")
		}
	}

	numbers := map[int]bool{}
	newMax, oldest := state.MaxReplicatedChange, 0
	for _, c := range changes {
		numbers[c.Number] = true
		if c.Number > newMax {
			newMax = c.Number
		}
		if oldest == 0 || c.Number < oldest {
			oldest = c.Number
		}
	}
	for _, c := range rechecks {
		numbers[c] = true
	}
	if len(numbers) == 0 {
		return nil
	}
	ordered := make([]int, 0, len(numbers))
	for n := range numbers {
		ordered = append(ordered, n)
	}
	sort.Ints(ordered)

	defs := make(map[string]*streamDef, len(streams))
	for i := range streams {
		st := &streams[i]
		def, err := s.definition(ctx, conn, st)
		if vcs.IsEmpty(err) {
			log.Warn().Err(err).Str("stream", st.ID).Msg("stream not found, skipping")
			continue
		}
		if err != nil {
			requeue()
			return err
		}
		defs[st.ID] = def
	}

	var records []*CommitRecord
	affected := map[string]bool{}
	for _, n := range ordered {
		if err := ctx.Err(); err != nil {
			requeue()
			return err
		}
		desc, err := conn.Describe(ctx, n)
		if vcs.IsEmpty(err) {
			log.Debug().Str("cluster", cluster).Int("change", n).Msg("change vanished, skipping")
			continue
		}
		if err != nil {
			requeue()
			return fmt.Errorf("describe %d: %w", n, err)
		}
		for _, st := range streams {
			def, ok := defs[st.ID]
			if !ok {
				continue
			}
			if rec := buildRecord(st.ID, def.view, s.deps.Tags, desc); rec != nil {
				records = append(records, rec)
				affected[st.ID] = true
			}
		}
	}
	if err := s.deps.Store.Upsert(ctx, records...); err != nil {
		requeue()
		return fmt.Errorf("store commits: %w", err)
	}

	full := len(changes) >= s.deps.BatchSize
	_, err = docstore.Update(ctx, s.deps.Docs, stateKey(cluster), func(doc *ClusterState) (bool, error) {
		if doc.Streams == nil {
			doc.Streams = map[string]*StreamState{}
		}
		for _, st := range streams {
			if _, ok := doc.Streams[st.ID]; !ok {
				doc.Streams[st.ID] = &StreamState{MinReplicatedChange: doc.MaxReplicatedChange + 1}
			}
		}
		if newMax > doc.MaxReplicatedChange {
			doc.MaxReplicatedChange = newMax
		}
		if full {
			doc.SkippedHistory = true
			for _, ss := range doc.Streams {
				if ss.MinReplicatedChange < oldest {
					ss.MinReplicatedChange = oldest
				}
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("update cluster state: %w", err)
	}

	metrics.PollChanges.WithLabelValues(cluster).Add(float64(len(ordered)))
	if full {
		metrics.SkippedHistory.WithLabelValues(cluster).Inc()
		log.Warn().Str("cluster", cluster).Int("from", state.MaxReplicatedChange+1).Int("to", oldest-1).
			Msg("poll batch full, history below the batch is left to backfill")
	}
	for id := range affected {
		if err := s.deps.Hub.Notify(ctx, id); err != nil {
			log.Warn().Err(err).Str("stream", id).Msg("notify stream updated")
		}
	}
	log.Debug().Str("cluster", cluster).Int("changes", len(ordered)).Int("records", len(records)).
		Int("max", newMax).Msg("polled cluster")
	return nil
}

// ReconcileStreamDefinitions refetches every stream definition. A stream whose view or change
// view changed keeps its cached rows but restarts its contiguous range above the current maximum.
func (s *Service) ReconcileStreamDefinitions(ctx context.Context) error {
	var errs []error
	for _, c := range s.deps.Topology.Clusters {
		streams := s.deps.Topology.StreamsOf(c.Name)
		if len(streams) == 0 {
			continue
		}
		if err := s.reconcileCluster(ctx, c.Name, streams); err != nil {
			errs = append(errs, fmt.Errorf("cluster %s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) reconcileCluster(ctx context.Context, cluster string, streams []config.StreamConfig) error {
	conn, release, err := s.connect(ctx, cluster)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer release()

	hashes := map[string]string{}
	for i := range streams {
		st := &streams[i]
		def, err := s.fetchDefinition(ctx, conn, st)
		if vcs.IsEmpty(err) {
			log.Warn().Err(err).Str("stream", st.ID).Msg("stream not found")
			continue
		}
		if err != nil {
			return err
		}
		hashes[st.ID] = def.hash
	}

	_, err = docstore.Update(ctx, s.deps.Docs, stateKey(cluster), func(doc *ClusterState) (bool, error) {
		if doc.Streams == nil {
			doc.Streams = map[string]*StreamState{}
		}
		changed := false
		for id, h := range hashes {
			ss, ok := doc.Streams[id]
			switch {
			case !ok:
				doc.Streams[id] = &StreamState{DefinitionHash: h, MinReplicatedChange: doc.MaxReplicatedChange + 1}
				changed = true
			case ss.DefinitionHash == "":
				ss.DefinitionHash = h
				changed = true
			case ss.DefinitionHash != h:
				log.Info().Str("stream", id).Int("floor", doc.MaxReplicatedChange+1).Msg("stream definition changed, resetting cache floor")
				ss.DefinitionHash = h
				ss.MinReplicatedChange = doc.MaxReplicatedChange + 1
				changed = true
			}
		}
		return changed, nil
	})
	return err
}
