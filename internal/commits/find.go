package commits

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/docstore"
	"github.com/qiniu/depotmirror/internal/metrics"
	"github.com/qiniu/depotmirror/internal/vcs"
)

const (
	cachePageSize      = 100
	vcsPageSize        = 100
	subscribePageSize  = 10
	maxSubscribeWindow = 1000
)

// errStopped ends a scan once the consumer stopped or the result budget ran out.
var errStopped = errors.New("commits: iteration stopped")

// FindCommits lists the commits of a stream in strictly descending change order. The sequence
// is lazy: it only talks to the cache or the VCS as the consumer pulls records.
//
// Phases, from the top of the range down:
//   - above the cache maximum, only when MaxChange asks for it: uncached VCS query
//   - [floor, maximum]: cache query with the tag predicate
//   - below the floor: VCS query whose results are cached, lowering the floor when no other
//     writer moved it meanwhile
//   - anything still left: uncached VCS query
func (s *Service) FindCommits(ctx context.Context, streamID string, opts FindOptions) iter.Seq2[*CommitRecord, error] {
	return func(yield func(*CommitRecord, error) bool) {
		f := &finder{s: s, ctx: ctx, opts: opts, yield: yield}
		defer f.close()
		if err := f.run(streamID); err != nil && !errors.Is(err, errStopped) {
			yield(nil, err)
		}
	}
}

type finder struct {
	s     *Service
	ctx   context.Context
	opts  FindOptions
	yield func(*CommitRecord, error) bool

	stream  *config.StreamConfig
	conn    vcs.Conn
	release func()
	def     *streamDef
	emitted int
}

func (f *finder) close() {
	if f.release != nil {
		f.release()
	}
}

func (f *finder) done() bool {
	return f.opts.MaxResults > 0 && f.emitted >= f.opts.MaxResults
}

func (f *finder) emit(r *CommitRecord, source string) error {
	metrics.CommitQueries.WithLabelValues(source).Inc()
	f.emitted++
	if !f.yield(r, nil) || f.done() {
		return errStopped
	}
	return nil
}

func (f *finder) run(streamID string) error {
	st, err := f.s.stream(streamID)
	if err != nil {
		return err
	}
	f.stream = st
	state, _, err := docstore.Get[ClusterState](f.ctx, f.s.deps.Docs, stateKey(st.Cluster))
	if err != nil {
		return err
	}

	lo := max(f.opts.MinChange, 1)
	if state.MaxReplicatedChange == 0 {
		// cluster never polled
		return f.direct(lo, f.opts.MaxChange)
	}
	hi := f.opts.MaxChange
	if hi == 0 {
		hi = state.MaxReplicatedChange
	}
	if hi < lo {
		return nil
	}
	if hi > state.MaxReplicatedChange {
		if err := f.direct(max(lo, state.MaxReplicatedChange+1), hi); err != nil {
			return err
		}
		hi = state.MaxReplicatedChange
	}

	floor := state.floor(streamID)
	if err := f.cached(max(lo, floor), hi); err != nil {
		return err
	}
	hi = min(hi, floor-1)
	if hi < lo {
		return nil
	}

	if _, ok := state.Streams[streamID]; ok {
		reached, err := f.backfill(lo, hi, floor)
		if err != nil {
			return err
		}
		hi = reached - 1
	}
	if hi < lo {
		return nil
	}
	return f.direct(lo, hi)
}

func (f *finder) cached(lo, hi int) error {
	top := hi
	for top >= lo {
		limit := cachePageSize
		if f.opts.MaxResults > 0 {
			limit = min(limit, f.opts.MaxResults-f.emitted)
		}
		recs, err := f.s.deps.Store.Find(f.ctx, Query{
			StreamID:  f.stream.ID,
			MinChange: lo,
			MaxChange: top,
			Tags:      f.opts.Tags,
			Limit:     limit,
		})
		if err != nil {
			return fmt.Errorf("query cache: %w", err)
		}
		for _, r := range recs {
			if err := f.emit(r, "cache"); err != nil {
				return err
			}
		}
		if len(recs) < limit {
			return nil
		}
		top = recs[len(recs)-1].Change - 1
	}
	return nil
}

// backfill walks the VCS below the floor, caching every record it builds. It returns the lowest
// change down to which the range is now walked. The floor only moves when the walk started right
// below it.
func (f *finder) backfill(lo, hi, observed int) (int, error) {
	lowest := observed
	err := f.scan(lo, hi, func(change int, rec *CommitRecord) error {
		if rec != nil {
			if err := f.s.deps.Store.Upsert(f.ctx, rec); err != nil {
				return fmt.Errorf("cache commit %d: %w", change, err)
			}
		}
		lowest = change
		if rec != nil && rec.HasAnyTag(f.opts.Tags) {
			return f.emit(rec, "backfill")
		}
		return nil
	})
	if err == nil {
		lowest = lo
	}
	if hi == observed-1 && lowest < observed {
		if lerr := f.lowerFloor(observed, lowest); lerr != nil && err == nil {
			err = lerr
		}
	}
	return lowest, err
}

// lowerFloor moves the stream floor from observed down to boundary. The update is skipped when
// the floor no longer equals observed: another caller lowered it further or the stream was reset.
func (f *finder) lowerFloor(observed, boundary int) error {
	_, err := docstore.Update(context.WithoutCancel(f.ctx), f.s.deps.Docs, stateKey(f.stream.Cluster), func(doc *ClusterState) (bool, error) {
		ss, ok := doc.Streams[f.stream.ID]
		if !ok || ss.MinReplicatedChange != observed || boundary >= ss.MinReplicatedChange {
			return false, nil
		}
		ss.MinReplicatedChange = boundary
		return true, nil
	})
	return err
}

func (f *finder) direct(lo, hi int) error {
	return f.scan(lo, hi, func(change int, rec *CommitRecord) error {
		if rec == nil || !rec.HasAnyTag(f.opts.Tags) {
			return nil
		}
		return f.emit(rec, "direct")
	})
}

// scan describes the changes touching any depot path of the stream view in [lo, hi], newest
// first; hi 0 means no upper bound. fn gets a nil record for changes with nothing visible in the
// stream.
func (f *finder) scan(lo, hi int, fn func(change int, rec *CommitRecord) error) error {
	if err := f.connect(); err != nil {
		return err
	}
	top := hi
	for {
		if err := f.ctx.Err(); err != nil {
			return err
		}
		changes, err := f.conn.Changes(f.ctx, vcs.ChangesQuery{
			Paths: f.def.view.View.DepotPaths(),
			Min:   lo,
			Max:   top,
			Limit: vcsPageSize,
		})
		if err != nil && !vcs.IsEmpty(err) {
			return fmt.Errorf("list changes: %w", err)
		}
		for _, c := range changes {
			if c.Number < lo || (top > 0 && c.Number > top) {
				continue
			}
			desc, err := f.conn.Describe(f.ctx, c.Number)
			if vcs.IsEmpty(err) {
				if err := fn(c.Number, nil); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("describe %d: %w", c.Number, err)
			}
			if err := fn(c.Number, buildRecord(f.stream.ID, f.def.view, f.s.deps.Tags, desc)); err != nil {
				return err
			}
		}
		if len(changes) < vcsPageSize {
			return nil
		}
		top = changes[len(changes)-1].Number - 1
		if top < lo {
			return nil
		}
	}
}

func (f *finder) connect() error {
	if f.conn != nil {
		return nil
	}
	conn, release, err := f.s.connect(f.ctx, f.stream.Cluster)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	def, err := f.s.definition(f.ctx, conn, f.stream)
	if err != nil {
		release()
		return err
	}
	f.conn, f.release, f.def = conn, release, def
	return nil
}

// SubscribeCommits yields the commits of a stream after afterChange in ascending order, forever.
// Cached commits come from the store ten at a time. Below the cache floor the VCS is walked in
// bounded windows of change numbers, oldest window first, so nothing is buffered beyond one
// window. Once caught up it waits for a stream notification or the subscribe timeout before
// looking again. Cancelling ctx ends the sequence with ctx's error.
func (s *Service) SubscribeCommits(ctx context.Context, streamID string, afterChange int, tags []string) iter.Seq2[*CommitRecord, error] {
	return func(yield func(*CommitRecord, error) bool) {
		sub := &subscription{s: s, ctx: ctx, streamID: streamID, after: afterChange, tags: tags, window: subscribePageSize}
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, more, err := sub.next()
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if more {
				continue
			}
			if _, err := s.deps.Hub.Wait(ctx, streamID, s.deps.SubscribeTimeout); err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

type subscription struct {
	s        *Service
	ctx      context.Context
	streamID string
	tags     []string
	after    int
	window   int
}

// next returns the commits following after in ascending order and moves after past them. more
// reports that further commits may be available without waiting.
func (w *subscription) next() ([]*CommitRecord, bool, error) {
	st, err := w.s.stream(w.streamID)
	if err != nil {
		return nil, false, err
	}
	state, _, err := docstore.Get[ClusterState](w.ctx, w.s.deps.Docs, stateKey(st.Cluster))
	if err != nil {
		return nil, false, err
	}

	if floor := state.floor(w.streamID); w.after+1 < floor {
		hi := min(w.after+w.window, floor-1)
		var page []*CommitRecord
		for rec, err := range w.s.FindCommits(w.ctx, w.streamID, FindOptions{MinChange: w.after + 1, MaxChange: hi, Tags: w.tags}) {
			if err != nil {
				return nil, false, err
			}
			page = append(page, rec)
		}
		for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
			page[i], page[j] = page[j], page[i]
		}
		// sparse history widens the window, a hit shrinks it back
		if len(page) == 0 {
			w.window = min(w.window*2, maxSubscribeWindow)
		} else {
			w.window = subscribePageSize
		}
		w.after = hi
		return page, true, nil
	}

	recs, err := w.s.deps.Store.Find(w.ctx, Query{
		StreamID:  w.streamID,
		MinChange: w.after + 1,
		MaxChange: state.MaxReplicatedChange,
		Tags:      w.tags,
		Limit:     subscribePageSize,
		Ascending: true,
	})
	if err != nil {
		return nil, false, fmt.Errorf("query cache: %w", err)
	}
	if len(recs) > 0 {
		w.after = recs[len(recs)-1].Change
	}
	return recs, len(recs) == subscribePageSize, nil
}

// NextCommit returns the first commit of a stream after a change, or nil when there is none yet.
func (s *Service) NextCommit(ctx context.Context, streamID string, after int, tags []string) (*CommitRecord, error) {
	st, err := s.stream(streamID)
	if err != nil {
		return nil, err
	}
	state, _, err := docstore.Get[ClusterState](ctx, s.deps.Docs, stateKey(st.Cluster))
	if err != nil {
		return nil, err
	}
	if floor := state.floor(streamID); after+1 < floor {
		// the range below the floor is not cached yet; walking it backfills the cache
		var next *CommitRecord
		for rec, err := range s.FindCommits(ctx, streamID, FindOptions{MinChange: after + 1, MaxChange: floor - 1, Tags: tags}) {
			if err != nil {
				return nil, err
			}
			next = rec
		}
		if next != nil {
			return next, nil
		}
	}
	recs, err := s.deps.Store.Find(ctx, Query{
		StreamID:  streamID,
		MinChange: after + 1,
		MaxChange: state.MaxReplicatedChange,
		Tags:      tags,
		Limit:     1,
		Ascending: true,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// LatestCommit returns the newest commit of a stream carrying any of tags, or nil when there is none.
func (s *Service) LatestCommit(ctx context.Context, streamID string, tags []string) (*CommitRecord, error) {
	for rec, err := range s.FindCommits(ctx, streamID, FindOptions{MaxResults: 1, Tags: tags}) {
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}
