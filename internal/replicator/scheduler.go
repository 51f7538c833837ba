package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/depotmirror/internal/commits"
)

// CommitSource finds the commits to replicate.
type CommitSource interface {
	NextCommit(ctx context.Context, streamID string, after int, tags []string) (*commits.CommitRecord, error)
	LatestCommit(ctx context.Context, streamID string, tags []string) (*commits.CommitRecord, error)
}

type SchedulerDeps struct {
	Replicator *Replicator
	Commits    CommitSource
	Interval   time.Duration
}

// streamState tracks the retry backoff of one stream.
type streamState struct {
	running   bool
	retry     backoff.BackOff
	notBefore time.Time
}

// StartScheduler replicates the next commit of every replicated stream on each tick. A stream
// that fails is retried with exponential backoff. It blocks until ctx is done.
func StartScheduler(ctx context.Context, deps SchedulerDeps) {
	if deps.Interval <= 0 {
		deps.Interval = 10 * time.Second
	}
	s := &scheduler{deps: deps, streams: map[string]*streamState{}}
	ticker := time.NewTicker(deps.Interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
		}
	}
}

type scheduler struct {
	deps    SchedulerDeps
	mu      sync.Mutex
	wg      sync.WaitGroup
	streams map[string]*streamState
}

func (s *scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, st := range s.deps.Replicator.deps.Topology.Streams {
		if !st.Replicate {
			continue
		}
		id := st.ID
		tags := st.ReplicateTags
		s.mu.Lock()
		ss, ok := s.streams[id]
		if !ok {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			b.MaxInterval = 10 * time.Minute
			ss = &streamState{retry: b}
			s.streams[id] = ss
		}
		if ss.running || now.Before(ss.notBefore) {
			s.mu.Unlock()
			continue
		}
		ss.running = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.replicateNext(ctx, id, tags)
			s.mu.Lock()
			defer s.mu.Unlock()
			ss.running = false
			if err != nil && ctx.Err() == nil {
				wait := ss.retry.NextBackOff()
				ss.notBefore = time.Now().Add(wait)
				log.Warn().Err(err).Str("stream", id).Dur("retryIn", wait).Msg("replication will be retried")
				return
			}
			ss.retry.Reset()
			ss.notBefore = time.Time{}
		}()
	}
}

// replicateNext replicates the first commit after the stream's head. A stream with nothing
// replicated starts from its latest commit.
func (s *scheduler) replicateNext(ctx context.Context, streamID string, tags []string) error {
	r := s.deps.Replicator
	head, _, err := r.Head(ctx, streamID)
	if err != nil {
		return err
	}
	var next *commits.CommitRecord
	if head == nil {
		next, err = s.deps.Commits.LatestCommit(ctx, streamID, tags)
	} else {
		next, err = s.deps.Commits.NextCommit(ctx, streamID, head.Change, tags)
	}
	if err != nil || next == nil {
		return err
	}
	_, err = r.Replicate(ctx, streamID, next.Change)
	return err
}
