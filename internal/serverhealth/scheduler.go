package serverhealth

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type SchedulerDeps struct {
	Registry *Registry
	Interval time.Duration
	// Parallel bounds concurrent probes in one tick, 0 for no bound.
	Parallel int
}

// StartScheduler refreshes the server list, lease counts and health every interval until ctx is
// done. Failures are logged and retried on the next tick.
func StartScheduler(ctx context.Context, deps SchedulerDeps) {
	if deps.Interval <= 0 {
		deps.Interval = 15 * time.Second
	}
	if err := RunOnce(ctx, deps.Registry, deps.Parallel); err != nil {
		log.Error().Err(err).Msg("server health refresh failed on startup")
	}
	t := time.NewTicker(deps.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := RunOnce(ctx, deps.Registry, deps.Parallel); err != nil {
				log.Error().Err(err).Msg("server health refresh failed")
			}
		}
	}
}

// RunOnce performs one refresh tick: resolve, count leases, probe every entry in parallel and
// publish once all probes have finished.
func RunOnce(ctx context.Context, r *Registry, parallel int) error {
	entries, err := r.RefreshServers(ctx)
	if err != nil {
		return err
	}
	if err := r.RefreshLeaseCounts(ctx, entries); err != nil {
		// counts from the previous tick stay in place
		log.Warn().Err(err).Msg("refresh lease counts")
	}

	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i := range entries {
		e := &entries[i]
		g.Go(func() error {
			e.Status, e.Detail = r.ProbeHealth(gctx, *e)
			e.LastUpdateTime = r.deps.Now()
			if e.Status != StatusHealthy {
				log.Info().Str("cluster", e.Cluster).Str("address", e.ResolvedAddress).
					Str("status", e.Status.String()).Str("detail", e.Detail).Msg("server not healthy")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Publish(ctx, entries)
}
