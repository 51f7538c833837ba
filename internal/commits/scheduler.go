package commits

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/depotmirror/internal/metrics"
)

type SchedulerDeps struct {
	Service           *Service
	PollInterval      time.Duration
	ReconcileInterval time.Duration
}

// StartScheduler runs the definition reconcile loop and one poll loop per cluster with streams.
// It blocks until ctx is done.
func StartScheduler(ctx context.Context, deps SchedulerDeps) {
	if deps.PollInterval <= 0 {
		deps.PollInterval = 2 * time.Second
	}
	if deps.ReconcileInterval <= 0 {
		deps.ReconcileInterval = 30 * time.Second
	}
	svc := deps.Service
	if err := svc.ReconcileStreamDefinitions(ctx); err != nil {
		log.Error().Err(err).Msg("initial stream definition reconcile failed")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runEvery(ctx, deps.ReconcileInterval, func(ctx context.Context) {
			if err := svc.ReconcileStreamDefinitions(ctx); err != nil {
				log.Error().Err(err).Msg("reconcile stream definitions failed")
			}
		})
	}()
	for _, c := range svc.deps.Topology.Clusters {
		if len(svc.deps.Topology.StreamsOf(c.Name)) == 0 {
			continue
		}
		cluster := c.Name
		wg.Add(1)
		go func() {
			defer wg.Done()
			runEvery(ctx, deps.PollInterval, func(ctx context.Context) {
				if err := svc.PollCluster(ctx, cluster); err != nil && ctx.Err() == nil {
					metrics.PollErrors.WithLabelValues(cluster).Inc()
					log.Error().Err(err).Str("cluster", cluster).Msg("poll cluster failed")
				}
			})
		}()
	}
	wg.Wait()
}

func runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
