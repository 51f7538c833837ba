package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/depotmirror/internal/api"
	"github.com/qiniu/depotmirror/internal/commits"
	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/database"
	"github.com/qiniu/depotmirror/internal/docstore"
	"github.com/qiniu/depotmirror/internal/notify"
	"github.com/qiniu/depotmirror/internal/objstore"
	"github.com/qiniu/depotmirror/internal/replicator"
	"github.com/qiniu/depotmirror/internal/serverhealth"
	"github.com/qiniu/depotmirror/internal/vcs"
	"github.com/qiniu/depotmirror/internal/vcs/p4cli"
)

func main() {
	log.Info().Msg("Starting depotmirror server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.Logging.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	topology, err := config.LoadTopology(cfg.Topology.File)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Topology.File).Msg("failed to load topology")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable")
	}
	docs := docstore.NewRedisStore(rdb, "depotmirror:doc:")
	hub := notify.NewHub(notify.NewRedisBus(rdb), "depotmirror:commits:")

	// vcs connections are pooled per (cluster, server, user, client)
	dialer := p4cli.NewDialer(cfg.Perforce.Executable, config.ParseDuration(cfg.Perforce.Timeout, 5*time.Minute))
	pool := vcs.NewPool(dialer, cfg.Perforce.PoolSize)
	defer pool.Close()

	// optional lease DB for server load counts
	var leases serverhealth.LeaseSource
	if db, derr := database.New(&cfg.Database); derr == nil {
		defer db.Close()
		leases = serverhealth.NewPgLeaseSource(db)
	} else {
		log.Error().Err(derr).Msg("lease database init failed; lease counts disabled")
	}

	registry := serverhealth.NewRegistry(serverhealth.Deps{
		Topology:        topology,
		Docs:            docs,
		Sticky:          serverhealth.NewRedisStickyStore(rdb, "depotmirror:sticky:"),
		Resolver:        net.DefaultResolver,
		Prober:          serverhealth.NewProber(topology, dialer, cfg.Health.DrainChecker, config.ParseDuration(cfg.Health.ProbeTimeout, 10*time.Second)),
		Leases:          leases,
		LivenessTimeout: config.ParseDuration(cfg.Health.LivenessTimeout, serverhealth.DefaultLivenessTimeout),
		StickyTTL:       config.ParseDuration(cfg.Health.StickyTTL, serverhealth.DefaultStickyTTL),
	})
	go serverhealth.StartScheduler(ctx, serverhealth.SchedulerDeps{
		Registry: registry,
		Interval: config.ParseDuration(cfg.Health.Interval, 15*time.Second),
	})
	connector := serverhealth.NewConnectionProvider(registry, pool, topology)

	store, err := commits.NewPgStore(ctx, cfg.Database.PoolDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open commit store")
	}
	defer store.Close()
	tags, err := commits.LoadTags(topology.Tags)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid commit tags")
	}
	commitSvc := commits.NewService(commits.Deps{
		Topology:         topology,
		Connector:        connector,
		Store:            store,
		Docs:             docs,
		Hub:              hub,
		Recheck:          commits.NewRedisRecheckQueue(rdb, "depotmirror:recheck:"),
		Tags:             tags,
		BatchSize:        cfg.Commits.BatchSize,
		SubscribeTimeout: config.ParseDuration(cfg.Commits.SubscribeTimeout, commits.DefaultSubscribeTimeout),
	})
	go commits.StartScheduler(ctx, commits.SchedulerDeps{
		Service:           commitSvc,
		PollInterval:      config.ParseDuration(cfg.Commits.PollInterval, 2*time.Second),
		ReconcileInterval: config.ParseDuration(cfg.Commits.ReconcileInterval, 30*time.Second),
	})

	apiDeps := api.Deps{Registry: registry, Commits: commitSvc, TriggerToken: cfg.Server.TriggerToken}
	if cfg.Replication.Enabled {
		objects, err := objstore.NewFileStore(cfg.Replication.StoreDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.Replication.StoreDir).Msg("failed to open object store")
		}
		repl := replicator.New(replicator.Deps{
			Topology:      topology,
			Connector:     connector,
			Store:         objects,
			WorkspaceRoot: cfg.Replication.WorkspaceRoot,
			ClientPrefix:  cfg.Replication.ClientPrefix,
			BatchBytes:    cfg.Replication.BatchBytes,
			MaxConcurrent: cfg.Replication.MaxConcurrent,
		})
		go replicator.StartScheduler(ctx, replicator.SchedulerDeps{
			Replicator: repl,
			Commits:    commitSvc,
			Interval:   config.ParseDuration(cfg.Replication.Interval, 10*time.Second),
		})
		apiDeps.Replicator = repl
	}

	router := fox.New()
	api.NewApi(router, apiDeps)
	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router}
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown")
		}
	}()
	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("start depotmirror server failed.")
	}
	log.Info().Msg("depotmirror server exit...")
}
