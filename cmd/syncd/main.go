package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/entsync/entsync/internal/config"
	"github.com/entsync/entsync/internal/logger"
	"github.com/entsync/entsync/internal/schema"
	"github.com/entsync/entsync/internal/store"
	"github.com/entsync/entsync/internal/syncer"
)

var (
	buildVersion string
	buildDate    string
	buildCommit  string
)

func main() {
	printBuildInfo()

	log := logger.NewLogger("syncd")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("error getting configs")
	}

	log.Debug().Any("config", cfg).Msg("received configs")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	registry := schema.DefaultRegistry()

	local, err := store.NewSQLite(ctx, cfg.LocalDSN, registry, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("error opening local store")
	}
	defer local.Close()

	remote, err := store.NewPostgres(ctx, cfg.RemoteDSN, registry, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("error opening remote store")
	}
	defer remote.Close()

	engine := syncer.NewEngine(
		syncer.NewLocalPeer(local, registry, nil, log),
		syncer.NewLocalPeer(remote, registry, nil, log),
		registry,
		local,
		cfg,
		log,
	)

	if _, err := engine.Sync(ctx); err != nil {
		log.Error().Err(err).Msg("initial sync session failed")
	}

	job := syncer.NewJob(engine, log)
	job.Start(ctx, cfg.Interval)
	defer job.Stop()

	go purgeLoop(ctx, local, registry, cfg.PurgeRetention, log)
	go purgeLoop(ctx, remote, registry, cfg.PurgeRetention, log)

	<-ctx.Done()
	log.Info().Msg("shutting down")
}

// purgeLoop hard-removes soft-deleted rows older than the retention window,
// once a day per store.
func purgeLoop(ctx context.Context, repo store.Repository, registry *schema.Registry, retention time.Duration, log *logger.Logger) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().UTC().Add(-retention)
			for _, typeName := range registry.SyncOrder() {
				n, err := repo.PurgeDeleted(ctx, typeName, cutoff)
				if err != nil {
					log.Error().Err(err).Str("entity_type", typeName).Msg("purge sweep failed")
					continue
				}
				if n > 0 {
					log.Info().Str("entity_type", typeName).Int("purged", n).Msg("purged soft-deleted rows")
				}
			}
		}
	}
}

func printBuildInfo() {
	if buildVersion == "" {
		buildVersion = "N/A"
	}

	if buildDate == "" {
		buildDate = "N/A"
	}

	if buildCommit == "" {
		buildCommit = "N/A"
	}

	fmt.Printf("Build version: %s\n", buildVersion)
	fmt.Printf("Build date: %s\n", buildDate)
	fmt.Printf("Build commit: %s\n", buildCommit)
}
