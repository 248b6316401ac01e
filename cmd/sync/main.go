// Command sync uploads buffered attendance without running the station UI.
// With -once it runs a single cycle and exits non-zero on failure.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"eventlog/internal/attendance"
	"eventlog/internal/backend"
	"eventlog/internal/config"
	"eventlog/internal/eventcache"
	"eventlog/internal/logging"
	"eventlog/internal/observability"
	"eventlog/internal/store"
	"eventlog/internal/syncer"
)

func main() {
	once := flag.Bool("once", false, "run a single sync cycle and exit")
	refresh := flag.Bool("refresh", true, "refresh the event cache before syncing")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	lg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer lg.Closer()
	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, "sync")
	if err != nil {
		lg.Base.Warn("sentry disabled", zap.Error(err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg.Base, *once, *refresh); err != nil {
		lg.Base.Error("sync failed", zap.Error(err))
		lg.Closer()
		flush()
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.App, lg *zap.Logger, once, refresh bool) error {
	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	client := backend.New(cfg.BackendURL, cfg.BackendToken, cfg.BlockID, cfg.BackendTimeout)
	cache := eventcache.New(db, lg.Named("eventcache"))
	if err := cache.Load(ctx); err != nil {
		return err
	}
	refresher := eventcache.NewRefresher(cache, client, eventcache.RefreshConfig{
		Interval:     cfg.EventRefreshInterval,
		MaxElapsed:   cfg.RefreshMaxElapsed,
		FetchTimeout: cfg.BackendTimeout,
	}, lg.Named("refresher"))
	if refresh {
		// a stale cache can only postpone clearing
		if err := refresher.RefreshNow(ctx); err != nil {
			lg.Warn("event refresh failed, using cached events", zap.Error(err))
		}
	}

	engine := syncer.New(attendance.NewRepository(db), client, cache, syncer.Options{
		Interval: cfg.SyncInterval,
		Timeout:  cfg.BackendTimeout,
		Location: cfg.Location,
		Logger:   lg.Named("syncer"),
	})
	if once {
		rep, err := engine.Cycle(ctx)
		if err != nil {
			return err
		}
		lg.Info("sync cycle done", zap.String("batch_id", rep.BatchID),
			zap.Int("uploaded", rep.Uploaded), zap.Int64("cleared", rep.Cleared), zap.Bool("kept", rep.Kept))
		return nil
	}

	go refresher.Run(ctx)
	engine.Trigger()
	engine.Run(ctx)
	return nil
}
