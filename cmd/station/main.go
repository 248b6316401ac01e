package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"eventlog/internal/attendance"
	"eventlog/internal/auth"
	"eventlog/internal/backend"
	"eventlog/internal/config"
	"eventlog/internal/eventcache"
	"eventlog/internal/handler"
	"eventlog/internal/httpmiddleware"
	"eventlog/internal/logging"
	"eventlog/internal/metrics"
	"eventlog/internal/observability"
	"eventlog/internal/queue"
	"eventlog/internal/store"
	"eventlog/internal/syncer"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
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

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		lg.Base.Warn("sentry disabled", zap.Error(err))
	}
	defer flush()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, lg.Base); err != nil {
		lg.Base.Fatal("station failed", zap.Error(err))
	}
}

func run(cfg config.App, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	client := backend.New(cfg.BackendURL, cfg.BackendToken, cfg.BlockID, cfg.BackendTimeout)

	cache := eventcache.New(db, lg.Named("eventcache"))
	if err := cache.Load(ctx); err != nil {
		lg.Warn("cached events unavailable, waiting for first refresh", zap.Error(err))
	}
	refresher := eventcache.NewRefresher(cache, client, eventcache.RefreshConfig{
		Interval:     cfg.EventRefreshInterval,
		Debounce:     cfg.RefreshDebounce,
		MaxElapsed:   cfg.RefreshMaxElapsed,
		FetchTimeout: cfg.BackendTimeout,
	}, lg.Named("refresher"))
	listener := eventcache.NewListener(cache, refresher, cfg.BlockID, lg.Named("notify"))

	checks := map[string]handler.Checker{"db": db}
	var q queue.Queue
	if cfg.NotifyBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		checks["redis"] = redisClient
		q = queue.NewRedisChannel(redisClient.Client, cfg.NotifyChannel)
	}

	repo := attendance.NewRepository(db)
	scans := attendance.NewService(repo, cache, attendance.Options{
		Secret:         cfg.QRSecretKey,
		RearmDelay:     cfg.ScanRearmDelay,
		StrictEventDay: cfg.StrictEventDay,
		Location:       cfg.Location,
		Logger:         lg.Named("scan"),
	})
	engine := syncer.New(repo, client, cache, syncer.Options{
		Interval: cfg.SyncInterval,
		Timeout:  cfg.BackendTimeout,
		Location: cfg.Location,
		Logger:   lg.Named("syncer"),
	})
	limiter := httpmiddleware.NewClientLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	spawn(func() { refresher.Run(ctx) })
	spawn(func() { listener.Run(ctx, q) })
	spawn(func() { engine.Run(ctx) })
	spawn(func() { limiter.RunSweeper(ctx, time.Minute) })
	engine.Trigger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	r.Use(limiter.GinMiddleware())
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	h := handler.New(scans, cache, engine, checks, handler.Config{
		QRSecret:        cfg.QRSecretKey,
		JWTIssuer:       cfg.JWTIssuer,
		JWTSigningKey:   cfg.OperatorSigningKey(),
		AccessTTL:       cfg.AccessTTL,
		OperatorPINHash: cfg.OperatorPINHash,
		BlockID:         cfg.BlockID,
	}, lg.Named("http"))
	h.Register(r, auth.OperatorAuth(cfg.OperatorSigningKey(), cfg.JWTIssuer))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("station listening", zap.String("addr", srv.Addr), zap.Int64("block_id", cfg.BlockID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	}
	lg.Info("shutting down station")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("server forced shutdown", zap.Error(err))
	}
	wg.Wait()
	lg.Info("station exited")
	return nil
}
