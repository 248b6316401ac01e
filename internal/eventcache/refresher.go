package eventcache

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"eventlog/internal/metrics"
	"eventlog/internal/observability"
)

// Fetcher reads the current event list from the server.
type Fetcher interface {
	FetchEvents(ctx context.Context) ([]Event, error)
}

// RefreshConfig tunes the refresher; zero values fall back to defaults.
type RefreshConfig struct {
	Interval     time.Duration // periodic poll (default 5m)
	Debounce     time.Duration // coalescing delay after a request (default 250ms)
	MaxElapsed   time.Duration // give up retrying after this long (default 30s)
	FetchTimeout time.Duration // per attempt (default 10s)
}

// Refresher owns all refetching: a periodic poll plus coalesced on-demand
// requests, each retried with exponential backoff.
type Refresher struct {
	cache    *Cache
	fetch    Fetcher
	cfg      RefreshConfig
	requests chan struct{}
	log      *zap.Logger
}

// NewRefresher builds a refresher for cache; call Run to start it.
func NewRefresher(cache *Cache, fetch Fetcher, cfg RefreshConfig, log *zap.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{
		cache:    cache,
		fetch:    fetch,
		cfg:      cfg,
		requests: make(chan struct{}, 1),
		log:      log,
	}
}

// Request asks for a refetch. Requests made while one is pending are merged.
func (r *Refresher) Request() {
	select {
	case r.requests <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on every tick and request, until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		case <-r.requests:
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.Debounce):
			}
			select {
			case <-r.requests:
			default:
			}
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	if err := r.RefreshNow(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn("event refresh failed, keeping cached events", zap.Error(err), zap.Int("cached", r.cache.Len()))
		observability.CaptureErr(err)
	}
}

// RefreshNow fetches and replaces the cache, retrying failed fetches with backoff.
func (r *Refresher) RefreshNow(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = r.cfg.MaxElapsed

	op := func() error {
		fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
		events, err := r.fetch.FetchEvents(fctx)
		if err != nil {
			return err
		}
		if err := r.cache.Refresh(ctx, events); err != nil {
			// memory is already swapped; refetching cannot fix the mirror tables
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.CacheRefreshes.WithLabelValues("retry").Inc()
		r.log.Debug("event refresh attempt failed", zap.Error(err), zap.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		metrics.CacheRefreshes.WithLabelValues("failed").Inc()
		return err
	}
	metrics.CacheRefreshes.WithLabelValues("ok").Inc()
	r.log.Debug("event cache refreshed", zap.Int("events", r.cache.Len()))
	return nil
}
