package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Scans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventlog", Name: "scans_total", Help: "Scans by outcome",
	}, []string{"outcome"})
	SyncCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventlog", Name: "sync_cycles_total", Help: "Sync cycles by result",
	}, []string{"result"})
	SyncedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eventlog", Name: "synced_records_total", Help: "Attendance rows acknowledged by the server",
	})
	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "eventlog", Name: "sync_duration_seconds", Help: "Sync cycle latency",
		Buckets: prometheus.DefBuckets,
	})
	CacheRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventlog", Name: "cache_refreshes_total", Help: "Event cache refetches by result",
	}, []string{"result"})
	CachedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventlog", Name: "cached_events", Help: "Approved events currently cached",
	})
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventlog", Name: "notifications_total", Help: "Push notifications received",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(Scans, SyncCycles, SyncedRecords, SyncDuration, CacheRefreshes, CachedEvents, Notifications)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveSync(d time.Duration) { SyncDuration.Observe(d.Seconds()) }
