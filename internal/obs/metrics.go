package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lifecycle states exported through shellcache_lifecycle_state.
var lifecycleStates = []string{"uninstalled", "installing", "installed", "activating", "activated", "redundant"}

type Metrics struct {
	registry      *prometheus.Registry
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	cacheWrites   *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	installs      *prometheus.CounterVec
	purged        prometheus.Counter
	notifications *prometheus.CounterVec
	lifecycle     *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_fetch_total",
		Help: "Total intercepted requests by routing strategy and response source",
	}, []string{"strategy", "source"})

	fetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shellcache_fetch_duration_seconds",
		Help:    "Fetch event handling duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	cacheWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_cache_writes_total",
		Help: "Total cache writes by cache name and result",
	}, []string{"cache", "result"})

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_job_runs_total",
		Help: "Total background job runs by tag and result",
	}, []string{"tag", "result"})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_install_total",
		Help: "Total install attempts by result",
	}, []string{"result"})

	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shellcache_caches_purged_total",
		Help: "Total stale cache generations deleted on activate",
	})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_notifications_total",
		Help: "Total notifications shown by tag",
	}, []string{"tag"})

	lifecycle := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shellcache_lifecycle_state",
		Help: "Current worker lifecycle state (1 for the active state)",
	}, []string{"state"})

	registry.MustRegister(fetches, fetchDuration, cacheWrites, jobs, installs, purged, notifications, lifecycle)

	return &Metrics{
		registry:      registry,
		fetches:       fetches,
		fetchDuration: fetchDuration,
		cacheWrites:   cacheWrites,
		jobs:          jobs,
		installs:      installs,
		purged:        purged,
		notifications: notifications,
		lifecycle:     lifecycle,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(strategy, source string, duration time.Duration) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.fetches.WithLabelValues(strategy, source).Inc()
	m.fetchDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheWrite(cacheName string, err error) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(cacheName, result(err == nil)).Inc()
}

func (m *Metrics) RecordJob(tag string, ok bool) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(tag, result(ok)).Inc()
}

func (m *Metrics) RecordInstall(ok bool) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) RecordPurged(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.purged.Add(float64(count))
}

func (m *Metrics) RecordNotification(tag string) {
	if m == nil {
		return
	}
	if tag == "" {
		tag = "none"
	}
	m.notifications.WithLabelValues(tag).Inc()
}

// SetLifecycleState 把 state 置 1，其余状态置 0。
func (m *Metrics) SetLifecycleState(state string) {
	if m == nil {
		return
	}
	for _, candidate := range lifecycleStates {
		value := 0.0
		if candidate == state {
			value = 1.0
		}
		m.lifecycle.WithLabelValues(candidate).Set(value)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
