package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scenarioLabel atomic.Value

func init() {
	scenarioLabel.Store("cache")
}

func SetScenario(s string) {
	if s == "" {
		s = "cache"
	}
	scenarioLabel.Store(s)
}

func getScenario() string {
	if v := scenarioLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "cache"
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status", "scenario"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status", "scenario"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "scenario"},
	)

	upstreamResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_results_total",
			Help: "Upstream fetch outcomes after retries.",
		},
		[]string{"outcome"},
	)

	upstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Upstream retry attempts by transient failure class.",
		},
		[]string{"class"},
	)

	authResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_results_total",
			Help: "Authentication decisions by result.",
		},
		[]string{"result"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache results by outcome.",
		},
		[]string{"outcome", "scenario"},
	)

	cacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Cache backend operations by result.",
		},
		[]string{"op", "result"},
	)

	cacheOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of cache backend operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	coalescedWaiters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "singleflight_waiters_total",
			Help: "Requests that attached to an in-flight upstream fetch.",
		},
	)

	invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Cache keys deleted by invalidation source.",
		},
		[]string{"source"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

var enabled atomic.Bool

func init() { enabled.Store(true) }

// Init mirrors the collectors into reg (usually the metrics provider's registry)
// and toggles recording. Build info stays on the default registry since the
// provider carries its own.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if reg == nil || reg == prometheus.DefaultRegisterer {
		return
	}
	for _, c := range []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		upstreamLatencySeconds, upstreamResults, upstreamRetries,
		authResults, cacheResults, cacheOps, cacheOpDuration,
		coalescedWaiters, invalidations,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	s := getScenario()
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st, s).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st, s).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	upstreamLatencySeconds.WithLabelValues(upstream, getScenario()).Observe(durationSeconds)
}

func IncUpstreamResult(outcome string) {
	if enabled.Load() {
		upstreamResults.WithLabelValues(outcome).Inc()
	}
}

func IncUpstreamRetry(class string) {
	if enabled.Load() {
		upstreamRetries.WithLabelValues(class).Inc()
	}
}

func IncAuth(result string) {
	if enabled.Load() {
		authResults.WithLabelValues(result).Inc()
	}
}

// IncCacheResult records hit, miss, bypass or error.
func IncCacheResult(outcome string) {
	if enabled.Load() {
		cacheResults.WithLabelValues(outcome, getScenario()).Inc()
	}
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOps.WithLabelValues(op, result).Inc()
	cacheOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func IncCoalesced() {
	if enabled.Load() {
		coalescedWaiters.Inc()
	}
}

func AddInvalidations(source string, n int) {
	if enabled.Load() && n > 0 {
		invalidations.WithLabelValues(source).Add(float64(n))
	}
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
