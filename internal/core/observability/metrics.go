// Package observability holds the service's Prometheus collectors.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var mapLabel atomic.Value

func init() {
	mapLabel.Store("default")
	_ = Init(prometheus.DefaultRegisterer, true)
}

func SetMapID(id string) {
	if id == "" {
		id = "default"
	}
	mapLabel.Store(id)
}

func getMapID() string {
	if v := mapLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "default"
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status", "map"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status", "map"},
	)

	mapServiceCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapservice_call_seconds",
			Help:    "Latency of map service calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"method", "outcome"},
	)

	subscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "live_subscriptions_active",
			Help: "Push subscriptions currently held by synchronizers.",
		},
		[]string{"kind"},
	)

	subscriptionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_subscription_errors_total",
			Help: "Failed subscribe or unsubscribe calls.",
		},
		[]string{"kind", "op"},
	)

	pushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_push_events_total",
			Help: "Push events applied by synchronizers.",
		},
		[]string{"kind"},
	)

	filterRoundTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_roundtrips_total",
			Help: "Filter write/read round trips by outcome.",
		},
		[]string{"outcome"},
	)

	filterRoundTripSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filter_roundtrip_seconds",
			Help:    "Duration of filter write/read round trips.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	catalogCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_cache_total",
			Help: "Catalog cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis cache operations by result.",
		},
		[]string{"op", "result"},
	)

	redisOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of Redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	changeFeedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_messages_total",
			Help: "Change feed messages by result.",
		},
		[]string{"result"},
	)

	changeFeedLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "changefeed_lag_seconds",
			Help: "Approximate lag: now - message.timestamp.",
		},
	)

	actionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionlog_events_total",
			Help: "User action events by result.",
		},
		[]string{"result"},
	)

)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, mapServiceCallSeconds,
		subscriptionsActive, subscriptionErrors, pushEvents,
		filterRoundTrips, filterRoundTripSeconds, catalogCache, cacheOps, redisOpSeconds,
		changeFeedMessages, changeFeedLagSeconds, actionEvents,
	}
}

// Init registers the collectors with reg. Collectors reg already holds are
// skipped; any other registration conflict is returned.
func Init(reg prometheus.Registerer, enabled bool) error {
	if !enabled || reg == nil {
		return nil
	}
	var errs []error
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := getMapID()
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st, m).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st, m).Observe(durationSeconds)
}

func ObserveMapCall(method string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mapServiceCallSeconds.WithLabelValues(method, outcome).Observe(durationSeconds)
}

func SubscriptionOpened(kind string) { subscriptionsActive.WithLabelValues(kind).Inc() }

func SubscriptionClosed(kind string) { subscriptionsActive.WithLabelValues(kind).Dec() }

func IncSubscriptionError(kind, op string) {
	subscriptionErrors.WithLabelValues(kind, op).Inc()
}

func IncPushEvent(kind string) { pushEvents.WithLabelValues(kind).Inc() }

// ObserveFilterRoundTrip records one round trip; outcome is applied,
// superseded, cleared or error.
func ObserveFilterRoundTrip(outcome string, durationSeconds float64) {
	filterRoundTrips.WithLabelValues(outcome).Inc()
	if outcome != "superseded" {
		filterRoundTripSeconds.Observe(durationSeconds)
	}
}

func IncCatalogCache(outcome string) { catalogCache.WithLabelValues(outcome).Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOps.WithLabelValues(op, result).Inc()
	redisOpSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncChangeFeed(result string) { changeFeedMessages.WithLabelValues(result).Inc() }

func SetChangeFeedLag(seconds float64) { changeFeedLagSeconds.Set(seconds) }

func IncActionEvent(result string) { actionEvents.WithLabelValues(result).Inc() }

// ActionEvents exposes the action counter for assertions.
func ActionEvents() *prometheus.CounterVec { return actionEvents }
