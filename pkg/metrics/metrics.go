package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	MatcherEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_matcher_evaluations_total",
			Help: "Total number of matcher evaluations by outcome",
		},
		[]string{"matcher", "result"}, // result: all, partial, none, error
	)

	MailetExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_mailet_executions_total",
			Help: "Total number of mailet executions by outcome",
		},
		[]string{"mailet", "result"},
	)

	MailetDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailroute_mailet_duration_seconds",
			Help:    "Duration of mailet executions",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"mailet"},
	)

	MailSplits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailroute_mail_splits_total",
			Help: "Total number of mails split because a matcher selected a subset of recipients",
		},
	)
)

// Redirect and distribution metrics
var (
	RedirectComposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_redirect_composed_total",
			Help: "Total number of messages composed by redirect mailets",
		},
		[]string{"inline", "attachment"},
	)

	RandomTargetsSelected = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailroute_random_targets_selected",
			Help:    "Number of rerouting targets selected per message",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 10, 16},
		},
	)

	TargetCacheRefresh = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_target_cache_refresh_total",
			Help: "Total number of rerouting target cache refreshes",
		},
		[]string{"result"}, // success, error
	)

	TargetCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_target_cache_requests_total",
			Help: "Total number of rerouting target cache lookups",
		},
		[]string{"result"}, // hit, stale, miss
	)

	TargetCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailroute_target_cache_size",
			Help: "Number of rerouting targets in the current snapshot",
		},
	)
)

// Relay metrics
var (
	RelayDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_relay_deliveries_total",
			Help: "Total number of external relay attempts",
		},
		[]string{"result"}, // success, temporary_failure, permanent_failure, circuit_breaker_blocked, no_handler
	)

	RelayDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailroute_relay_delivery_duration_seconds",
			Help:    "Duration of external relay attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	RelayQueueAge = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailroute_relay_queue_age_seconds",
			Help:    "Time a message spent queued before a delivery attempt",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 21600, 86400},
		},
	)

	RelayQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailroute_relay_queue_depth",
			Help: "Number of messages in relay queue by state",
		},
		[]string{"state"}, // pending, processing, failed
	)

	RelayQueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_relay_queue_operations_total",
			Help: "Total number of relay queue operations",
		},
		[]string{"operation", "result"},
	)

	RelayQueueOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailroute_relay_queue_operation_duration_seconds",
			Help:    "Duration of relay queue operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailroute_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// Component health
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailroute_component_health_status",
			Help: "Component health (0 unreachable, 1 unhealthy, 2 degraded, 3 healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailroute_component_health_checks_total",
			Help: "Total number of component health checks",
		},
		[]string{"component", "status"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailroute_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"component"},
	)
)
