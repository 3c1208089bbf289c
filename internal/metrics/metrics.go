// Package metrics declares the Prometheus collectors shared by hdriflow components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransportRequestsTotal counts outbound calls to the processing service.
	TransportRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdri_transport_requests_total",
			Help: "Outbound requests to the processing service by method, endpoint and outcome.",
		},
		[]string{"method", "endpoint", "outcome"},
	)

	TransportRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hdri_transport_request_duration_seconds",
			Help:    "Duration of outbound requests to the processing service.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	PollTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdri_poll_ticks_total",
			Help: "Poller callback invocations by outcome.",
		},
		[]string{"outcome"},
	)

	TrackerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdri_tracker_transitions_total",
			Help: "Job lifecycle tracker state transitions by target state.",
		},
		[]string{"state"},
	)

	StaleResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hdri_tracker_stale_responses_total",
		Help: "Fetch responses discarded because the tracker had moved on.",
	})

	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hdri_cache_hits_total",
		Help: "Cache lookups that found an entry.",
	})

	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hdri_cache_misses_total",
		Help: "Cache lookups that found nothing.",
	})

	ReportedErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdri_reported_errors_total",
			Help: "User-visible errors reported by the view orchestrator, by view.",
		},
		[]string{"view"},
	)
)

var (
	// HTTPRequestsTotal counts console API requests by route pattern.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdri_console_http_requests_total",
			Help: "Console API requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hdri_console_http_request_duration_seconds",
			Help:    "Console API request duration by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
