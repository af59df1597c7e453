package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks raw HTTP-layer latency by route pattern and
// status, independent of the provider-labeled proxy metrics below; it
// covers every mounted route including /health and /metrics themselves.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "aiproxy",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by route and status.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"route", "status"},
)

// RequestsTotal counts inbound requests by provider and outcome.
var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "requests",
		Name:      "total",
		Help:      "Total number of proxied requests by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

// RequestDuration tracks end-to-end request latency by provider.
var RequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "aiproxy",
		Subsystem: "requests",
		Name:      "duration_seconds",
		Help:      "Proxied request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"provider"},
)

// RateLimitDeniedTotal counts rate-limit rejections by reason.
var RateLimitDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "ratelimit",
		Name:      "denied_total",
		Help:      "Total number of requests denied by the rate limiter, by reason.",
	},
	[]string{"reason"},
)

// KeyPoolSelectionsTotal counts upstream key selections by strategy.
var KeyPoolSelectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "keypool",
		Name:      "selections_total",
		Help:      "Total number of upstream key selections by strategy.",
	},
	[]string{"strategy"},
)

// KeyPoolExhaustedTotal counts requests that found no eligible candidate key.
var KeyPoolExhaustedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "keypool",
		Name:      "exhausted_total",
		Help:      "Total number of requests with no eligible provider key.",
	},
	[]string{"reason"},
)

// OAuthRefreshTotal counts OAuth refresh attempts by provider and outcome.
var OAuthRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "oauth",
		Name:      "refresh_total",
		Help:      "Total number of OAuth refresh attempts by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

// OAuthRefreshDuration tracks OAuth refresh call latency.
var OAuthRefreshDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "aiproxy",
		Subsystem: "oauth",
		Name:      "refresh_duration_seconds",
		Help:      "OAuth token refresh call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"provider"},
)

// TokensTotal accumulates token usage by provider and token class.
var TokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "usage",
		Name:      "tokens_total",
		Help:      "Total tokens consumed, by provider and token class.",
	},
	[]string{"provider", "class"},
)

// CostMicrosTotal accumulates cost (in integer micro-units of currency) by provider.
var CostMicrosTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "usage",
		Name:      "cost_micros_total",
		Help:      "Total cost in micro-units of currency, by provider.",
	},
	[]string{"provider", "currency"},
)

// TraceOrphansSweptTotal counts orphaned trace rows marked failed by the sweeper.
var TraceOrphansSweptTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "aiproxy",
		Subsystem: "trace",
		Name:      "orphans_swept_total",
		Help:      "Total number of orphaned trace rows marked failed by the sweeper.",
	},
)

// All returns every aiproxy metric collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		RequestsTotal,
		RequestDuration,
		RateLimitDeniedTotal,
		KeyPoolSelectionsTotal,
		KeyPoolExhaustedTotal,
		OAuthRefreshTotal,
		OAuthRefreshDuration,
		TokensTotal,
		CostMicrosTotal,
		TraceOrphansSweptTotal,
	}
}
