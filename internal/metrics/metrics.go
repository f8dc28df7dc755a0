// Package metrics registers the Prometheus metrics exported by credgw.
// Metrics are registered on the default registry at init; cmd/credgw mounts
// promhttp.Handler() on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Selection and reporting.
var (
	// SelectionsTotal counts credential selections by provider and result
	// ("selected", "exhausted", "not_found", "quota_exhausted").
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_selections_total",
			Help: "Credential selections by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// ReportsTotal counts usage reports by provider and outcome
	// ("success", "failure", "rate_limited", "quota_exceeded").
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_reports_total",
			Help: "Usage reports by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	ReportLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credgw_report_latency_seconds",
			Help:    "Upstream latency carried by usage reports.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)
)

// Risk and quota.
var (
	CooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_cooldowns_total",
			Help: "Cooldowns applied after rate-limit classification.",
		},
		[]string{"provider"},
	)

	CooldownSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credgw_cooldown_seconds",
			Help:    "Length of applied cooldowns in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// RiskLevel tracks each credential's level:
	// 0 = healthy, 1 = warning, 2 = cooling, 3 = banned.
	RiskLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "credgw_risk_level",
			Help: "Risk level per credential (0=healthy 1=warning 2=cooling 3=banned).",
		},
		[]string{"provider", "credential"},
	)

	QuotaExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_quota_exhausted_total",
			Help: "Quota exhaustion signals by provider.",
		},
		[]string{"provider"},
	)
)

// Plugins.
var (
	// PluginLoadsTotal counts plugin load attempts by result ("loaded", "failed").
	PluginLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_plugin_loads_total",
			Help: "Plugin load attempts by result.",
		},
		[]string{"result"},
	)

	PluginRPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credgw_plugin_rpc_duration_seconds",
			Help:    "Round-trip time of calls into external plugins.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"plugin", "method"},
	)

	// PluginCircuitTransitions counts external plugin breaker transitions by
	// target state ("open", "half_open", "closed").
	PluginCircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_plugin_circuit_transitions_total",
			Help: "External plugin circuit breaker transitions by target state.",
		},
		[]string{"plugin", "state"},
	)

	// SDKCallsTotal counts plugin-to-host SDK calls by method and result
	// ("ok", "denied", "error").
	SDKCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_sdk_calls_total",
			Help: "SDK calls made by plugins, by method and result.",
		},
		[]string{"method", "result"},
	)

	// SDKRateLimited counts http.request calls rejected by the per-plugin bucket.
	SDKRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credgw_sdk_rate_limited_total",
			Help: "SDK http.request calls rejected by the per-plugin rate limit.",
		},
		[]string{"plugin"},
	)
)
