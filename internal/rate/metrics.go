package rate

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	remainingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netatmo_rate_limit_remaining",
			Help: "Requests left in each client-side budget window",
		},
		[]string{"provider", "window"},
	)
	cooldownUntil = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netatmo_rate_limit_cooldown_until_timestamp_seconds",
			Help: "End of the cooldown requested by the last 429 (epoch seconds)",
		},
		[]string{"provider"},
	)
	responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netatmo_rate_limit_responses_total",
			Help: "Responses seen by the guard, by status class",
		},
		[]string{"provider", "class"},
	)
	blockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netatmo_rate_limit_blocked_total",
			Help: "Requests refused locally, by reason",
		},
		[]string{"provider", "reason"},
	)
)

// MetricsCollectors returns the guard collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		remainingGauge,
		cooldownUntil,
		responsesTotal,
		blockedTotal,
	}
}

func statusClass(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
