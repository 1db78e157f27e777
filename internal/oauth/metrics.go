package oauth

import "github.com/prometheus/client_golang/prometheus"

const (
	resultOK    = "ok"
	resultError = "error"

	targetLocal = "local"
	targetBlob  = "blob"
)

var (
	grantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netatmo_oauth_grants_total",
			Help: "Token endpoint grants by grant type and result",
		},
		[]string{"provider", "grant", "result"},
	)
	tokenValid = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netatmo_oauth_token_valid",
			Help: "Access token usable (1=valid, 0=missing or expired)",
		},
		[]string{"provider"},
	)
	tokenExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netatmo_oauth_token_expiry_timestamp_seconds",
			Help: "Expiry of the current access token (epoch seconds)",
		},
		[]string{"provider"},
	)
	statePersistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netatmo_oauth_state_persist_total",
			Help: "Refresh state writes by target (local, blob) and result",
		},
		[]string{"provider", "target", "result"},
	)
	stateRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netatmo_oauth_state_rejected_total",
			Help: "Persisted state ignored because it belongs to another client or scope",
		},
		[]string{"provider", "reason"},
	)
)

// MetricsCollectors returns the token manager collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		grantsTotal,
		tokenValid,
		tokenExpiry,
		statePersistTotal,
		stateRejectedTotal,
	}
}

func resultLabel(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}
