package polestar

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

const metricsNamespace = "polestar"

// Metrics are the Prometheus collectors a Session reports to.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// LoginTotal counts full login attempts.
	LoginTotal *prometheus.CounterVec
	// RefreshTotal counts token refresh attempts.
	RefreshTotal *prometheus.CounterVec
	// CacheLookupTotal counts telemetry cache lookups by outcome (hit or miss).
	CacheLookupTotal *prometheus.CounterVec
	// APIRequestTotal counts GraphQL operations against the vehicle API.
	APIRequestTotal *prometheus.CounterVec
	// TokenExpiry is the unix time at which the current access token goes stale.
	TokenExpiry prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "auth",
				Name:      "login_total",
				Help:      "Total number of full login attempts",
			},
			[]string{"result"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "auth",
				Name:      "refresh_total",
				Help:      "Total number of token refresh attempts",
			},
			[]string{"result"},
		),
		CacheLookupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "telemetry",
				Name:      "cache_lookups_total",
				Help:      "Total number of telemetry cache lookups",
			},
			[]string{"outcome"},
		),
		APIRequestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of GraphQL operations sent to the vehicle API",
			},
			[]string{"operation", "result"},
		),
		TokenExpiry: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "auth",
				Name:      "token_expiry_timestamp_seconds",
				Help:      "Unix time at which the current access token needs a refresh",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.LoginTotal,
			m.RefreshTotal,
			m.CacheLookupTotal,
			m.APIRequestTotal,
			m.TokenExpiry,
		)
	}
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

func (m *Metrics) observeLogin(err error) {
	if m == nil {
		return
	}
	m.LoginTotal.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeRefresh(err error) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeCache(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookupTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeAPI(operation string, err error) {
	if m == nil {
		return
	}
	m.APIRequestTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

func (m *Metrics) setTokenExpiry(tokens *TokenSet) {
	if m == nil {
		return
	}
	if tokens == nil {
		m.TokenExpiry.Set(0)
		return
	}
	m.TokenExpiry.Set(float64(tokens.ExpiresAt.Unix()))
}
