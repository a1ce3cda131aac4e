package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records primary-credential attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techtrend_auth_attempts_total",
			Help: "Total number of primary credential checks",
		},
		[]string{"result"},
	)

	// OTPVerifications counts second-factor checks by flow and result.
	OTPVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techtrend_otp_verifications_total",
			Help: "Total number of TOTP verification attempts",
		},
		[]string{"purpose", "result"},
	)

	// SecretRotations counts TOTP secret rotations.
	SecretRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "techtrend_secret_rotations_total",
			Help: "Total number of TOTP secret rotations",
		},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "techtrend_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// NewsFetches counts upstream news requests by outcome (hit|miss|error).
	NewsFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techtrend_news_fetches_total",
			Help: "News lookups by cache outcome",
		},
		[]string{"outcome"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "techtrend_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
