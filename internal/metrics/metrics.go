package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Login metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "micloud_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"method", "status"},
	)

	LoginDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "micloud_login_duration_seconds",
			Help:    "Duration of login flows in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Request metrics
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "micloud_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"mode", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "micloud_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	SoftErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "micloud_soft_errors_total",
			Help: "Responses carrying a message but no result",
		},
	)
)

// Login method labels
const (
	MethodPassword  = "password"
	MethodTwoFactor = "two_factor"
	MethodRefresh   = "refresh"
)

// Status labels
const (
	StatusSuccess           = "success"
	StatusFailure           = "failure"
	StatusTwoFactorRequired = "two_factor_required"
	StatusDegraded          = "degraded"
)

// Request mode labels
const (
	ModePlain     = "plain"
	ModeEncrypted = "encrypted"
)
