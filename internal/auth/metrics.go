package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modhub",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	lockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modhub",
			Subsystem: "auth",
			Name:      "lockouts_total",
			Help:      "Accounts locked after repeated failures.",
		},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modhub",
			Subsystem: "auth",
			Name:      "refresh_total",
			Help:      "Refresh token redemptions by outcome.",
		},
		[]string{"outcome"},
	)

	replaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modhub",
			Subsystem: "auth",
			Name:      "refresh_replays_total",
			Help:      "Refresh token replays detected.",
		},
	)

	purgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modhub",
			Subsystem: "auth",
			Name:      "purged_records_total",
			Help:      "Records removed by the retention janitor, by kind.",
		},
		[]string{"kind"},
	)

	throttledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modhub",
			Subsystem: "auth",
			Name:      "throttled_requests_total",
			Help:      "Requests rejected by the per-peer rate limiter.",
		},
	)
)
