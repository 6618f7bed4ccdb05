package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	expirationsWon = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_expirations_total",
		Help: "Bookings transitioned pending to expired, by firing source.",
	}, []string{"source"})

	expirationsLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_expiration_noops_total",
		Help: "Expire attempts that lost the status CAS, by firing source.",
	}, []string{"source"})

	sweepLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_sweep_lag_seconds",
		Help: "Age past deadline of the oldest booking seen in the last sweep.",
	})

	armedTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "booking_armed_timers",
		Help: "In-process expiration timers currently armed.",
	})
)
