package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bookingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_created_total",
		Help: "Bookings created, by service type.",
	}, []string{"service_type"})

	bookingRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_retries_total",
		Help: "Expired bookings re-opened into a fresh pending episode.",
	})

	notifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_notify_failures_total",
		Help: "Notification dispatch failures, logged and swallowed.",
	})
)
