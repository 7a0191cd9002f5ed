// Package metrics holds the Prometheus collectors of the reservation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReservationAttempts counts reservation attempts by outcome ("ok", a rejection code, or "error").
	ReservationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_attempts_total",
		Help: "Reservation attempts by outcome.",
	}, []string{"outcome"})

	// TicketsReserved counts rows created by successful reservations.
	TicketsReserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_tickets_reserved_total",
		Help: "Registration rows created by successful reservations.",
	})

	// LockWait observes how long transactions waited for the reservation lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_lock_wait_seconds",
		Help:    "Time spent acquiring the reservation lock.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// SoldOutFlags counts sold-out flags written, by scope ("role" or "joint").
	SoldOutFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_sold_out_flags_total",
		Help: "Sold-out cache flags written.",
	}, []string{"scope"})

	// SoldOutShortCircuits counts requests rejected by a cached sold-out flag.
	SoldOutShortCircuits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_sold_out_short_circuits_total",
		Help: "Reservation attempts rejected by a cached sold-out flag.",
	})
)
