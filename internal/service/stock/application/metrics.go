// internal/service/stock/application/metrics.go
package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_created_total",
		Help: "Number of reservations successfully created.",
	})

	reservationsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_committed_total",
		Help: "Number of reservations committed.",
	})

	reservationsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_released_total",
		Help: "Number of reservations released, by cause.",
	}, []string{"cause"}) // cancel / expire

	insufficientStockRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_insufficient_rejections_total",
		Help: "Number of reserve/plan requests rejected for insufficient stock.",
	})

	contentionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_contention_retries_total",
		Help: "Number of ledger transactions retried after row contention.",
	})

	outboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_outbox_published_total",
		Help: "Number of outbox events successfully published to the bus.",
	})

	outboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stock_outbox_backlog",
		Help: "Outbox events still waiting to be published.",
	})

	sweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_sweeper_expired_total",
		Help: "Number of reservations transitioned to EXPIRED by the sweeper.",
	})
)
