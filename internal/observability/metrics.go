// Package observability holds the process-wide Prometheus collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shipmatch"

var (
	EscrowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "escrow_transitions_total", Help: "Applied escrow transitions"},
		[]string{"from", "to"},
	)
	EscrowRejectedTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "escrow_rejected_transitions_total", Help: "Escrow events rejected by the state machine"},
		[]string{"event"},
	)
	Payouts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payouts_total", Help: "Payout attempts by result"},
		[]string{"result"},
	)
	AutoConfirms = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "auto_confirms_total", Help: "Deliveries confirmed by deadline expiry"})

	LocationReports = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_reports_total", Help: "Location reports by result"},
		[]string{"result"},
	)
	RelayWatchers       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "relay_watchers", Help: "Currently subscribed location watchers"})
	RelayDroppedUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "relay_dropped_updates_total", Help: "Updates dropped for slow watchers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
