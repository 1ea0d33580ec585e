// Package metrics holds the Prometheus collectors of the bargain service.
// Collectors register with the default registry and are served by
// promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionsStarted counts sessions created.
var SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pricecut",
	Subsystem: "bargain",
	Name:      "sessions_started_total",
	Help:      "Bargain sessions started",
})

// SessionsClosed counts terminal transitions by status.
var SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pricecut",
	Subsystem: "bargain",
	Name:      "sessions_closed_total",
	Help:      "Bargain sessions moved to a terminal status",
}, []string{"status"})

// CutsApplied counts durable cuts.
var CutsApplied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pricecut",
	Subsystem: "bargain",
	Name:      "cuts_applied_total",
	Help:      "Cuts durably applied",
})

// CutAmount observes applied cut sizes in minor units.
var CutAmount = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "pricecut",
	Subsystem: "bargain",
	Name:      "cut_amount",
	Help:      "Applied cut amount in minor currency units",
	Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
})

// OperationErrors counts failed engine operations by operation and error kind.
var OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pricecut",
	Subsystem: "bargain",
	Name:      "operation_errors_total",
	Help:      "Failed engine operations by error kind",
}, []string{"op", "kind"})

// EventsRelayed counts success events handed to notifiers by the relay.
var EventsRelayed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pricecut",
	Subsystem: "relay",
	Name:      "events_total",
	Help:      "Success events read from the stream and relayed",
})

// SessionsArchived counts sessions written to cold storage.
var SessionsArchived = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pricecut",
	Subsystem: "archive",
	Name:      "sessions_total",
	Help:      "Terminal sessions archived to object storage",
})

// HTTPRequests counts HTTP requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pricecut",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests by route and status",
}, []string{"route", "code"})

// HTTPDuration observes HTTP latency by route pattern.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "pricecut",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by route",
	Buckets:   prometheus.DefBuckets,
}, []string{"route"})

// WSClients tracks connected websocket clients.
var WSClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "pricecut",
	Subsystem: "ws",
	Name:      "clients",
	Help:      "Connected websocket clients",
})
