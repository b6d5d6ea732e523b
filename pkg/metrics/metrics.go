package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Acceptor metrics
	ConnectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beedrive_connections_accepted_total",
			Help: "Total number of accepted client connections",
		},
	)

	HandshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beedrive_handshake_failures_total",
			Help: "Total number of rejected handshakes by reason",
		},
		[]string{"reason"},
	)

	DispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beedrive_dispatch_retries_total",
			Help: "Total number of backpressure retries while every manager was full",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beedrive_dispatch_latency_seconds",
			Help:    "Time from handshake to worker assignment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ManagersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beedrive_managers_total",
			Help: "Number of live worker managers",
		},
	)

	// Worker metrics
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beedrive_workers_active",
			Help: "Number of workers currently owning a connection",
		},
	)

	WorkersByStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beedrive_workers_by_stage",
			Help: "Number of live workers by lifecycle stage",
		},
		[]string{"stage"},
	)

	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beedrive_transfers_total",
			Help: "Total number of finished transfers by kind and result",
		},
		[]string{"kind", "result"},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beedrive_transfer_duration_seconds",
			Help:    "Transfer duration in seconds by kind",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsAccepted)
	prometheus.MustRegister(HandshakeFailures)
	prometheus.MustRegister(DispatchRetries)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(ManagersTotal)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(WorkersByStage)
	prometheus.MustRegister(TransfersTotal)
	prometheus.MustRegister(TransferDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
