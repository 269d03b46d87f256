// Package metrics centralizes every Prometheus collector the bridge
// exposes. Registering everything in one constructor, instead of the
// scattered per-package init() pattern, means a single call site
// decides the registry and there is never a risk of two packages
// racing to register the same metric name twice.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the bridge reports.
type Metrics struct {
	SharesAccepted    *prometheus.CounterVec
	SharesRejected    *prometheus.CounterVec
	BlocksFound       *prometheus.CounterVec
	BlocksAccepted    *prometheus.CounterVec
	CurrentDifficulty *prometheus.GaugeVec
	EstimatedHashrate *prometheus.GaugeVec
	ConnectedMiners   *prometheus.GaugeVec
	JobAgeSeconds     prometheus.Gauge
}

// New registers every collector against reg and returns the handle used
// to update them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SharesAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shares_accepted_total",
			Help: "Total number of shares accepted, by worker and instance.",
		}, []string{"worker", "instance"}),
		SharesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shares_rejected_total",
			Help: "Total number of shares rejected, by worker, reason, and instance.",
		}, []string{"worker", "reason", "instance"}),
		BlocksFound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blocks_found_total",
			Help: "Total number of shares that met the network target, by instance.",
		}, []string{"instance"}),
		BlocksAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blocks_accepted_total",
			Help: "Total number of found blocks the node accepted, by instance.",
		}, []string{"instance"}),
		CurrentDifficulty: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "current_difficulty",
			Help: "Current vardiff difficulty, by worker.",
		}, []string{"worker"}),
		EstimatedHashrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "estimated_hashrate",
			Help: "Estimated hashrate derived from share rate and difficulty, by worker.",
		}, []string{"worker"}),
		ConnectedMiners: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connected_miners",
			Help: "Number of currently connected mining sessions, by detected miner family.",
		}, []string{"family"}),
		JobAgeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "job_age_seconds",
			Help: "Age in seconds of the most recently published job.",
		}),
	}
}
