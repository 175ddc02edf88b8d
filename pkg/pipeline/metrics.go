package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "gamesync_"

// Identifier outcomes used as metric labels.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Metrics holds the Prometheus collectors of a driver.
//
// Collectors are registered on the Registerer passed to NewMetrics, so
// several drivers (or tests) can coexist in one process.
type Metrics struct {
	identifiers   *prometheus.CounterVec
	retries       prometheus.Counter
	fetchDuration *prometheus.HistogramVec
	rowsAppended  *prometheus.CounterVec
	deduplicated  *prometheus.CounterVec
	pending       prometheus.Gauge
	batches       prometheus.Counter
}

// NewMetrics registers the driver collectors on reg. A nil reg creates an
// unregistered set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		identifiers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "identifiers_total",
				Help: "Identifiers settled, by outcome",
			},
			[]string{"outcome"},
		),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "retries_total",
			Help: "Failed fetch attempts that were retried",
		}),
		fetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "fetch_duration_seconds",
				Help:    "Upstream call latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"query"},
		),
		rowsAppended: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "rows_appended_total",
				Help: "Rows appended to sink tables",
			},
			[]string{"output"},
		),
		deduplicated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "rows_deduplicated_total",
				Help: "Duplicate rows removed from sink tables",
			},
			[]string{"output"},
		),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "pending_identifiers",
			Help: "Identifiers not yet settled in the current run",
		}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "batches_completed_total",
			Help: "Batches fully processed",
		}),
	}
}

func (m *Metrics) recordOutcome(outcome string) {
	m.identifiers.WithLabelValues(outcome).Inc()
	m.pending.Dec()
}

func (m *Metrics) recordFetch(query string, d time.Duration) {
	m.fetchDuration.WithLabelValues(query).Observe(d.Seconds())
}
