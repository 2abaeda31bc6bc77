package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailflow"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items_total",
			Help:      "Total items processed by final disposition",
		},
		[]string{"disposition"},
	)

	itemsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claimed_total",
			Help:      "Total items claimed from the queue (before dispatch). Sum of items_total should match this.",
		},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time to dispatch one item to the delivery gateway",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock time of one processing pass",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

// recordDisposition records the final disposition of one processed item.
func recordDisposition(disposition string) {
	itemsProcessed.WithLabelValues(disposition).Inc()
}

// recordClaimed records the number of items claimed in one pass.
func recordClaimed(count int) {
	itemsClaimed.Add(float64(count))
}

// recordSendDuration records one gateway dispatch duration.
func recordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

// recordRunDuration records one full pass duration.
func recordRunDuration(d time.Duration) {
	runDuration.Observe(d.Seconds())
}

// RecordStats updates queue size gauges.
func RecordStats(stats *Stats) {
	queueSize.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(StatusProcessing)).Set(float64(stats.Processing))
	queueSize.WithLabelValues(string(StatusSent)).Set(float64(stats.Sent))
	queueSize.WithLabelValues(string(StatusDead)).Set(float64(stats.Dead))
}
