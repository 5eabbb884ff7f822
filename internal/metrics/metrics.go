package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
	OutcomeSkipped   = "skipped"
)

var (
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_runs_total",
		Help: "Publish runs by result",
	}, []string{"result"})

	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatcher_run_duration_seconds",
		Help:    "Wall time of one publish run",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 45, 60},
	})

	ItemsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_items_processed_total",
		Help: "Ready content items examined by publish runs",
	})

	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_deliveries_total",
		Help: "Delivery attempts by platform and outcome",
	}, []string{"platform", "outcome"})

	PublishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatcher_publish_duration_seconds",
		Help:    "Latency of platform publish calls",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
	}, []string{"platform", "status"})

	AttemptsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcher_delivery_attempts",
		Help: "Stored delivery attempt records by state",
	}, []string{"state"})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_notifications_total",
		Help: "Failure notifications by sink and status",
	}, []string{"sink", "status"})
)

// MustRegister registers all dispatcher collectors.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		RunsTotal,
		RunDuration,
		ItemsProcessed,
		DeliveriesTotal,
		PublishDuration,
		AttemptsByState,
		NotificationsTotal,
	)
}

// ObserveRun records the result and duration of one run.
func ObserveRun(result string, itemsProcessed int, duration time.Duration) {
	if result == "" {
		result = "unknown"
	}
	RunsTotal.WithLabelValues(result).Inc()
	RunDuration.Observe(duration.Seconds())
	if itemsProcessed > 0 {
		ItemsProcessed.Add(float64(itemsProcessed))
	}
}

// ObservePublish records the latency of one platform call.
func ObservePublish(platform string, start time.Time, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	PublishDuration.WithLabelValues(label(platform), status).Observe(time.Since(start).Seconds())
}

func IncDelivery(platform, outcome string) {
	DeliveriesTotal.WithLabelValues(label(platform), label(outcome)).Inc()
}

func IncNotification(sink string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	NotificationsTotal.WithLabelValues(label(sink), status).Inc()
}

// SetAttemptCounts replaces the per-state gauge values.
func SetAttemptCounts(counts map[string]int64) {
	AttemptsByState.Reset()
	for state, n := range counts {
		AttemptsByState.WithLabelValues(label(state)).Set(float64(n))
	}
}

func label(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
