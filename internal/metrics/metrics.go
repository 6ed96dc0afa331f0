// Package metrics holds the process-wide Prometheus collectors for the send
// pipeline. They are registered on the default registry at init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "massmail_deliveries_total",
		Help: "Total number of delivery attempts grouped by transport and outcome",
	}, []string{"transport", "outcome"})
	DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "massmail_delivery_duration_seconds",
		Help:    "Time spent handing one message to the transport",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
	}, []string{"transport"})
	// Jobs counts finished send jobs. result is completed, stopped or failed.
	Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "massmail_jobs_total",
		Help: "Total number of send jobs grouped by how they ended",
	}, []string{"result"})
	JobRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "massmail_job_running",
		Help: "1 while a send job is active",
	})
	RecipientsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "massmail_recipients_skipped_total",
		Help: "Recipients dropped at job start because the history ledger already had them",
	})
	HistoryWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "massmail_history_write_failures_total",
		Help: "Successful deliveries that could not be recorded in the history ledger",
	})
)

// Outcome label values for Deliveries.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

func init() {
	prometheus.MustRegister(Deliveries)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(Jobs)
	prometheus.MustRegister(JobRunning)
	prometheus.MustRegister(RecipientsSkipped)
	prometheus.MustRegister(HistoryWriteFailures)
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
