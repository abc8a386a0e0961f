// Package metrics holds the Prometheus collectors shared by the batch driver,
// the message sender and the status server.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the registry all servebatch collectors are registered with.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// RowsProcessed counts rows sent to the model, by dialect.
	RowsProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "servebatch_rows_processed_total",
		Help: "Rows sent to the model and recorded.",
	}, []string{"api_type"})

	// RowsErrored counts processed rows whose response is an error string.
	RowsErrored = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "servebatch_rows_errored_total",
		Help: "Processed rows recorded with an error response.",
	}, []string{"api_type"})

	// SendFailures counts failed inference requests by failure class.
	SendFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "servebatch_send_failures_total",
		Help: "Inference requests that failed, by reason.",
	}, []string{"api_type", "reason"})

	// RowsSkipped counts rows skipped because a checkpoint already covers them.
	RowsSkipped = factory.NewCounter(prometheus.CounterOpts{
		Name: "servebatch_rows_skipped_total",
		Help: "Rows skipped because they were completed by an earlier run.",
	})

	// SendDuration tracks inference latency per dialect.
	SendDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "servebatch_send_duration_seconds",
		Help:    "Time spent waiting for one inference request.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"api_type"})

	// Flushes counts checkpoint and output flushes by store and outcome.
	Flushes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "servebatch_flushes_total",
		Help: "Checkpoint and output flushes.",
	}, []string{"store", "outcome"})

	// LastIndex mirrors the in-memory last_absolute_index of the running batch.
	LastIndex = factory.NewGauge(prometheus.GaugeOpts{
		Name: "servebatch_last_absolute_index",
		Help: "Index of the most recently completed row.",
	})

	// TotalRows is the number of non-blank data rows in the input CSV.
	TotalRows = factory.NewGauge(prometheus.GaugeOpts{
		Name: "servebatch_total_rows",
		Help: "Non-blank data rows in the input CSV.",
	})
)

// WriteTextfile dumps the registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
