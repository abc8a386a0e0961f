package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goosewin/servebatch/internal/checkpoint"
)

// checkpointCollector reads checkpoint files at scrape time.
type checkpointCollector struct {
	paths     []string
	up        *prometheus.Desc
	lastIndex *prometheus.Desc
	processed *prometheus.Desc
	totalRows *prometheus.Desc
	complete  *prometheus.Desc
}

func newCheckpointCollector(paths []string) *checkpointCollector {
	labels := []string{"checkpoint"}
	return &checkpointCollector{
		paths:     paths,
		up:        prometheus.NewDesc("servebatch_checkpoint_up", "Whether the checkpoint file could be read.", labels, nil),
		lastIndex: prometheus.NewDesc("servebatch_checkpoint_last_index", "last_absolute_index recorded in the checkpoint.", labels, nil),
		processed: prometheus.NewDesc("servebatch_checkpoint_processed", "processed_count recorded in the checkpoint.", labels, nil),
		totalRows: prometheus.NewDesc("servebatch_checkpoint_total_rows", "total_rows recorded in the checkpoint.", labels, nil),
		complete:  prometheus.NewDesc("servebatch_checkpoint_complete", "Whether every row has been processed.", labels, nil),
	}
}

func (c *checkpointCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.lastIndex
	ch <- c.processed
	ch <- c.totalRows
	ch <- c.complete
}

func (c *checkpointCollector) Collect(ch chan<- prometheus.Metric) {
	seen := map[string]bool{}
	for _, path := range c.paths {
		name := CheckpointName(path)
		if seen[name] {
			continue
		}
		seen[name] = true

		state, err := checkpoint.Read(path)
		if err != nil {
			ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0, name)
			continue
		}
		complete := 0.0
		if state.Complete() {
			complete = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1, name)
		ch <- prometheus.MustNewConstMetric(c.lastIndex, prometheus.GaugeValue, float64(state.LastAbsoluteIndex), name)
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.GaugeValue, float64(state.ProcessedCount), name)
		ch <- prometheus.MustNewConstMetric(c.totalRows, prometheus.GaugeValue, float64(state.TotalRows), name)
		ch <- prometheus.MustNewConstMetric(c.complete, prometheus.GaugeValue, complete, name)
	}
}
