// Package metrics renders the history ledger as Prometheus gauges in a
// node_exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kebairia/sitebackup/internal/store"
)

// Status values of sitebackup_last_status.
const (
	statusCompleted  = 0
	statusWithErrors = 1
	statusFailed     = 2
)

// Collector holds the gauges derived from the ledger.
type Collector struct {
	reg           *prometheus.Registry
	lastRun       *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec
	lastDuration  *prometheus.GaugeVec
	lastSize      *prometheus.GaugeVec
	lastStatus    *prometheus.GaugeVec
	records       prometheus.Gauge
	retainedBytes prometheus.Gauge
}

// NewCollector returns a Collector on its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	byType := []string{"type"}
	return &Collector{
		reg: reg,
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitebackup_last_run_timestamp_seconds",
			Help: "Start time of the most recent backup job",
		}, byType),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitebackup_last_success_timestamp_seconds",
			Help: "Start time of the most recent backup job that completed without errors",
		}, byType),
		lastDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitebackup_last_duration_seconds",
			Help: "Duration of the most recent backup job",
		}, byType),
		lastSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitebackup_last_size_bytes",
			Help: "Total artifact size of the most recent backup job",
		}, byType),
		lastStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitebackup_last_status",
			Help: "Status of the most recent backup job (0=completed, 1=completed with errors, 2=failed)",
		}, byType),
		records: f.NewGauge(prometheus.GaugeOpts{
			Name: "sitebackup_history_records",
			Help: "Number of records in the history ledger",
		}),
		retainedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "sitebackup_history_size_bytes",
			Help: "Sum of artifact sizes referenced by the history ledger",
		}),
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Observe sets the gauges from records, newest first.
func (c *Collector) Observe(records []store.Record) {
	c.records.Set(float64(len(records)))
	var total int64
	seenRun := map[string]bool{}
	seenOK := map[string]bool{}
	for _, r := range records {
		total += r.Size
		if !seenRun[r.Type] {
			seenRun[r.Type] = true
			c.lastRun.WithLabelValues(r.Type).Set(float64(r.Timestamp))
			c.lastDuration.WithLabelValues(r.Type).Set(r.Duration)
			c.lastSize.WithLabelValues(r.Type).Set(float64(r.Size))
			c.lastStatus.WithLabelValues(r.Type).Set(statusValue(r.Status))
		}
		if r.Status == store.StatusCompleted && !seenOK[r.Type] {
			seenOK[r.Type] = true
			c.lastSuccess.WithLabelValues(r.Type).Set(float64(r.Timestamp))
		}
	}
	c.retainedBytes.Set(float64(total))
}

func statusValue(s string) float64 {
	switch s {
	case store.StatusCompleted:
		return statusCompleted
	case store.StatusCompletedWithErrors:
		return statusWithErrors
	default:
		return statusFailed
	}
}

// WriteTextfile renders records into path for the node_exporter textfile
// collector. The file is replaced atomically.
func WriteTextfile(path string, records []store.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(path), err)
	}
	c := NewCollector()
	c.Observe(records)
	if err := prometheus.WriteToTextfile(path, c.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
