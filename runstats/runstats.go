// Package runstats records the outcome of a run as Prometheus metrics and
// writes them in text format for the node_exporter textfile collector.
package runstats

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pgstats"

// Stats is the per-run metric set. It uses its own registry so nothing
// leaks into the default one.
type Stats struct {
	registry *prometheus.Registry

	records        *prometheus.GaugeVec
	publishFailed  *prometheus.GaugeVec
	publishErrors  *prometheus.GaugeVec
	lastRun        prometheus.Gauge
	lastRunSuccess prometheus.Gauge
	duration       prometheus.Gauge
}

// New creates an empty metric set.
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Delta records calculated in the last run.",
		}, []string{"pipeline"}),
		publishFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_publish_failed",
			Help:      "Delta records that could not be indexed in the last run.",
		}, []string{"pipeline"}),
		publishErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publish_errors",
			Help:      "Index or bulk request failures in the last run.",
		}, []string{"pipeline"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Start time of the last run.",
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run finished without a fatal error.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
	}
	s.registry.MustRegister(s.records, s.publishFailed, s.publishErrors,
		s.lastRun, s.lastRunSuccess, s.duration)
	return s
}

// Started stamps the run start.
func (s *Stats) Started(t time.Time) {
	s.lastRun.Set(float64(t.Unix()))
}

// Calculated records how many delta records a pipeline produced.
func (s *Stats) Calculated(pipeline string, n int) {
	s.records.WithLabelValues(pipeline).Set(float64(n))
}

// Published records the publish outcome of a pipeline.
func (s *Stats) Published(pipeline string, failedRecords, errs int) {
	s.publishFailed.WithLabelValues(pipeline).Set(float64(failedRecords))
	s.publishErrors.WithLabelValues(pipeline).Set(float64(errs))
}

// Finished stamps the end of the run.
func (s *Stats) Finished(d time.Duration, success bool) {
	s.duration.Set(d.Seconds())
	if success {
		s.lastRunSuccess.Set(1)
	} else {
		s.lastRunSuccess.Set(0)
	}
}

// Gatherer exposes the registry, mostly for tests.
func (s *Stats) Gatherer() prometheus.Gatherer {
	return s.registry
}

// WriteTextfile writes the metrics to path atomically. An empty path is a
// no-op.
func (s *Stats) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, s.registry)
}
