// Package metrics records run outcomes for the node_exporter textfile
// collector. The host is air-gapped, so nothing is pushed or served; the
// run writes one text file that the local node_exporter picks up.
package metrics

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/stagecue/cuehost/internal/config"
)

// Recorder accumulates run metrics on a private registry
type Recorder struct {
	textfilePath string

	registry      *prometheus.Registry
	syncResults   *prometheus.CounterVec
	mountErrors   *prometheus.CounterVec
	unmountErrors prometheus.Counter
	lastRunTime   prometheus.Gauge
	appExitCode   prometheus.Gauge
	appCrashed    prometheus.Gauge
}

// NewRecorder creates a recorder. An empty textfile path yields a disabled
// recorder whose record calls still work but whose Flush is a no-op.
func NewRecorder(cfg config.MetricsConfig) *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		textfilePath: cfg.TextfilePath,
		registry:     registry,
		syncResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cuehost_sync_results_total",
			Help: "Sync pass outcomes by repository and status",
		}, []string{"repo", "status"}),
		mountErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cuehost_mount_errors_total",
			Help: "Medium acquire failures by kind",
		}, []string{"kind"}),
		unmountErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cuehost_unmount_errors_total",
			Help: "Medium release failures",
		}),
		lastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cuehost_last_run_timestamp_seconds",
			Help: "Unix time of the last orchestrator run",
		}),
		appExitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cuehost_app_exit_code",
			Help: "Exit code of the last application launch",
		}),
		appCrashed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cuehost_app_crashed",
			Help: "Whether the last application launch ended by signal (1) or exit (0)",
		}),
	}

	registry.MustRegister(r.syncResults, r.mountErrors, r.unmountErrors,
		r.lastRunTime, r.appExitCode, r.appCrashed)
	return r
}

// Enabled reports whether a textfile path is configured
func (r *Recorder) Enabled() bool {
	return r.textfilePath != ""
}

// RecordSyncResult counts one per-repository sync outcome
func (r *Recorder) RecordSyncResult(repo, status string) {
	r.syncResults.WithLabelValues(repo, status).Inc()
}

// RecordMountError counts a failed acquire
func (r *Recorder) RecordMountError(kind string) {
	r.mountErrors.WithLabelValues(kind).Inc()
}

// RecordUnmountError counts a failed release
func (r *Recorder) RecordUnmountError() {
	r.unmountErrors.Inc()
}

// RecordRun stamps the run time
func (r *Recorder) RecordRun() {
	r.lastRunTime.Set(float64(time.Now().Unix()))
}

// RecordLaunch records the application outcome
func (r *Recorder) RecordLaunch(exitCode int, crashed bool) {
	r.appExitCode.Set(float64(exitCode))
	if crashed {
		r.appCrashed.Set(1)
	} else {
		r.appCrashed.Set(0)
	}
}

// Flush writes the registry to the textfile atomically (temp file plus
// rename) so node_exporter never reads a half-written file
func (r *Recorder) Flush() error {
	if !r.Enabled() {
		return nil
	}

	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}

	dir := filepath.Dir(r.textfilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	tempPath := r.textfilePath + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write temp metrics file: %w", err)
	}
	if err := os.Rename(tempPath, r.textfilePath); err != nil {
		return fmt.Errorf("failed to rename metrics file: %w", err)
	}
	return nil
}
