// Package metrics collects per-run measurements and writes them in the
// Prometheus text exposition format, for node_exporter's textfile collector.
package metrics

import (
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// FileName is the textfile written into the output directory.
const FileName = "pipebench.prom"

// Recorder holds the metrics of one pipebench invocation.
type Recorder struct {
	registry *prometheus.Registry

	duration  *prometheus.GaugeVec
	exitCode  *prometheus.GaugeVec
	pipelines *prometheus.CounterVec
}

// New returns a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		duration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipebench_pipeline_duration_seconds",
				Help: "Wall time of the last execution of a pipeline",
			},
			[]string{"case", "pipeline"},
		),
		exitCode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipebench_stage_exit_code",
				Help: "Exit status of a stage process, 128+signal when killed",
			},
			[]string{"case", "pipeline", "stage"},
		),
		pipelines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipebench_pipelines_total",
				Help: "Pipelines executed, by outcome",
			},
			[]string{"status"},
		),
	}
	r.registry.MustRegister(r.duration, r.exitCode, r.pipelines)
	return r
}

// Stage is the exit status of one stage.
type Stage struct {
	Index int
	Code  int
}

// Observe records one pipeline execution.
func (r *Recorder) Observe(caseName string, pipeline int, seconds float64, stages []Stage, status string) {
	p := strconv.Itoa(pipeline)
	r.duration.WithLabelValues(caseName, p).Set(seconds)
	for _, s := range stages {
		r.exitCode.WithLabelValues(caseName, p, strconv.Itoa(s.Index)).Set(float64(s.Code))
	}
	r.pipelines.WithLabelValues(status).Inc()
}

// Gatherer exposes the registry.
func (r *Recorder) Gatherer() prometheus.Gatherer { return r.registry }

// WriteFile writes the metrics to dir/pipebench.prom, replacing it
// atomically.
func (r *Recorder) WriteFile(dir string) error {
	return prometheus.WriteToTextfile(filepath.Join(dir, FileName), r.registry)
}
