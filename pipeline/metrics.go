package pipeline

import "github.com/prometheus/client_golang/prometheus"

// executorMetrics holds metrics related to pipeline execution.
type executorMetrics struct {
	executing    *prometheus.GaugeVec
	executingDur *prometheus.HistogramVec
	stageDur     *prometheus.HistogramVec
	chunks       *prometheus.CounterVec
	failures     *prometheus.CounterVec
}

func newExecutorMetrics() *executorMetrics {
	const (
		namespace = "exec"
		subsystem = "pipeline"
	)

	return &executorMetrics{
		executing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "executing_active",
			Help:      "Number of pipelines actively executing",
		}, nil),

		executingDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "executing_duration_seconds",
			Help:      "Histogram of times spent executing pipelines",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 5, 7),
		}, nil),

		stageDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      "Histogram of times spent running individual stages",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 5, 7),
		}, []string{"stage"}),

		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "output_chunks_total",
			Help:      "Count of chunks emitted on final output ports",
		}, []string{"role"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Count of pipeline executions terminated by a stage error",
		}, nil),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (em *executorMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		em.executing,
		em.executingDur,
		em.stageDur,
		em.chunks,
		em.failures,
	}
}
