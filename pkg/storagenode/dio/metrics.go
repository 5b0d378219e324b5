package dio

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dio_engine"

type engineMetrics struct {
	tasks        *prometheus.CounterVec
	chunkSeconds *prometheus.HistogramVec
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

func newEngineMetrics(r prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_total",
			Help:      "Completed file tasks by operation and status.",
		}, []string{"op", "status"}),
		chunkSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_duration_seconds",
			Help:      "Duration of single chunk executions by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_read_total",
			Help:      "Payload bytes read from disk.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_written_total",
			Help:      "Payload bytes written to disk.",
		}),
	}

	if r != nil {
		r.MustRegister(m.tasks, m.chunkSeconds, m.bytesRead, m.bytesWritten)
	}

	return m
}

func (m *engineMetrics) chunkDone(op Op, d time.Duration) {
	m.chunkSeconds.WithLabelValues(op.String()).Observe(d.Seconds())
}

func (m *engineMetrics) taskDone(op Op, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.tasks.WithLabelValues(op.String(), status).Inc()
}

func (m *engineMetrics) addRead(n int64) {
	m.bytesRead.Add(float64(n))
}

func (m *engineMetrics) addWritten(n int64) {
	m.bytesWritten.Add(float64(n))
}
