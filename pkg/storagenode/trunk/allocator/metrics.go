package allocator

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "trunk_allocator"

type metrics struct {
	freeSpace        prometheus.Gauge
	allocations      prometheus.Counter
	frees            prometheus.Counter
	duplicateInserts prometheus.Counter
	trunkFiles       prometheus.Counter
	compactions      prometheus.Counter
}

func newMetrics(r prometheus.Registerer) *metrics {
	m := &metrics{
		freeSpace: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "free_space_bytes",
			Help:      "Total indexed trunk free space, held slots included.",
		}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "allocations_total",
			Help:      "Number of successful slot allocations.",
		}),
		frees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frees_total",
			Help:      "Number of slots returned to the free index.",
		}),
		duplicateInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplicate_inserts_total",
			Help:      "Free extent insertions rejected as duplicates during restore.",
		}),
		trunkFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "trunk_files_created_total",
			Help:      "Number of trunk files created.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "binlog_compactions_total",
			Help:      "Number of completed binlog compaction runs.",
		}),
	}

	if r != nil {
		r.MustRegister(
			m.freeSpace,
			m.allocations,
			m.frees,
			m.duplicateInserts,
			m.trunkFiles,
			m.compactions,
		)
	}

	return m
}

func (m *metrics) setFreeSpace(v int64) {
	m.freeSpace.Set(float64(v))
}
