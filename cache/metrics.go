package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "imaging"
const metricsSubsystem = "cache"

type metrics struct {
	entries      prometheus.Gauge
	bytes        prometheus.Gauge
	maximumBytes prometheus.Gauge
	evictions    prometheus.Counter
	loadFailures prometheus.Counter
}

func newMetrics(r prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "entries",
			Help:      "Number of pending and settled entries in the image cache.",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "bytes",
			Help:      "Sum of the sizes of settled entries in the image cache.",
		}),
		maximumBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "maximum_bytes",
			Help:      "Byte budget of the image cache.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "evictions_total",
			Help:      "Entries evicted to restore the byte budget.",
		}),
		loadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "load_failures_total",
			Help:      "Pending loads that were rejected.",
		}),
	}
	if r == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.entries, m.bytes, m.maximumBytes, m.evictions, m.loadFailures} {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observe records the ledger state. Callers hold the cache lock.
func (m *metrics) observe(info Info) {
	m.entries.Set(float64(info.NumberOfEntries))
	m.bytes.Set(float64(info.CacheSizeInBytes))
	m.maximumBytes.Set(float64(info.MaximumSizeInBytes))
}
