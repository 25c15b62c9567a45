package partnerdb

import "github.com/prometheus/client_golang/prometheus"

// MetricsRegisterer is the subset of prometheus.Registerer Options needs;
// passing a *prometheus.Registry (or the default registerer) wires the
// collectors below into a scrape endpoint, the same pattern
// miretskiy-rollingstone and ChuLiYu-raft-recovery use to expose a
// storage/replication core's health to Prometheus.
type MetricsRegisterer = prometheus.Registerer

// metrics holds every collector the write/compaction pipeline updates.
// A nil *metrics (Options.MetricsRegisterer unset) is valid: every
// method below is a no-op guarded by a nil receiver check, so call
// sites never need their own "if metrics enabled" branch.
type metrics struct {
	writes           prometheus.Counter
	writeBytes       prometheus.Counter
	flushes          prometheus.Counter
	flushDuration    prometheus.Histogram
	compactions      *prometheus.CounterVec
	compactionBytes  prometheus.Counter
	compactionMillis prometheus.Histogram
	l0FileCount      prometheus.Gauge
	memtableBytes    prometheus.Gauge
}

func newMetrics(reg MetricsRegisterer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "partnerdb", Name: "writes_total", Help: "Committed write batches.",
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "partnerdb", Name: "write_bytes_total", Help: "Bytes appended to the WAL.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "partnerdb", Name: "flushes_total", Help: "Memtable flushes to L0.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "partnerdb", Name: "flush_duration_seconds", Help: "Memtable flush duration.",
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partnerdb", Name: "compactions_total", Help: "Compactions run, by kind.",
		}, []string{"kind"}),
		compactionBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "partnerdb", Name: "compaction_bytes_total", Help: "Bytes written by compaction.",
		}),
		compactionMillis: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "partnerdb", Name: "compaction_duration_seconds", Help: "Compaction duration.",
		}),
		l0FileCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "partnerdb", Name: "l0_file_count", Help: "Runs currently in L0.",
		}),
		memtableBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "partnerdb", Name: "active_memtable_bytes", Help: "Size of the active memtable.",
		}),
	}
	reg.MustRegister(m.writes, m.writeBytes, m.flushes, m.flushDuration, m.compactions,
		m.compactionBytes, m.compactionMillis, m.l0FileCount, m.memtableBytes)
	return m
}

func (m *metrics) recordWrite(nBytes int) {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.writeBytes.Add(float64(nBytes))
}

func (m *metrics) recordFlush(seconds float64) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.flushDuration.Observe(seconds)
}

func (m *metrics) recordCompaction(kind string, bytesWritten int64, seconds float64) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(kind).Inc()
	m.compactionBytes.Add(float64(bytesWritten))
	m.compactionMillis.Observe(seconds)
}

func (m *metrics) setL0FileCount(n int) {
	if m == nil {
		return
	}
	m.l0FileCount.Set(float64(n))
}

func (m *metrics) setMemtableBytes(n uint64) {
	if m == nil {
		return
	}
	m.memtableBytes.Set(float64(n))
}
