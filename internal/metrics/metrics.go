// Package metrics exposes the engine's prometheus instrumentation, using
// the GaugeVec/CounterVec idiom for per-partition and per-endpoint labels.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter and gauge the engine and server update.
type Metrics struct {
	Ingests     *prometheus.CounterVec
	Rejects     *prometheus.CounterVec
	Flushes     *prometheus.CounterVec
	Queries     *prometheus.CounterVec
	MemtableLen *prometheus.GaugeVec
	IndexFiles  *prometheus.GaugeVec
}

// New constructs and registers the engine's metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blacklistd",
			Name:      "ingests_total",
			Help:      "Number of successful key ingests, by partition.",
		}, []string{"partition"}),
		Rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blacklistd",
			Name:      "ingest_rejects_total",
			Help:      "Number of ingests rejected as already-blacklisted, by partition.",
		}, []string{"partition"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blacklistd",
			Name:      "flushes_total",
			Help:      "Number of memtable-to-index-file flushes, by partition.",
		}, []string{"partition"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blacklistd",
			Name:      "queries_total",
			Help:      "Number of lookup requests served, by endpoint.",
		}, []string{"endpoint"}),
		MemtableLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blacklistd",
			Name:      "memtable_len",
			Help:      "Current number of keys in a partition's memtable.",
		}, []string{"partition"}),
		IndexFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blacklistd",
			Name:      "index_files",
			Help:      "Current number of immutable index files in a partition.",
		}, []string{"partition"}),
	}
	reg.MustRegister(m.Ingests, m.Rejects, m.Flushes, m.Queries, m.MemtableLen, m.IndexFiles)
	return m
}
