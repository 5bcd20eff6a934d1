// Package metrics exposes the Prometheus counters and gauges emitted by
// the page store and the indexing engine. The metric vectors are
// registered with the default registry through promauto when this
// package is initialised; a labelled series appears the first time an
// Env or Index method is called for its labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_pages_allocated_total",
		Help: "Pages served by the free-space manager, by environment.",
	}, []string{"env"})

	pagesFreed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_pages_freed_total",
		Help: "Pages returned to the free-space manager, by environment.",
	}, []string{"env"})

	fileSizePages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docstore_file_size_pages",
		Help: "Current backing region size in pages, by environment.",
	}, []string{"env"})

	treeDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docstore_tree_depth",
		Help: "Depth of a named tree.",
	}, []string{"env", "tree"})

	treeEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docstore_tree_entries",
		Help: "Live entry count of a named tree.",
	}, []string{"env", "tree"})

	commitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docstore_commit_latency_seconds",
		Help:    "Latency of write-transaction commit, including sync.",
		Buckets: prometheus.DefBuckets,
	}, []string{"env"})

	indexLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docstore_index_lag_entries",
		Help: "Difference between the global etag and an index's lastMappedEtag.",
	}, []string{"index", "collection"})

	indexedDocs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_index_documents_mapped_total",
		Help: "Documents passed to an index's persistence.Write.",
	}, []string{"index", "collection"})

	indexedTombstones = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docstore_index_tombstones_cleaned_total",
		Help: "Tombstones passed to an index's persistence.Delete.",
	}, []string{"index", "collection"})
)

// Env groups the counters and gauges for one storage environment
// (either the document store's own environment, or one index's).
type Env struct {
	name string
}

// ForEnv returns a metrics handle labeled with the given environment name.
func ForEnv(name string) *Env {
	return &Env{name: name}
}

func (e *Env) PageAllocated()      { pagesAllocated.WithLabelValues(e.name).Inc() }
func (e *Env) PageFreed()          { pagesFreed.WithLabelValues(e.name).Inc() }
func (e *Env) SetFileSizePages(n int) {
	fileSizePages.WithLabelValues(e.name).Set(float64(n))
}

func (e *Env) SetTreeDepth(tree string, depth int) {
	treeDepth.WithLabelValues(e.name, tree).Set(float64(depth))
}

func (e *Env) SetTreeEntries(tree string, n int) {
	treeEntries.WithLabelValues(e.name, tree).Set(float64(n))
}

// CommitObserver returns this environment's commit-latency histogram;
// callers pass a finished commit's duration in seconds to its Observe.
func (e *Env) CommitObserver() prometheus.Observer {
	return commitLatency.WithLabelValues(e.name)
}

// Index groups the counters and gauges for one named index/collection pair.
type Index struct {
	index, collection string
}

func ForIndex(index, collection string) *Index {
	return &Index{index: index, collection: collection}
}

func (i *Index) SetLag(n int64) {
	indexLag.WithLabelValues(i.index, i.collection).Set(float64(n))
}

func (i *Index) DocumentMapped() {
	indexedDocs.WithLabelValues(i.index, i.collection).Inc()
}

func (i *Index) TombstoneCleaned() {
	indexedTombstones.WithLabelValues(i.index, i.collection).Inc()
}
