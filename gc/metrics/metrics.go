// Package metrics exposes Prometheus collectors for the GC core, wired
// into the orchestrator's start/finish hooks the way kopia exposes
// operational counters from repo/blob and its server package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric this collector publishes. Callers embed
// this in their own registry via MustRegister.
type Collectors struct {
	EpochsStarted   prometheus.Counter
	EpochsFinished  prometheus.Counter
	ObjectsFreed    prometheus.Counter
	ExtraFreed      prometheus.Counter
	BytesFreed      prometheus.Counter
	FinalizersRun   prometheus.Counter
	MarkQueueDepth  prometheus.Gauge
	LastGCLiveBytes prometheus.Gauge
	GCDuration      prometheus.Histogram
}

// New creates a fresh, unregistered set of collectors.
func New(namespace string) *Collectors {
	return &Collectors{
		EpochsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_epochs_started_total",
			Help: "Number of GC epochs started.",
		}),
		EpochsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_epochs_finished_total",
			Help: "Number of GC epochs that completed sweep.",
		}),
		ObjectsFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_objects_freed_total",
			Help: "Number of objects reclaimed by sweep.",
		}),
		ExtraFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_extra_objects_freed_total",
			Help: "Number of extra-object-data records reclaimed by sweep.",
		}),
		BytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_bytes_freed_total",
			Help: "Total bytes reclaimed across all completed epochs.",
		}),
		FinalizersRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_finalizers_run_total",
			Help: "Number of finalizers executed by the finalizer pipeline.",
		}),
		MarkQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gc_mark_queue_depth",
			Help: "Approximate total size of the gray worklist across all workers, last observed.",
		}),
		LastGCLiveBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gc_last_live_bytes",
			Help: "Live heap bytes reported by the most recently finished epoch.",
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "gc_epoch_duration_seconds",
			Help:    "Wall-clock duration of a full collection, start to finish.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// MustRegister registers every collector against reg.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.EpochsStarted,
		c.EpochsFinished,
		c.ObjectsFreed,
		c.ExtraFreed,
		c.BytesFreed,
		c.FinalizersRun,
		c.MarkQueueDepth,
		c.LastGCLiveBytes,
		c.GCDuration,
	)
}
