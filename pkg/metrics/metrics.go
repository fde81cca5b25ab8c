package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ringdb"

// Registry holds every ringdb collector plus the Go runtime ones.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// storage engine
var (
	Flushes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "flushes_total",
		Help:      "Memtable flushes by outcome.",
	}, []string{"outcome"})

	FlushedBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "flushed_bytes_total",
		Help:      "Approximate memtable bytes written to sstables.",
	})

	Compactions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "compactions_total",
		Help:      "Compactions by outcome.",
	}, []string{"outcome"})

	Tables = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "sstables",
		Help:      "Live sstables in the current table set.",
	})

	PendingFlushes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "pending_flushes",
		Help:      "Memtables waiting to be written.",
	})

	RejectedWrites = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "rejected_writes_total",
		Help:      "Writes refused by admission control.",
	})
)

// replication
var (
	ReplicaCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "replica_calls_total",
		Help:      "Per-replica calls by operation, target kind and outcome.",
	}, []string{"op", "target", "outcome"})

	QuorumFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "quorum_failures_total",
		Help:      "Requests that could not collect ack successes.",
	}, []string{"op"})
)

// http
var RequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Entity request latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "code"})

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Outcome maps an error to a label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
