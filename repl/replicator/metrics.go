package replicator

import "github.com/prometheus/client_golang/prometheus"

var (
	replicatedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyrepl",
			Subsystem: "replicator",
			Name:      "replicated_total",
			Help:      "Counter of locally replicated write sets",
		})

	replicatedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyrepl",
			Subsystem: "replicator",
			Name:      "replicated_bytes_total",
			Help:      "Counter of locally replicated write set bytes",
		})

	receivedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyrepl",
			Subsystem: "replicator",
			Name:      "received_total",
			Help:      "Counter of write sets received from the group",
		})

	certFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyrepl",
			Subsystem: "replicator",
			Name:      "local_cert_failures_total",
			Help:      "Counter of local certification failures",
		})

	localReplaysCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyrepl",
			Subsystem: "replicator",
			Name:      "local_replays_total",
			Help:      "Counter of local transaction replays",
		})

	causalReadsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyrepl",
			Subsystem: "replicator",
			Name:      "causal_reads_total",
			Help:      "Counter of causal reads served",
		})
)

func init() {
	prometheus.MustRegister(replicatedCounter)
	prometheus.MustRegister(replicatedBytes)
	prometheus.MustRegister(receivedCounter)
	prometheus.MustRegister(certFailures)
	prometheus.MustRegister(localReplaysCounter)
	prometheus.MustRegister(causalReadsCounter)
}
