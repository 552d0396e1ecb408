package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PoolNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nodepool",
		Name:      "pool_nodes",
		Help:      "Current number of nodes per pool and list",
	}, []string{"pool", "state"})

	StatusChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodepool",
		Name:      "status_changes_total",
		Help:      "Total node status reports applied by pools",
	}, []string{"status"})

	Selections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodepool",
		Name:      "selections_total",
		Help:      "Total node selections by result",
	}, []string{"result"})

	Failovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodepool",
		Name:      "failovers_total",
		Help:      "Total replacement suggestions by outcome",
	}, []string{"result"})

	Probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodepool",
		Name:      "probes_total",
		Help:      "Total liveness probes by protocol and result",
	}, []string{"protocol", "result"})

	ProbeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nodepool",
		Name:      "probe_duration_seconds",
		Help:      "Liveness probe latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"protocol"})

	HealthChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nodepool",
		Name:      "health_checks_total",
		Help:      "Total health-check passes that probed at least one node",
	})

	Discoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodepool",
		Name:      "discoveries_total",
		Help:      "Total discovery passes by result",
	}, []string{"result"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nodepool",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC probe connections",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nodepool",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC probe connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nodepool",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC probe connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nodepool",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of cached gRPC probe connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(PoolNodes, StatusChanges, Selections, Failovers)
		prometheus.MustRegister(Probes, ProbeDuration, HealthChecks, Discoveries)
		prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
	})
}

// Handler registers the collectors and serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
