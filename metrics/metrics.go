package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockable_allocations_total",
			Help: "Total allocate-by-label attempts",
		},
		[]string{"result"}, // success|failure
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockable_allocation_duration_seconds",
			Help:    "Duration of allocate-by-label calls, including time spent queued",
			Buckets: prometheus.DefBuckets,
		},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockable_operations_total",
			Help: "Engine operations by result",
		},
		[]string{"op", "result"}, // result=success|NotFound|Conflict|...
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockable_operation_duration_seconds",
			Help:    "Time spent holding the engine lock per operation",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"op"},
	)

	ResourcesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lockable_resources",
			Help: "Number of resources per state",
		},
		[]string{"state"}, // FREE|RESERVED|LOCKED
	)

	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockable_queue_length",
		Help: "Requests waiting in the acquisition queue",
	})

	QueueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lockable_queue_wait_seconds",
		Help:    "Time queued requests waited before being resolved",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
	})

	QueueResolutionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockable_queue_resolution_failures_total",
		Help: "Resolved requests whose waiter was gone; resources were handed back",
	})

	PersistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockable_persist_failures_total",
		Help: "Snapshots that could not be persisted",
	})

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockable_commands_total",
			Help: "Commands received from the queue by action and published status",
		},
		[]string{"action", "status"}, // status=Success|Failure|Queued
	)
)

func init() {
	prometheus.MustRegister(
		AllocationsTotal,
		AllocationDuration,
		OperationsTotal,
		OperationDuration,
		ResourcesByState,
		QueueLength,
		QueueWait,
		QueueResolutionFailuresTotal,
		PersistFailuresTotal,
		CommandsTotal,
	)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
