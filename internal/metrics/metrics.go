// Package metrics registers Prometheus metrics scoped to one Database
// instance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Name constants for metric labels.
const (
	labelCollection = "collection"
	labelOperation  = "operation"
	labelIndex      = "index"
)

// Set holds every metric one Database instance owns, registered into its
// own prometheus.Registry rather than the global default registerer — a
// process hosting more than one Database (as the test suite does) must not
// collide on metric name registration the way a single global promauto var
// set would.
type Set struct {
	Registry *prometheus.Registry

	// Total number of collection operations, by collection and operation
	// name (insert_one, find, update_many, ...).
	OperationsTotal *prometheus.CounterVec

	// Operation latency in seconds, by collection and operation name.
	OperationDuration *prometheus.HistogramVec

	// Total number of VM instructions executed, by collection. Useful for
	// spotting a predicate compiling to an unexpectedly large program.
	VMStepsTotal *prometheus.CounterVec

	// Total number of times index.Pick chose an index-seek plan over a
	// full scan, by collection and index name.
	IndexHitsTotal *prometheus.CounterVec
}

// NewSet builds and registers a fresh metric Set.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polodb_operations_total",
			Help: "Total number of collection operations",
		}, []string{labelCollection, labelOperation}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polodb_operation_duration_seconds",
			Help:    "Collection operation latency in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
		}, []string{labelCollection, labelOperation}),
		VMStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polodb_vm_steps_total",
			Help: "Total number of bytecode VM instructions executed",
		}, []string{labelCollection}),
		IndexHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polodb_index_hits_total",
			Help: "Total number of queries served by an index-seek plan",
		}, []string{labelCollection, labelIndex}),
	}
	reg.MustRegister(s.OperationsTotal, s.OperationDuration, s.VMStepsTotal, s.IndexHitsTotal)
	return s
}
