package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var _ Recorder = (*LockingMetrics)(nil)

// LockingMetrics contains Prometheus metrics for lock operations
type LockingMetrics struct {
	collectorSet

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	cascadeNodes      *prometheus.HistogramVec
	haltedBranches    *prometheus.CounterVec
	compensations     *prometheus.CounterVec
	treeWait          prometheus.Histogram
}

// NewLockingMetrics creates and registers new lock metrics
func NewLockingMetrics(registry *prometheus.Registry) (*LockingMetrics, error) {
	m := &LockingMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register locking metrics: %w", err)
	}
	return m, nil
}

func (m *LockingMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locking_operations_total",
			Help: "Total number of lock manager operations",
		},
		[]string{"operation", "status"}, // operation: lock, force_lock, unlock, can_lock, can_unlock; status: success, refused, error
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locking_operation_duration_seconds",
			Help:    "Time taken for lock manager operations",
			Buckets: latencyBuckets,
		},
		[]string{"operation"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locking_errors_total",
			Help: "Total number of refused or failed lock operations by reason",
		},
		[]string{"operation", "reason"},
	)

	m.cascadeNodes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locking_cascade_nodes",
			Help:    "Number of nodes mutated by one lock or unlock transition",
			Buckets: cascadeBuckets,
		},
		[]string{"action"},
	)

	m.haltedBranches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locking_halted_branches_total",
			Help: "Total number of cascade branches halted at an independently locked subject",
		},
		[]string{"action"},
	)

	m.compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locking_compensations_total",
			Help: "Total number of failed transitions rolled back by cancelling checkouts",
		},
		[]string{"status"}, // status: success, error
	)

	m.treeWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "locking_tree_wait_seconds",
		Help:    "Time spent waiting for another transition on the same subject tree",
		Buckets: waitBuckets,
	})

	m.collectorSet = collectorSet{
		m.operationsTotal,
		m.operationDuration,
		m.errorsTotal,
		m.cascadeNodes,
		m.haltedBranches,
		m.compensations,
		m.treeWait,
	}
}

// RecordOperation implements the Recorder interface.
func (m *LockingMetrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements the Recorder interface.
func (m *LockingMetrics) RecordDuration(operation string, seconds float64) {
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements the Recorder interface. errorType is the lock
// error reason.
func (m *LockingMetrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// ObserveCascade records the size of a committed transition.
func (m *LockingMetrics) ObserveCascade(action string, nodes, halted int) {
	m.cascadeNodes.WithLabelValues(action).Observe(float64(nodes))
	if halted > 0 {
		m.haltedBranches.WithLabelValues(action).Add(float64(halted))
	}
}

// RecordCompensation counts a rollback attempt after a failed transition.
func (m *LockingMetrics) RecordCompensation(status string) {
	m.compensations.WithLabelValues(status).Inc()
}

// ObserveTreeWait records time spent queued behind another transition.
func (m *LockingMetrics) ObserveTreeWait(seconds float64) {
	m.treeWait.Observe(seconds)
}
