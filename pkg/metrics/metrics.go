// Package metrics exposes Prometheus counters for the engine. The
// registry is injected so tests can use a private one; every recording
// method is nil-receiver safe so components can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"appforge/pkg/proto"
)

// Metrics holds the engine's counters.
type Metrics struct {
	tasksEnqueued *prometheus.CounterVec
	tasksClaimed  prometheus.Counter
	tasksFailed   prometheus.Counter
	sandboxOps    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	stepRetries   prometheus.Counter
	quotaDenials  *prometheus.CounterVec
}

// New registers the engine counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_tasks_enqueued_total",
			Help: "Tasks added to the dispatch queue, by type.",
		}, []string{"type"}),
		tasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appforge_tasks_claimed_total",
			Help: "Tasks atomically claimed by a dispatcher sweep.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appforge_tasks_failed_total",
			Help: "Tasks that reached FAILED without requeue.",
		}),
		sandboxOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_sandbox_operations_total",
			Help: "Sandbox provider operations by kind (create, connect, transfer, release).",
		}, []string{"operation"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_pipeline_transitions_total",
			Help: "Pipeline state transitions.",
		}, []string{"from", "to"}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appforge_step_retries_total",
			Help: "Workflow step attempts beyond the first.",
		}),
		quotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_quota_denials_total",
			Help: "Admission-control denials by rate-limited operation.",
		}, []string{"operation"}),
	}
	reg.MustRegister(
		m.tasksEnqueued, m.tasksClaimed, m.tasksFailed,
		m.sandboxOps, m.transitions, m.stepRetries, m.quotaDenials,
	)
	return m
}

// TaskEnqueued records a queued task.
func (m *Metrics) TaskEnqueued(taskType proto.TaskType) {
	if m == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(string(taskType)).Inc()
}

// TaskClaimed records a successful claim.
func (m *Metrics) TaskClaimed() {
	if m == nil {
		return
	}
	m.tasksClaimed.Inc()
}

// TaskFailed records a task marked failed.
func (m *Metrics) TaskFailed() {
	if m == nil {
		return
	}
	m.tasksFailed.Inc()
}

// SandboxOp records one provider operation.
func (m *Metrics) SandboxOp(operation string) {
	if m == nil {
		return
	}
	m.sandboxOps.WithLabelValues(operation).Inc()
}

// Transition records a pipeline state change.
func (m *Metrics) Transition(from, to proto.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// StepRetry records a retried workflow step.
func (m *Metrics) StepRetry() {
	if m == nil {
		return
	}
	m.stepRetries.Inc()
}

// QuotaDenied records an admission-control denial.
func (m *Metrics) QuotaDenied(operation string) {
	if m == nil {
		return
	}
	m.quotaDenials.WithLabelValues(operation).Inc()
}
