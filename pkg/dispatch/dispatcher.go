// Package dispatch owns the task queue: priority-ordered intake of
// triage, codegen, and PR-creation work, atomic claims, and routing of
// each claimed task to its pipeline entry point.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"appforge/pkg/logx"
	"appforge/pkg/metrics"
	"appforge/pkg/persistence"
	"appforge/pkg/pipeline"
	"appforge/pkg/proto"
	"appforge/pkg/workflow"
)

// Default task priorities; lower dispatches first.
const (
	PriorityHigh    = 1
	PriorityDefault = 5
	PriorityLow     = 9
)

// PRCreationPayload is the payload of a PR_CREATION task.
type PRCreationPayload struct {
	JobID string `json:"job_id"`
	Title string `json:"title"`
}

// Notifier receives the outgoing events this engine produces for
// downstream collaborators.
type Notifier interface {
	// PRCreationRequested signals that a completed job wants a pull
	// request opened by the source-control integration.
	PRCreationRequested(ctx context.Context, payload PRCreationPayload) error
}

// LogNotifier is the default Notifier: it only logs the event. Real
// deployments plug in an integration-backed implementation.
type LogNotifier struct {
	logger *logx.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logx.NewLogger("notify")}
}

// PRCreationRequested implements Notifier.
func (n *LogNotifier) PRCreationRequested(_ context.Context, payload PRCreationPayload) error {
	n.logger.Info("PR creation requested for job %s (%s)", payload.JobID, payload.Title)
	return nil
}

// Dispatcher claims pending tasks and routes them. Safe for
// concurrent sweeps: the claim is a conditional status update, so a
// task lost to a racing sweep is silently skipped.
type Dispatcher struct {
	deps     pipeline.Deps
	executor *workflow.Executor
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *logx.Logger
}

// NewDispatcher wires a dispatcher. The pipeline deps carry the store
// every queue operation uses.
func NewDispatcher(deps pipeline.Deps, executor *workflow.Executor, notifier Notifier) *Dispatcher {
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	return &Dispatcher{
		deps:     deps,
		executor: executor,
		notifier: notifier,
		metrics:  deps.Metrics,
		logger:   logx.NewLogger("dispatch"),
	}
}

// Enqueue inserts a pending task. The payload must marshal to JSON.
func (d *Dispatcher) Enqueue(ctx context.Context, taskType proto.TaskType, payload any, priority int) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	task := &persistence.Task{
		ID:       persistence.NewTaskID(),
		Type:     taskType,
		Payload:  string(payloadJSON),
		Status:   persistence.TaskStatusPending,
		Priority: priority,
	}
	if err := d.deps.Store.InsertTask(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue %s task: %w", taskType, err)
	}
	d.metrics.TaskEnqueued(taskType)
	d.logger.Info("enqueued %s task %s (priority %d)", taskType, task.ID, priority)
	return task.ID, nil
}

// Sweep claims up to limit pending tasks in (priority, age) order and
// routes each one. Returns how many tasks were claimed. Sweeps and
// direct nudges may run concurrently; at most one claimant wins each
// task.
func (d *Dispatcher) Sweep(ctx context.Context, limit int) (int, error) {
	tasks, err := d.deps.Store.ClaimPendingTasks(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("claim pending tasks: %w", err)
	}

	for _, task := range tasks {
		d.metrics.TaskClaimed()
		d.route(ctx, task)
	}
	return len(tasks), nil
}

// route runs one claimed task to a terminal task status. The switch
// over the closed TaskType set is exhaustive; a type no case handles
// is a configuration error and fails the task with no requeue.
func (d *Dispatcher) route(ctx context.Context, task *persistence.Task) {
	var err error
	switch task.Type {
	case proto.TaskTriage:
		err = d.runTriage(ctx, task)
	case proto.TaskCodegen:
		err = d.runCodegen(ctx, task)
	case proto.TaskPRCreation:
		err = d.runPRCreation(ctx, task)
	default:
		err = fmt.Errorf("no route for task type %q", task.Type)
	}

	if err != nil {
		d.logger.Warn("task %s (%s) failed: %v", task.ID, task.Type, err)
		d.metrics.TaskFailed()
		if finishErr := d.deps.Store.FinishTask(ctx, task.ID, persistence.TaskStatusFailed, err.Error()); finishErr != nil {
			d.logger.Error("task %s: failed to record failure: %v", task.ID, finishErr)
		}
		return
	}
	if err := d.deps.Store.FinishTask(ctx, task.ID, persistence.TaskStatusDone, ""); err != nil {
		d.logger.Error("task %s: failed to record completion: %v", task.ID, err)
	}
}

func (d *Dispatcher) runTriage(ctx context.Context, task *persistence.Task) error {
	var payload pipeline.TriagePayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return fmt.Errorf("decode triage payload: %w", err)
	}
	taskID, err := pipeline.RunTriage(ctx, d.deps, payload)
	if err != nil {
		return err
	}
	if taskID != "" {
		d.logger.Info("triage of issue %s enqueued codegen task %s", payload.IssueID, taskID)
	}
	return nil
}

// runCodegen drives a full pipeline run. The task is done when the
// job reaches a terminal state. A failed job is not a failed task;
// the job record carries the failure for its owner.
func (d *Dispatcher) runCodegen(ctx context.Context, task *persistence.Task) error {
	var payload pipeline.CodegenPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return fmt.Errorf("decode codegen payload: %w", err)
	}

	m, err := pipeline.StartCodegen(ctx, d.deps, payload)
	if err != nil {
		return err
	}
	state, err := d.executor.Resume(ctx, m)
	if err != nil {
		return fmt.Errorf("run job %s: %w", m.JobID(), err)
	}

	if state == proto.StateComplete {
		if _, err := d.Enqueue(ctx, proto.TaskPRCreation, PRCreationPayload{
			JobID: m.JobID(),
			Title: payload.Value,
		}, PriorityDefault); err != nil {
			d.logger.Warn("job %s: failed to enqueue PR creation: %v", m.JobID(), err)
		}
	}
	return nil
}

// RunErrorFix starts a repair pipeline for a fragment. Exposed for
// the error-fix trigger; not a queued task type of its own.
func (d *Dispatcher) RunErrorFix(ctx context.Context, payload pipeline.ErrorFixPayload) (string, error) {
	m, err := pipeline.StartErrorFix(ctx, d.deps, payload)
	if err != nil {
		return "", err
	}
	if _, err := d.executor.Resume(ctx, m); err != nil {
		return m.JobID(), fmt.Errorf("run fix job %s: %w", m.JobID(), err)
	}
	return m.JobID(), nil
}

func (d *Dispatcher) runPRCreation(ctx context.Context, task *persistence.Task) error {
	var payload PRCreationPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return fmt.Errorf("decode PR creation payload: %w", err)
	}
	if err := d.notifier.PRCreationRequested(ctx, payload); err != nil {
		return fmt.Errorf("notify PR creation for job %s: %w", payload.JobID, err)
	}
	return nil
}
