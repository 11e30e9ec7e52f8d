package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"appforge/pkg/config"
	"appforge/pkg/logx"
	"appforge/pkg/metrics"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
)

// Machine is a resumable stepwise state machine. One Step is one
// atomic unit of progress; the snapshot returned after a successful
// step must be enough for Restore to continue from the step after it.
type Machine interface {
	// JobID identifies the job this machine advances.
	JobID() string

	// State returns the current pipeline state.
	State() proto.State

	// Step performs the next unit of work.
	Step(ctx context.Context) StepResult

	// Snapshot serializes the machine's resumable state as JSON.
	Snapshot() ([]byte, error)

	// Restore rehydrates the machine from a snapshot.
	Restore(data []byte) error
}

// Executor drives a Machine until it reaches a terminal state,
// checkpointing after every successful step and retrying retryable
// steps with exponential backoff up to a ceiling.
type Executor struct {
	store   *persistence.Store
	logger  *logx.Logger
	metrics *metrics.Metrics
	cfg     config.ExecutorConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor over the given store. metrics may be
// nil.
func NewExecutor(store *persistence.Store, cfg config.ExecutorConfig, m *metrics.Metrics) *Executor {
	return &Executor{
		store:   store,
		logger:  logx.NewLogger("workflow"),
		metrics: m,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run advances m until it is terminal. A step that keeps returning
// StepRetry past the attempt ceiling, or returns StepFatal, marks the
// job failed with the terminal error in its log. Run returns the
// final state; the error return is reserved for infrastructure
// failures (checkpointing, job bookkeeping), not for job failure.
func (e *Executor) Run(ctx context.Context, m Machine) (proto.State, error) {
	stepIndex, err := e.loadStepIndex(ctx, m.JobID())
	if err != nil {
		return m.State(), err
	}

	for !m.State().IsTerminal() {
		if err := ctx.Err(); err != nil {
			return m.State(), fmt.Errorf("workflow interrupted: %w", err)
		}

		res, err := e.runStep(ctx, m)
		if err != nil {
			return m.State(), err
		}

		switch res.Status {
		case StepOK:
			stepIndex++
			if err := e.checkpoint(ctx, m, stepIndex); err != nil {
				return m.State(), err
			}
			if res.Detail != "" {
				e.appendLog(ctx, m.JobID(), res.Detail)
			}
		case StepRetry, StepFatal:
			if err := e.failJob(ctx, m.JobID(), res.Err); err != nil {
				return m.State(), err
			}
			return proto.StateFailed, nil
		}
	}

	return m.State(), nil
}

// runStep executes one step, retrying StepRetry results with backoff
// up to the attempt ceiling. The returned result is StepOK, StepFatal,
// or a StepRetry that exhausted its attempts. A retry that names a
// RetryAt time is a window denial, not a failure: the executor waits
// until the window reopens and the wait does not consume an attempt.
func (e *Executor) runStep(ctx context.Context, m Machine) (StepResult, error) {
	var res StepResult
	attempt := 1
	for {
		res = m.Step(ctx)
		if res.Status != StepRetry {
			return res, nil
		}

		if !res.RetryAt.IsZero() {
			wait := time.Until(res.RetryAt)
			if wait < e.cfg.InitialBackoff {
				wait = e.cfg.InitialBackoff
			}
			e.appendLog(ctx, m.JobID(), fmt.Sprintf("waiting %s for window reset: %v",
				wait.Round(time.Second), res.Err))
			e.logger.Info("job %s: window denial, retrying in %v: %v", m.JobID(), wait, res.Err)
			if err := e.sleep(ctx, wait); err != nil {
				return res, fmt.Errorf("window wait interrupted: %w", err)
			}
			continue
		}

		e.metrics.StepRetry()
		e.appendLog(ctx, m.JobID(), fmt.Sprintf("step failed (attempt %d/%d): %v",
			attempt, e.cfg.MaxStepAttempts, res.Err))
		if attempt == e.cfg.MaxStepAttempts {
			break
		}
		attempt++
		delay := e.backoff(attempt - 1)
		e.logger.Debug("job %s: step retry %d/%d in %v after: %v",
			m.JobID(), attempt, e.cfg.MaxStepAttempts, delay, res.Err)
		if err := e.sleep(ctx, delay); err != nil {
			return res, fmt.Errorf("backoff interrupted: %w", err)
		}
	}

	res.Err = fmt.Errorf("step exhausted %d attempts: %w", e.cfg.MaxStepAttempts, res.Err)
	return res, nil
}

func (e *Executor) backoff(retry int) time.Duration {
	d := float64(e.cfg.InitialBackoff) * math.Pow(e.cfg.BackoffFactor, float64(retry-1))
	if d > float64(e.cfg.MaxBackoff) {
		d = float64(e.cfg.MaxBackoff)
	}
	return time.Duration(d)
}

// checkpoint persists the machine snapshot after a successful step.
func (e *Executor) checkpoint(ctx context.Context, m Machine, stepIndex int) error {
	snap, err := m.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot job %s: %w", m.JobID(), err)
	}
	cp := &persistence.Checkpoint{
		JobID:     m.JobID(),
		State:     m.State(),
		Snapshot:  string(snap),
		StepIndex: stepIndex,
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint job %s at step %d: %w", m.JobID(), stepIndex, err)
	}
	return nil
}

// Resume restores m from its persisted checkpoint, if one exists, and
// runs it to a terminal state. A job with no checkpoint starts from
// its initial state.
func (e *Executor) Resume(ctx context.Context, m Machine) (proto.State, error) {
	cp, err := e.store.GetCheckpoint(ctx, m.JobID())
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		// First run.
	case err != nil:
		return m.State(), fmt.Errorf("load checkpoint for job %s: %w", m.JobID(), err)
	default:
		if err := m.Restore([]byte(cp.Snapshot)); err != nil {
			return m.State(), fmt.Errorf("restore job %s from step %d: %w", m.JobID(), cp.StepIndex, err)
		}
		e.logger.Info("job %s: resumed at step %d in state %s", m.JobID(), cp.StepIndex, cp.State)
	}
	return e.Run(ctx, m)
}

func (e *Executor) loadStepIndex(ctx context.Context, jobID string) (int, error) {
	cp, err := e.store.GetCheckpoint(ctx, jobID)
	if errors.Is(err, persistence.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint for job %s: %w", jobID, err)
	}
	return cp.StepIndex, nil
}

// failJob records the terminal error and flips the job to failed.
// Distinct jobs are never merged; a superseding job is a new row with
// a supersedes link.
func (e *Executor) failJob(ctx context.Context, jobID string, cause error) error {
	msg := "step failed"
	if cause != nil {
		msg = cause.Error()
	}
	e.logger.Warn("job %s failed: %s", jobID, msg)
	e.appendLog(ctx, jobID, "job failed: "+msg)
	if err := e.store.SetJobFailure(ctx, jobID, msg, nil); err != nil {
		return fmt.Errorf("record failure for job %s: %w", jobID, err)
	}
	if err := e.store.UpdateJobStatus(ctx, jobID, proto.StateFailed); err != nil {
		return fmt.Errorf("mark job %s failed: %w", jobID, err)
	}
	return nil
}

func (e *Executor) appendLog(ctx context.Context, jobID, line string) {
	if err := e.store.AppendJobLog(ctx, jobID, line); err != nil {
		e.logger.Warn("job %s: append log failed: %v", jobID, err)
	}
}
