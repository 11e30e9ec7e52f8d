// Package workflow runs a stepwise state machine to completion with
// durable checkpointing: every successful step persists a snapshot so
// a crashed or restarted job resumes at the step after the last one
// that finished.
package workflow

import (
	"fmt"
	"time"
)

// StepStatus tags the outcome of a single machine step. Retryability
// is an explicit property of the result, not something inferred from
// error types.
type StepStatus int

const (
	// StepOK means the step finished and its snapshot may be
	// checkpointed.
	StepOK StepStatus = iota
	// StepRetry means the step failed in a way a rerun may fix.
	StepRetry
	// StepFatal means the step failed permanently and the job must be
	// marked failed.
	StepFatal
)

func (s StepStatus) String() string {
	switch s {
	case StepOK:
		return "ok"
	case StepRetry:
		return "retry"
	case StepFatal:
		return "fatal"
	default:
		return fmt.Sprintf("StepStatus(%d)", int(s))
	}
}

// StepResult is what a machine step returns.
type StepResult struct {
	Err     error
	Detail  string    // short human-readable note for the job log
	RetryAt time.Time // earliest useful retry time; zero for plain retries
	Status  StepStatus
}

// OK returns a successful step result.
func OK(detail string) StepResult {
	return StepResult{Status: StepOK, Detail: detail}
}

// Retry returns a retryable failure.
func Retry(err error) StepResult {
	return StepResult{Status: StepRetry, Err: err}
}

// RetryAfter returns a retryable denial that is pointless to attempt
// again before at, such as an admission-control window that has not
// reset yet. The executor waits out the interval instead of counting
// it against the attempt ceiling.
func RetryAfter(err error, at time.Time) StepResult {
	return StepResult{Status: StepRetry, Err: err, RetryAt: at}
}

// Fatal returns a permanent failure.
func Fatal(err error) StepResult {
	return StepResult{Status: StepFatal, Err: err}
}
