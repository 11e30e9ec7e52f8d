// Package proto defines the shared vocabulary of the engine: pipeline
// states, task types, role names, and verdicts. Keeping these in one
// place lets dispatch, pipeline, workflow, and persistence agree on
// the wire-level strings without import cycles.
package proto

import "fmt"

// State identifies a pipeline state. Job status is the current
// pipeline state, so the same values serve both.
type State string

const (
	StatePending   State = "pending"
	StatePlanning  State = "planning"
	StateCoding    State = "coding"
	StateReviewing State = "reviewing"
	StateTesting   State = "testing"
	StateFixing    State = "fixing"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether the state ends a pipeline run.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed
}

// ValidStates returns every pipeline state.
func ValidStates() []State {
	return []State{
		StatePending, StatePlanning, StateCoding, StateReviewing,
		StateTesting, StateFixing, StateComplete, StateFailed,
	}
}

// ParseState validates a stored status string.
func ParseState(s string) (State, error) {
	for _, v := range ValidStates() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// TaskType is the closed set of dispatchable work kinds. Routing is an
// exhaustive switch over this type, so a new kind is a compile-time
// decision, not a silently ignored map entry.
type TaskType string

const (
	TaskTriage     TaskType = "TRIAGE"
	TaskCodegen    TaskType = "CODEGEN"
	TaskPRCreation TaskType = "PR_CREATION"
)

// ParseTaskType validates a stored task type string.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskTriage, TaskCodegen, TaskPRCreation:
		return TaskType(s), nil
	default:
		return "", fmt.Errorf("unknown task type %q", s)
	}
}

// Role identifies a pipeline role.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleCoder    Role = "coder"
	RoleReviewer Role = "reviewer"
	RoleTester   Role = "tester"
	RoleFixer    Role = "fixer"
	RoleTriager  Role = "triager"
)

// Verdict is a structured judgment from a review or test step.
type Verdict string

const (
	VerdictApprove        Verdict = "APPROVE"
	VerdictRequestChanges Verdict = "REQUEST_CHANGES"
	VerdictPass           Verdict = "PASS"
	VerdictFail           Verdict = "FAIL"
)

// ParseVerdict validates a verdict string from a role envelope.
func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case VerdictApprove, VerdictRequestChanges, VerdictPass, VerdictFail:
		return Verdict(s), nil
	default:
		return "", fmt.Errorf("unknown verdict %q", s)
	}
}

// RateOp names a rate-limited provider operation.
type RateOp string

const (
	OpSandboxCreate  RateOp = "sandbox_create"
	OpSandboxConnect RateOp = "sandbox_connect"
)
