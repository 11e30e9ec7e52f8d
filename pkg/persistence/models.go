package persistence

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"appforge/pkg/proto"
)

// Task statuses. Lower priority value sorts first when claiming.
const (
	TaskStatusPending = "pending"
	TaskStatusRunning = "running"
	TaskStatusDone    = "done"
	TaskStatusFailed  = "failed"
)

// Task is one queued unit of dispatch work, distinct from a Job.
//
//nolint:govet // struct alignment optimization not critical for this type
type Task struct {
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ID        string         `json:"id"`
	Type      proto.TaskType `json:"type"`
	Payload   string         `json:"payload"` // JSON blob, shape depends on Type
	Status    string         `json:"status"`
	JobID     *string        `json:"job_id,omitempty"`
	IssueID   *string        `json:"issue_id,omitempty"`
	Error     *string        `json:"error,omitempty"`
	Priority  int            `json:"priority"`
}

// Job is one end-to-end run of the multi-agent pipeline.
//
//nolint:govet // struct alignment optimization not critical for this type
type Job struct {
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	ID         string      `json:"id"`
	OwnerID    string      `json:"owner_id"`
	Title      string      `json:"title"`
	Status     proto.State `json:"status"`
	Model      string      `json:"model"`
	SandboxID  *string     `json:"sandbox_id,omitempty"`
	Supersedes *string     `json:"supersedes,omitempty"` // Job this one replaces
	LastError  *string     `json:"last_error,omitempty"`
	IssueList  *string     `json:"issue_list,omitempty"` // JSON, preserved on fix-cap failure
}

// JobLogLine is one append-only human-readable progress line.
type JobLogLine struct {
	CreatedAt time.Time `json:"created_at"`
	JobID     string    `json:"job_id"`
	Line      string    `json:"line"`
	ID        int64     `json:"id"`
}

// CouncilDecision is a persisted verdict-plus-reasoning record from a
// review or test step. Append-only, never mutated.
type CouncilDecision struct {
	CreatedAt time.Time     `json:"created_at"`
	ID        string        `json:"id"`
	JobID     string        `json:"job_id"`
	Step      string        `json:"step"`
	Verdict   proto.Verdict `json:"verdict"`
	Reasoning string        `json:"reasoning"`
	Agents    string        `json:"agents"` // comma-separated contributing agent names
}

// Fragment is the code artifact of a completed coding pass. Later
// passes insert new rows; history is preserved for audit and retry.
type Fragment struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Files     string    `json:"files"` // JSON map of path -> content
	Framework string    `json:"framework"`
}

// Checkpoint is the durable snapshot of a pipeline machine after a
// completed step. One row per job, replaced on every step.
type Checkpoint struct {
	UpdatedAt time.Time   `json:"updated_at"`
	JobID     string      `json:"job_id"`
	State     proto.State `json:"state"`
	Snapshot  string      `json:"snapshot"` // JSON machine snapshot
	StepIndex int         `json:"step_index"`
}

// NewTaskID generates a UUID for a task.
func NewTaskID() string {
	return uuid.New().String()
}

// NewJobID generates an 8-character hex ID for a job, like a short
// git hash.
func NewJobID() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", bytes), nil
}

// NewDecisionID generates a UUID for a council decision.
func NewDecisionID() string {
	return uuid.New().String()
}

// NewFragmentID generates a UUID for a fragment.
func NewFragmentID() string {
	return uuid.New().String()
}
