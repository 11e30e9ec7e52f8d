// Package sandbox manages the lifecycle of remote execution
// environments: creation, reconnection, transfer between jobs, and
// best-effort teardown, all gated by the rate limiter.
package sandbox

import (
	"context"
	"time"
)

// HandleState tracks where a sandbox is in its lifecycle.
type HandleState string

const (
	StateCreated     HandleState = "created"
	StateConnected   HandleState = "connected"
	StateIdle        HandleState = "idle"
	StateTransferred HandleState = "transferred"
	StateExpired     HandleState = "expired"
)

// Handle is a logical reference to a remote execution environment.
type Handle struct {
	CreatedAt time.Time   `json:"created_at"`
	ID        string      `json:"id"`
	State     HandleState `json:"state"`
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exit_code"`
}

// Conn is a live connection to one sandbox. All tool executions for a
// job go through the single Conn acquired for that job.
type Conn interface {
	// Handle returns the logical handle for this connection.
	Handle() Handle

	// Exec runs a shell command with the given timeout.
	Exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)

	// WriteFile writes one file inside the sandbox.
	WriteFile(ctx context.Context, path, content string) error

	// ReadFile reads one file from the sandbox.
	ReadFile(ctx context.Context, path string) (string, error)
}

// Provider is the remote sandbox service. Injected into the Manager
// so tests can run against a fake.
type Provider interface {
	// Create provisions a new sandbox and connects to it.
	Create(ctx context.Context) (Conn, error)

	// Connect reattaches to an existing sandbox by provider ID.
	Connect(ctx context.Context, sandboxID string) (Conn, error)

	// Terminate tears down a sandbox. Provider-side TTL expiry is the
	// backstop when this fails.
	Terminate(ctx context.Context, sandboxID string) error
}
