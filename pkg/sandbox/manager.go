package sandbox

import (
	"context"
	"errors"
	"fmt"

	"appforge/pkg/limiter"
	"appforge/pkg/logx"
	"appforge/pkg/metrics"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
)

// ErrQuotaExceeded signals that admission control rejected a provider
// call. Callers back off until the window resets; this is not a
// transport failure.
var ErrQuotaExceeded = errors.New("sandbox provider quota exceeded")

// QuotaError carries the limiter status behind ErrQuotaExceeded so
// callers can schedule their retry for ResetAt.
type QuotaError struct {
	Status limiter.Status
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d used, resets at %s",
		e.Status.Operation, e.Status.Count, e.Status.Limit,
		e.Status.ResetAt.Format("15:04:05"))
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// JobStore is the persistence surface the manager needs.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*persistence.Job, error)
	SetJobSandbox(ctx context.Context, jobID string, sandboxID *string) error
}

// Quotas are the per-window ceilings for provider operations.
type Quotas struct {
	MaxCreatesPerWindow  int
	MaxConnectsPerWindow int
}

// Manager owns sandbox lifecycle for jobs. One sandbox per job; the
// manager reconnects by stored ID on every step after the first.
type Manager struct {
	provider Provider
	limiter  *limiter.Limiter
	store    JobStore
	logger   *logx.Logger
	metrics  *metrics.Metrics
	quotas   Quotas
}

// NewManager creates a lifecycle manager. All collaborators are
// injected; there are no process-global clients. metrics may be nil.
func NewManager(provider Provider, lim *limiter.Limiter, store JobStore, quotas Quotas, m *metrics.Metrics) *Manager {
	return &Manager{
		provider: provider,
		limiter:  lim,
		store:    store,
		logger:   logx.NewLogger("sandbox"),
		metrics:  m,
		quotas:   quotas,
	}
}

// Acquire returns a connected sandbox for the job, creating one if the
// job has none yet. Usage is recorded only after the provider call
// confirms success, so failed attempts never consume quota. Creation
// and connection failures are not retried here; the workflow
// executor's step-retry policy owns that.
func (m *Manager) Acquire(ctx context.Context, jobID string) (Conn, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job for acquire: %w", err)
	}

	if job.SandboxID != nil {
		return m.reconnect(ctx, jobID, *job.SandboxID)
	}
	return m.create(ctx, jobID)
}

func (m *Manager) create(ctx context.Context, jobID string) (Conn, error) {
	status := m.limiter.Check(ctx, proto.OpSandboxCreate, m.quotas.MaxCreatesPerWindow)
	if status.Exceeded {
		m.metrics.QuotaDenied(string(proto.OpSandboxCreate))
		return nil, &QuotaError{Status: status}
	}

	conn, err := m.provider.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("sandbox creation for job %s failed: %w", jobID, err)
	}

	if err := m.limiter.Record(ctx, proto.OpSandboxCreate); err != nil {
		// Under-counting one create is acceptable; the window bounds
		// the drift.
		m.logger.Warn("failed to record sandbox_create usage: %v", err)
	}

	sandboxID := conn.Handle().ID
	if err := m.store.SetJobSandbox(ctx, jobID, &sandboxID); err != nil {
		return nil, fmt.Errorf("failed to persist sandbox %s for job %s: %w", sandboxID, jobID, err)
	}

	m.metrics.SandboxOp("create")
	m.logger.Info("Job %s acquired new sandbox %s", jobID, sandboxID)
	return conn, nil
}

func (m *Manager) reconnect(ctx context.Context, jobID, sandboxID string) (Conn, error) {
	status := m.limiter.Check(ctx, proto.OpSandboxConnect, m.quotas.MaxConnectsPerWindow)
	if status.Exceeded {
		m.metrics.QuotaDenied(string(proto.OpSandboxConnect))
		return nil, &QuotaError{Status: status}
	}

	conn, err := m.provider.Connect(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("sandbox reconnect for job %s failed: %w", jobID, err)
	}

	if err := m.limiter.Record(ctx, proto.OpSandboxConnect); err != nil {
		m.logger.Warn("failed to record sandbox_connect usage: %v", err)
	}

	m.metrics.SandboxOp("connect")
	m.logger.Debug("Job %s reconnected to sandbox %s", jobID, sandboxID)
	return conn, nil
}

// Transfer re-associates the source job's sandbox with the successor
// job without destroying the environment. Used when a job is
// superseded but its sandbox state should carry over.
func (m *Manager) Transfer(ctx context.Context, fromJobID, toJobID string) error {
	from, err := m.store.GetJob(ctx, fromJobID)
	if err != nil {
		return fmt.Errorf("failed to load source job for transfer: %w", err)
	}
	if from.SandboxID == nil {
		return fmt.Errorf("job %s has no sandbox to transfer", fromJobID)
	}

	sandboxID := *from.SandboxID
	if err := m.store.SetJobSandbox(ctx, toJobID, &sandboxID); err != nil {
		return fmt.Errorf("failed to attach sandbox %s to job %s: %w", sandboxID, toJobID, err)
	}
	if err := m.store.SetJobSandbox(ctx, fromJobID, nil); err != nil {
		return fmt.Errorf("failed to detach sandbox %s from job %s: %w", sandboxID, fromJobID, err)
	}

	m.metrics.SandboxOp("transfer")
	m.logger.Info("Transferred sandbox %s: job %s -> job %s", sandboxID, fromJobID, toJobID)
	return nil
}

// Release tears down the job's sandbox. Best-effort: provider-side TTL
// expiry is the backstop, so failures are logged, never escalated.
func (m *Manager) Release(ctx context.Context, jobID string) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Warn("release skipped, failed to load job %s: %v", jobID, err)
		return
	}
	if job.SandboxID == nil {
		return
	}

	sandboxID := *job.SandboxID
	if err := m.provider.Terminate(ctx, sandboxID); err != nil {
		m.logger.Warn("release of sandbox %s for job %s failed, relying on provider TTL: %v",
			sandboxID, jobID, err)
	} else {
		m.metrics.SandboxOp("release")
	}
	if err := m.store.SetJobSandbox(ctx, jobID, nil); err != nil {
		m.logger.Warn("failed to clear sandbox ref on job %s: %v", jobID, err)
	}
}
