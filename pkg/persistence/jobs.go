package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"appforge/pkg/proto"
)

// InsertJob inserts a new job record.
func (s *Store) InsertJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = proto.StatePending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, title, status, sandbox_id, supersedes, model, last_error, issue_list, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OwnerID, job.Title, string(job.Status), job.SandboxID,
		job.Supersedes, job.Model, job.LastError, job.IssueList,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job := &Job{}
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, status, sandbox_id, supersedes, model, last_error, issue_list, created_at, updated_at
		FROM jobs WHERE id = ?`, jobID,
	).Scan(
		&job.ID, &job.OwnerID, &job.Title, &status, &job.SandboxID,
		&job.Supersedes, &job.Model, &job.LastError, &job.IssueList,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	job.Status = proto.State(status)
	return job, nil
}

// UpdateJobStatus sets the job status and touches updated_at.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status proto.State) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update status for job %s: %w", jobID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read status update result for job %s: %w", jobID, err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// SetJobSandbox records the provider-issued sandbox ID on a job. A nil
// sandboxID clears the reference (after release or transfer).
func (s *Store) SetJobSandbox(ctx context.Context, jobID string, sandboxID *string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET sandbox_id = ?, updated_at = ? WHERE id = ?",
		sandboxID, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to set sandbox for job %s: %w", jobID, err)
	}
	return nil
}

// SetJobFailure records the terminal error and optional issue list on
// a job alongside the failed status.
func (s *Store) SetJobFailure(ctx context.Context, jobID, lastError string, issueList *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, issue_list = ?, updated_at = ?
		WHERE id = ?`,
		string(proto.StateFailed), lastError, issueList, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to record failure for job %s: %w", jobID, err)
	}
	return nil
}

// AppendJobLog appends one progress line to the job's log.
func (s *Store) AppendJobLog(ctx context.Context, jobID, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_logs (job_id, line, created_at) VALUES (?, ?, ?)",
		jobID, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append log for job %s: %w", jobID, err)
	}
	return nil
}

// GetJobLog returns the job's log lines in append order.
func (s *Store) GetJobLog(ctx context.Context, jobID string) ([]*JobLogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, line, created_at FROM job_logs WHERE job_id = ? ORDER BY id ASC",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get log for job %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	var lines []*JobLogLine
	for rows.Next() {
		l := &JobLogLine{}
		if err := rows.Scan(&l.ID, &l.JobID, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log line for job %s: %w", jobID, err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log for job %s: %w", jobID, err)
	}
	return lines, nil
}

// InsertCouncilDecision records a verdict. Decisions are append-only.
func (s *Store) InsertCouncilDecision(ctx context.Context, d *CouncilDecision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO council_decisions (id, job_id, step, verdict, reasoning, agents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.JobID, d.Step, string(d.Verdict), d.Reasoning, d.Agents, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert council decision for job %s: %w", d.JobID, err)
	}
	return nil
}

// GetCouncilDecisions returns a job's decisions in creation order.
func (s *Store) GetCouncilDecisions(ctx context.Context, jobID string) ([]*CouncilDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, step, verdict, reasoning, agents, created_at
		FROM council_decisions WHERE job_id = ? ORDER BY created_at ASC, id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get council decisions for job %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []*CouncilDecision
	for rows.Next() {
		d := &CouncilDecision{}
		var verdict string
		if err := rows.Scan(&d.ID, &d.JobID, &d.Step, &verdict, &d.Reasoning, &d.Agents, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan council decision for job %s: %w", jobID, err)
		}
		d.Verdict = proto.Verdict(verdict)
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate council decisions for job %s: %w", jobID, err)
	}
	return decisions, nil
}

// InsertFragment records a coding pass artifact. Earlier fragments are
// never updated; the latest row supersedes them.
func (s *Store) InsertFragment(ctx context.Context, f *Fragment) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fragments (id, job_id, files, framework, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.JobID, f.Files, f.Framework, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fragment for job %s: %w", f.JobID, err)
	}
	return nil
}

// GetLatestFragment returns the newest fragment for a job.
func (s *Store) GetLatestFragment(ctx context.Context, jobID string) (*Fragment, error) {
	f := &Fragment{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, files, framework, created_at
		FROM fragments WHERE job_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		jobID,
	).Scan(&f.ID, &f.JobID, &f.Files, &f.Framework, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fragment for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest fragment for job %s: %w", jobID, err)
	}
	return f, nil
}

// GetFragment returns a fragment by ID.
func (s *Store) GetFragment(ctx context.Context, fragmentID string) (*Fragment, error) {
	f := &Fragment{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, files, framework, created_at
		FROM fragments WHERE id = ?`, fragmentID,
	).Scan(&f.ID, &f.JobID, &f.Files, &f.Framework, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fragment %s: %w", fragmentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fragment %s: %w", fragmentID, err)
	}
	return f, nil
}

// SaveCheckpoint replaces the job's checkpoint with the given snapshot.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, state, snapshot, step_index, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state = excluded.state,
			snapshot = excluded.snapshot,
			step_index = excluded.step_index,
			updated_at = excluded.updated_at`,
		cp.JobID, string(cp.State), cp.Snapshot, cp.StepIndex, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for job %s: %w", cp.JobID, err)
	}
	return nil
}

// GetCheckpoint loads the job's checkpoint, or ErrNotFound when the
// job has not completed any step yet.
func (s *Store) GetCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, state, snapshot, step_index, updated_at
		FROM checkpoints WHERE job_id = ?`, jobID,
	).Scan(&cp.JobID, &state, &cp.Snapshot, &cp.StepIndex, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint for job %s: %w", jobID, err)
	}
	cp.State = proto.State(state)
	return cp, nil
}
