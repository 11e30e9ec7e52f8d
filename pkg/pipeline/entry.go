package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"appforge/pkg/persistence"
	"appforge/pkg/proto"
)

// CodegenPayload is the payload of a CODEGEN task.
type CodegenPayload struct {
	JobID      string `json:"job_id,omitempty"` // resume an existing job
	OwnerID    string `json:"owner_id"`
	Value      string `json:"value"` // the natural-language request
	Model      string `json:"model,omitempty"`
	IsRevision bool   `json:"is_revision,omitempty"`
}

// TriagePayload is the payload of a TRIAGE task.
type TriagePayload struct {
	IssueID string `json:"issue_id"`
	Summary string `json:"summary"`
}

// ErrorFixPayload is the payload of an error-fix entry: a repair run
// against a previously produced artifact.
type ErrorFixPayload struct {
	FragmentID string `json:"fragment_id"`
}

const maxTitleLen = 80

func titleFrom(value string) string {
	if len(value) <= maxTitleLen {
		return value
	}
	return value[:maxTitleLen]
}

// StartCodegen creates a Job for a codegen request and returns its
// machine, ready for the workflow executor. A payload naming an
// existing job resumes that job instead of creating a new one.
func StartCodegen(ctx context.Context, deps Deps, payload CodegenPayload) (*Machine, error) {
	if payload.JobID != "" {
		return LoadMachine(ctx, deps, payload.JobID)
	}
	if payload.Value == "" {
		return nil, fmt.Errorf("codegen payload has no request value")
	}

	jobID, err := persistence.NewJobID()
	if err != nil {
		return nil, fmt.Errorf("generate job ID: %w", err)
	}
	job := &persistence.Job{
		ID:      jobID,
		OwnerID: payload.OwnerID,
		Title:   titleFrom(payload.Value),
		Status:  proto.StatePending,
		Model:   payload.Model,
	}
	if err := deps.Store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return newMachine(deps, job.ID, payload.Value, proto.StatePending)
}

// LoadMachine rebuilds a machine for an existing job. The machine
// starts from the job's persisted status; a checkpoint restore by the
// executor then refines it to the exact mid-pipeline position.
func LoadMachine(ctx context.Context, deps Deps, jobID string) (*Machine, error) {
	job, err := deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return newMachine(deps, job.ID, job.Title, job.Status)
}

// StartErrorFix creates a successor Job for a failed artifact: a new
// Job linked by supersedes, the sandbox transferred rather than
// recreated, entering the pipeline at fixing. The two jobs stay
// distinct executions.
func StartErrorFix(ctx context.Context, deps Deps, payload ErrorFixPayload) (*Machine, error) {
	fragment, err := deps.Store.GetFragment(ctx, payload.FragmentID)
	if err != nil {
		return nil, fmt.Errorf("load fragment %s: %w", payload.FragmentID, err)
	}
	oldJob, err := deps.Store.GetJob(ctx, fragment.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s for fragment %s: %w", fragment.JobID, payload.FragmentID, err)
	}

	fixJobID, err := persistence.NewJobID()
	if err != nil {
		return nil, fmt.Errorf("generate job ID: %w", err)
	}
	job := &persistence.Job{
		ID:         fixJobID,
		OwnerID:    oldJob.OwnerID,
		Title:      "fix: " + oldJob.Title,
		Status:     proto.StateFixing,
		Model:      oldJob.Model,
		Supersedes: &oldJob.ID,
	}
	if err := deps.Store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert fix job: %w", err)
	}

	// Continue in the same environment state. Transfer failure is not
	// fatal: the fix machine will create a fresh sandbox on demand.
	if err := deps.Sandboxes.Transfer(ctx, oldJob.ID, job.ID); err != nil {
		deps.Store.AppendJobLog(ctx, job.ID, "sandbox transfer failed, a new sandbox will be created: "+err.Error()) //nolint:errcheck
	}

	m, err := newMachine(deps, job.ID, oldJob.Title, proto.StateFixing)
	if err != nil {
		return nil, err
	}
	m.fixCycles = 1
	m.issues = issuesFromJob(oldJob)
	m.ctxMgr.AddPinned("Artifact under repair", describeFragment(fragment))
	return m, nil
}

// issuesFromJob decodes the issue list preserved on a failed job.
func issuesFromJob(job *persistence.Job) []string {
	if job.IssueList == nil {
		return nil
	}
	var issues []string
	if err := json.Unmarshal([]byte(*job.IssueList), &issues); err != nil {
		// Preserved as free text by an older writer.
		return []string{*job.IssueList}
	}
	return issues
}

// describeFragment lists the artifact's files for role context.
func describeFragment(f *persistence.Fragment) string {
	var files map[string]string
	if err := json.Unmarshal([]byte(f.Files), &files); err != nil {
		return "artifact " + f.ID
	}
	out := "artifact " + f.ID + " files:"
	for path := range files {
		out += "\n- " + path
	}
	return out
}

// RunTriage runs the single-role triage verdict over an inbound issue
// and, when the triager decides the issue needs code changes, enqueues
// a CODEGEN task. Returns the enqueued task ID, or "" when the issue
// was dismissed.
func RunTriage(ctx context.Context, deps Deps, payload TriagePayload) (string, error) {
	client := deps.Clients.forRole(proto.RoleTriager)
	prompt := fmt.Sprintf("Issue %s: %s", payload.IssueID, payload.Summary)
	env, err := runVerdictRole(ctx, client, triagerSystemPrompt, prompt, deps.MaxTokens)
	if err != nil {
		return "", roleError("triager", err)
	}
	action, err := env.Require(SectionAction)
	if err != nil {
		return "", roleError("triager", err)
	}

	switch action {
	case "NONE":
		return "", nil
	case "CODEGEN":
		summary, err := env.Require(SectionSummary)
		if err != nil {
			return "", roleError("triager", err)
		}
		payloadJSON, err := json.Marshal(CodegenPayload{
			OwnerID: "triage",
			Value:   summary,
		})
		if err != nil {
			return "", fmt.Errorf("encode codegen payload: %w", err)
		}
		task := &persistence.Task{
			ID:       persistence.NewTaskID(),
			Type:     proto.TaskCodegen,
			Payload:  string(payloadJSON),
			Status:   persistence.TaskStatusPending,
			Priority: 5,
			IssueID:  &payload.IssueID,
		}
		if err := deps.Store.InsertTask(ctx, task); err != nil {
			return "", fmt.Errorf("enqueue codegen task: %w", err)
		}
		deps.Metrics.TaskEnqueued(proto.TaskCodegen)
		return task.ID, nil
	default:
		return "", roleError("triager", fmt.Errorf("%w: unknown action %q", ErrEnvelope, action))
	}
}
