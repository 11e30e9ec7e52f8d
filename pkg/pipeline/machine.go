package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"appforge/pkg/agent"
	"appforge/pkg/config"
	"appforge/pkg/logx"
	"appforge/pkg/metrics"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
	"appforge/pkg/tools"
	"appforge/pkg/workflow"
)

// Clients maps pipeline roles to completion clients. The fixer shares
// the coder's client and the triager shares the reviewer's.
type Clients struct {
	Planner  agent.CompletionClient
	Coder    agent.CompletionClient
	Reviewer agent.CompletionClient
	Tester   agent.CompletionClient
}

func (c Clients) forRole(role proto.Role) agent.CompletionClient {
	switch role {
	case proto.RolePlanner:
		return c.Planner
	case proto.RoleCoder, proto.RoleFixer:
		return c.Coder
	case proto.RoleReviewer, proto.RoleTriager:
		return c.Reviewer
	case proto.RoleTester:
		return c.Tester
	default:
		return nil
	}
}

// Deps carries everything a pipeline machine needs. All dependencies
// are explicit; there are no process-level singletons.
type Deps struct {
	Store          *persistence.Store
	Sandboxes      *sandbox.Manager
	Clients        Clients
	Metrics        *metrics.Metrics
	Cfg            config.PipelineConfig
	MaxTokens      int
	CommandTimeout time.Duration
}

// Machine is one job's pipeline run. It implements workflow.Machine:
// every Step performs the work of the current state and moves to the
// next one, and Snapshot/Restore make the run resumable mid-pipeline.
type Machine struct {
	deps    Deps
	logger  *logx.Logger
	ctxMgr  *agent.ContextManager
	conn    sandbox.Conn
	jobID   string
	request string

	state        proto.State
	reviewCycles int
	fixCycles    int
	approved     bool
	issues       []string
}

// snapshot is the serialized resumable state of a Machine.
type snapshot struct {
	State        proto.State          `json:"state"`
	Request      string               `json:"request"`
	ReviewCycles int                  `json:"review_cycles"`
	FixCycles    int                  `json:"fix_cycles"`
	Approved     bool                 `json:"approved"`
	Issues       []string             `json:"issues,omitempty"`
	Context      []agent.ContextEntry `json:"context,omitempty"`
}

// newMachine wires a machine for a job in the given starting state.
func newMachine(deps Deps, jobID, request string, state proto.State) (*Machine, error) {
	budget := deps.Cfg.ContextBudget
	if budget <= 0 {
		budget = config.DefaultContextBudget
	}
	ctxMgr, err := agent.NewContextManager(budget)
	if err != nil {
		return nil, fmt.Errorf("context manager: %w", err)
	}
	return &Machine{
		deps:    deps,
		logger:  logx.NewLogger("pipeline"),
		ctxMgr:  ctxMgr,
		jobID:   jobID,
		request: request,
		state:   state,
	}, nil
}

// JobID implements workflow.Machine.
func (m *Machine) JobID() string { return m.jobID }

// State implements workflow.Machine.
func (m *Machine) State() proto.State { return m.state }

// Snapshot implements workflow.Machine.
func (m *Machine) Snapshot() ([]byte, error) {
	return json.Marshal(snapshot{
		State:        m.state,
		Request:      m.request,
		ReviewCycles: m.reviewCycles,
		FixCycles:    m.fixCycles,
		Approved:     m.approved,
		Issues:       m.issues,
		Context:      m.ctxMgr.Entries(),
	})
}

// Restore implements workflow.Machine. The sandbox connection is not
// part of the snapshot; it is re-acquired lazily by the next step that
// needs it, reconnecting through the job's stored sandbox reference.
func (m *Machine) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if _, ok := validTransitions[snap.State]; !ok {
		return fmt.Errorf("%w: %q", ErrStateNotFound, snap.State)
	}
	m.state = snap.State
	m.request = snap.Request
	m.reviewCycles = snap.ReviewCycles
	m.fixCycles = snap.FixCycles
	m.approved = snap.Approved
	m.issues = snap.Issues
	m.ctxMgr.SetEntries(snap.Context)
	m.conn = nil
	return nil
}

// Step implements workflow.Machine.
func (m *Machine) Step(ctx context.Context) workflow.StepResult {
	switch m.state {
	case proto.StatePending:
		return m.stepPending(ctx)
	case proto.StatePlanning:
		return m.stepPlanning(ctx)
	case proto.StateCoding:
		return m.stepCoding(ctx)
	case proto.StateReviewing:
		return m.stepReviewing(ctx)
	case proto.StateTesting:
		return m.stepTesting(ctx)
	case proto.StateFixing:
		return m.stepFixing(ctx)
	default:
		return workflow.Fatal(fmt.Errorf("%w: no step for state %s", ErrStateNotFound, m.state))
	}
}

// stepPending acquires the sandbox and enters planning.
func (m *Machine) stepPending(ctx context.Context) workflow.StepResult {
	if err := m.ensureConn(ctx); err != nil {
		return retryResult(fmt.Errorf("acquire sandbox: %w", err))
	}
	if err := m.transition(ctx, proto.StatePlanning); err != nil {
		return workflow.Fatal(err)
	}
	return workflow.OK("sandbox ready, planning started")
}

func (m *Machine) stepPlanning(ctx context.Context) workflow.StepResult {
	client := m.deps.Clients.forRole(roleFor(m.state))
	env, err := runVerdictRole(ctx, client, plannerSystemPrompt, m.rolePrompt("Plan the implementation."), m.deps.MaxTokens)
	if err != nil {
		return workflow.Retry(roleError("planner", err))
	}
	plan, err := env.Require(SectionPlan)
	if err != nil {
		return workflow.Retry(roleError("planner", err))
	}

	m.ctxMgr.AddPinned("Plan", plan)
	if err := m.transition(ctx, proto.StateCoding); err != nil {
		return workflow.Fatal(err)
	}
	return workflow.OK("plan produced, coding started")
}

func (m *Machine) stepCoding(ctx context.Context) workflow.StepResult {
	registry, err := m.toolRegistry(ctx)
	if err != nil {
		return retryResult(err)
	}

	client := m.deps.Clients.forRole(roleFor(m.state))
	res, err := runToolLoop(ctx, client, registry, coderSystemPrompt, m.rolePrompt("Implement the plan."), m.deps.MaxTokens)
	if err != nil {
		return workflow.Retry(roleError("coder", err))
	}
	summary, err := res.envelope.Require(SectionSummary)
	if err != nil {
		return workflow.Retry(roleError("coder", err))
	}

	if err := m.saveFragment(ctx, res.files); err != nil {
		return workflow.Retry(err)
	}
	m.ctxMgr.Add("Implementation summary", summary)

	if err := m.transition(ctx, proto.StateReviewing); err != nil {
		return workflow.Fatal(err)
	}
	return workflow.OK(fmt.Sprintf("implementation finished (%d files), review started", len(res.files)))
}

// stepReviewing runs the reviewer once per coding pass. An approval
// is sticky: a job re-entering review after a fix cycle proceeds
// straight to testing, so an approved design is not re-litigated.
func (m *Machine) stepReviewing(ctx context.Context) workflow.StepResult {
	if m.approved {
		if err := m.transition(ctx, proto.StateTesting); err != nil {
			return workflow.Fatal(err)
		}
		return workflow.OK("already approved, proceeding to testing")
	}

	client := m.deps.Clients.forRole(roleFor(m.state))
	env, err := runVerdictRole(ctx, client, reviewerSystemPrompt, m.rolePrompt("Review the implementation."), m.deps.MaxTokens)
	if err != nil {
		return workflow.Retry(roleError("reviewer", err))
	}
	verdict, err := env.Verdict()
	if err != nil {
		return workflow.Retry(roleError("reviewer", err))
	}
	if verdict != proto.VerdictApprove && verdict != proto.VerdictRequestChanges {
		return workflow.Retry(roleError("reviewer", fmt.Errorf("%w: verdict %s is not a review verdict", ErrEnvelope, verdict)))
	}

	reasoning, _ := env.Section(SectionReasoning)
	if err := m.saveDecision(ctx, "review", verdict, reasoning, proto.RoleReviewer); err != nil {
		return workflow.Retry(err)
	}

	if verdict == proto.VerdictApprove {
		m.approved = true
		if err := m.transition(ctx, proto.StateTesting); err != nil {
			return workflow.Fatal(err)
		}
		return workflow.OK("review approved, testing started")
	}

	m.reviewCycles++
	if m.reviewCycles >= m.deps.Cfg.MaxReviewCycles {
		// Past the cap reviewer feedback is advisory, not blocking.
		if err := m.transition(ctx, proto.StateTesting); err != nil {
			return workflow.Fatal(err)
		}
		return workflow.OK(fmt.Sprintf("review cycle cap (%d) reached, feedback is advisory, testing started", m.deps.Cfg.MaxReviewCycles))
	}

	m.ctxMgr.Add(fmt.Sprintf("Review feedback (cycle %d)", m.reviewCycles), renderIssues(env.Issues(), reasoning))
	if err := m.transition(ctx, proto.StateCoding); err != nil {
		return workflow.Fatal(err)
	}
	return workflow.OK(fmt.Sprintf("review requested changes (cycle %d), back to coding", m.reviewCycles))
}

func (m *Machine) stepTesting(ctx context.Context) workflow.StepResult {
	registry, err := m.toolRegistry(ctx)
	if err != nil {
		return retryResult(err)
	}

	client := m.deps.Clients.forRole(roleFor(m.state))
	res, err := runToolLoop(ctx, client, registry, testerSystemPrompt, m.rolePrompt("Build, lint, and test the implementation."), m.deps.MaxTokens)
	if err != nil {
		return workflow.Retry(roleError("tester", err))
	}
	verdict, err := res.envelope.Verdict()
	if err != nil {
		return workflow.Retry(roleError("tester", err))
	}
	if verdict != proto.VerdictPass && verdict != proto.VerdictFail {
		return workflow.Retry(roleError("tester", fmt.Errorf("%w: verdict %s is not a test verdict", ErrEnvelope, verdict)))
	}

	issues := res.envelope.Issues()
	if err := m.saveDecision(ctx, "test", verdict, renderIssues(issues, ""), proto.RoleTester); err != nil {
		return workflow.Retry(err)
	}

	if verdict == proto.VerdictPass {
		m.deps.Sandboxes.Release(ctx, m.jobID)
		m.conn = nil
		if err := m.transition(ctx, proto.StateComplete); err != nil {
			return workflow.Fatal(err)
		}
		return workflow.OK("tests passed, job complete")
	}

	m.issues = issues
	m.fixCycles++
	if m.fixCycles > m.deps.Cfg.MaxFixCycles {
		return m.failWithIssues(ctx)
	}

	if err := m.transition(ctx, proto.StateFixing); err != nil {
		return workflow.Fatal(err)
	}
	return workflow.OK(fmt.Sprintf("tests failed (%d issues), fix cycle %d started", len(issues), m.fixCycles))
}

func (m *Machine) stepFixing(ctx context.Context) workflow.StepResult {
	registry, err := m.toolRegistry(ctx)
	if err != nil {
		return retryResult(err)
	}

	client := m.deps.Clients.forRole(roleFor(m.state))
	prompt := m.rolePrompt("Resolve these issues:\n" + renderIssues(m.issues, ""))
	res, err := runToolLoop(ctx, client, registry, fixerSystemPrompt, prompt, m.deps.MaxTokens)
	if err != nil {
		return workflow.Retry(roleError("fixer", err))
	}
	summary, err := res.envelope.Require(SectionSummary)
	if err != nil {
		return workflow.Retry(roleError("fixer", err))
	}

	if len(res.files) > 0 {
		if err := m.saveFragment(ctx, res.files); err != nil {
			return workflow.Retry(err)
		}
	}
	m.ctxMgr.Add(fmt.Sprintf("Fix summary (cycle %d)", m.fixCycles), summary)

	if err := m.transition(ctx, proto.StateCoding); err != nil {
		return workflow.Fatal(err)
	}
	return workflow.OK("fixes applied, re-entering coding")
}

// failWithIssues is the fix-cap terminal path: the last issue list is
// preserved on the job for human triage, distinct from an executor
// retry-ceiling failure.
func (m *Machine) failWithIssues(ctx context.Context) workflow.StepResult {
	issueJSON, err := json.Marshal(m.issues)
	if err != nil {
		return workflow.Fatal(fmt.Errorf("encode issue list: %w", err))
	}
	issueStr := string(issueJSON)
	msg := fmt.Sprintf("fix cycle cap (%d) exceeded with %d unresolved issues", m.deps.Cfg.MaxFixCycles, len(m.issues))
	if err := m.deps.Store.SetJobFailure(ctx, m.jobID, msg, &issueStr); err != nil {
		return workflow.Retry(fmt.Errorf("record fix-cap failure: %w", err))
	}
	if err := m.transition(ctx, proto.StateFailed); err != nil {
		return workflow.Fatal(err)
	}
	return workflow.OK(msg)
}

// transition validates and applies a state change, persisting the new
// job status and a log line.
func (m *Machine) transition(ctx context.Context, to proto.State) error {
	if err := checkTransition(m.state, to); err != nil {
		return err
	}
	from := m.state
	m.state = to
	m.deps.Metrics.Transition(from, to)
	m.logger.Info("job %s: %s -> %s", m.jobID, from, to)

	if err := m.deps.Store.UpdateJobStatus(ctx, m.jobID, to); err != nil {
		return fmt.Errorf("update job %s status: %w", m.jobID, err)
	}
	if err := m.deps.Store.AppendJobLog(ctx, m.jobID, fmt.Sprintf("%s -> %s", from, to)); err != nil {
		m.logger.Warn("job %s: append log failed: %v", m.jobID, err)
	}
	return nil
}

// retryResult classifies a step failure. A quota denial is not a
// transport failure: the result carries the limiter's reset time so
// the executor waits out the window instead of burning retry attempts
// against it.
func retryResult(err error) workflow.StepResult {
	var qe *sandbox.QuotaError
	if errors.As(err, &qe) {
		return workflow.RetryAfter(err, qe.Status.ResetAt)
	}
	return workflow.Retry(err)
}

// ensureConn lazily acquires the job's sandbox, reconnecting through
// the stored reference after a resume.
func (m *Machine) ensureConn(ctx context.Context) error {
	if m.conn != nil {
		return nil
	}
	conn, err := m.deps.Sandboxes.Acquire(ctx, m.jobID)
	if err != nil {
		return err
	}
	m.conn = conn
	return nil
}

func (m *Machine) toolRegistry(ctx context.Context) (*tools.Registry, error) {
	if err := m.ensureConn(ctx); err != nil {
		return nil, fmt.Errorf("acquire sandbox: %w", err)
	}
	return tools.NewRegistry(m.conn, m.deps.CommandTimeout), nil
}

// rolePrompt builds a role's user prompt: the original request plus
// the accumulated (budget-trimmed) context.
func (m *Machine) rolePrompt(instruction string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\n", m.request)
	if rendered := m.ctxMgr.Render(); rendered != "" {
		b.WriteString(rendered)
		b.WriteString("\n\n")
	}
	b.WriteString(instruction)
	return b.String()
}

func (m *Machine) saveFragment(ctx context.Context, files map[string]string) error {
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode fragment files: %w", err)
	}
	f := &persistence.Fragment{
		ID:        persistence.NewFragmentID(),
		JobID:     m.jobID,
		Files:     string(filesJSON),
		Framework: "appforge",
	}
	if err := m.deps.Store.InsertFragment(ctx, f); err != nil {
		return fmt.Errorf("insert fragment: %w", err)
	}
	return nil
}

func (m *Machine) saveDecision(ctx context.Context, step string, verdict proto.Verdict, reasoning string, role proto.Role) error {
	d := &persistence.CouncilDecision{
		ID:        persistence.NewDecisionID(),
		JobID:     m.jobID,
		Step:      step,
		Verdict:   verdict,
		Reasoning: truncateReasoning(reasoning),
		Agents:    string(role),
	}
	if err := m.deps.Store.InsertCouncilDecision(ctx, d); err != nil {
		return fmt.Errorf("insert council decision: %w", err)
	}
	return nil
}

// renderIssues flattens an issue list plus optional reasoning into a
// readable block for context and decision records.
func renderIssues(issues []string, reasoning string) string {
	var b strings.Builder
	for _, issue := range issues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	if reasoning != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(reasoning)
	}
	return strings.TrimRight(b.String(), "\n")
}

const maxReasoningLen = 4000

// truncateReasoning bounds persisted reasoning text. Job logs and
// decisions are the user-facing surface; they carry detail, not dumps.
func truncateReasoning(s string) string {
	if len(s) <= maxReasoningLen {
		return s
	}
	return s[:maxReasoningLen] + "... (truncated)"
}
