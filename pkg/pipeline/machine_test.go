package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/agent"
	"appforge/pkg/config"
	"appforge/pkg/limiter"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
	"appforge/pkg/workflow"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type testEnv struct {
	store    *persistence.Store
	provider *sandbox.FakeProvider
	planner  *agent.ScriptedClient
	coder    *agent.ScriptedClient
	reviewer *agent.ScriptedClient
	tester   *agent.ScriptedClient
	deps     Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newTestStore(t)
	provider := sandbox.NewFakeProvider()
	lim := limiter.New(store, time.Hour)
	mgr := sandbox.NewManager(provider, lim, store, sandbox.Quotas{
		MaxCreatesPerWindow:  100,
		MaxConnectsPerWindow: 100,
	}, nil)

	env := &testEnv{
		store:    store,
		provider: provider,
		planner:  agent.NewScriptedClient(),
		coder:    agent.NewScriptedClient(),
		reviewer: agent.NewScriptedClient(),
		tester:   agent.NewScriptedClient(),
	}
	env.deps = Deps{
		Store:     store,
		Sandboxes: mgr,
		Clients: Clients{
			Planner:  env.planner,
			Coder:    env.coder,
			Reviewer: env.reviewer,
			Tester:   env.tester,
		},
		Cfg: config.PipelineConfig{
			MaxReviewCycles: 3,
			MaxFixCycles:    2,
			ContextBudget:   24000,
		},
		MaxTokens:      4096,
		CommandTimeout: time.Second,
	}
	return env
}

func (e *testEnv) executor(t *testing.T, maxAttempts int) *workflow.Executor {
	t.Helper()
	return workflow.NewExecutor(e.store, config.ExecutorConfig{
		MaxStepAttempts: maxAttempts,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		BackoffFactor:   2.0,
	}, nil)
}

func text(content string) agent.CompletionResponse {
	return agent.CompletionResponse{Content: content, StopReason: "end_turn"}
}

func writeFilesCall(paths ...string) agent.CompletionResponse {
	files := make([]any, 0, len(paths))
	for _, p := range paths {
		files = append(files, map[string]any{"path": p, "content": "// " + p})
	}
	return agent.CompletionResponse{
		ToolCalls: []agent.ToolCall{{
			ID:         "call-1",
			Name:       "write_files",
			Parameters: map[string]any{"files": files},
		}},
		StopReason: "tool_use",
	}
}

// transitionsFromLog extracts the persisted state sequence of a job.
func transitionsFromLog(t *testing.T, store *persistence.Store, jobID string) []string {
	t.Helper()
	log, err := store.GetJobLog(context.Background(), jobID)
	require.NoError(t, err)

	sequence := []string{}
	for _, line := range log {
		from, to, ok := strings.Cut(line.Line, " -> ")
		if !ok || strings.Contains(from, " ") {
			continue
		}
		if len(sequence) == 0 {
			sequence = append(sequence, from)
		}
		sequence = append(sequence, to)
	}
	return sequence
}

func TestCodegenScenarioWithOneFixCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.planner.Queue(text("PLAN:\n1. scaffold todo app\n2. wire storage"))
	env.coder.Queue(
		writeFilesCall("app.ts", "store.ts"),
		text("SUMMARY:\nbuilt the todo app with local storage"),
		text("SUMMARY:\nre-verified after lint fix"),
	)
	env.reviewer.Queue(text("VERDICT: APPROVE\nREASONING: matches the plan"))
	env.tester.Queue(
		text("VERDICT: FAIL\nISSUES:\n- lint error in app.ts"),
		text("VERDICT: PASS"),
	)

	m, err := StartCodegen(ctx, env.deps, CodegenPayload{
		OwnerID: "user-1",
		Value:   "build a todo app",
		Model:   "scripted-model",
	})
	require.NoError(t, err)

	state, err := env.executor(t, 3).Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)

	assert.Equal(t, []string{
		"pending", "planning", "coding", "reviewing", "testing",
		"fixing", "coding", "reviewing", "testing", "complete",
	}, transitionsFromLog(t, env.store, m.JobID()))

	// Exactly one review approval; the test verdicts form a
	// FAIL-then-PASS pair.
	decisions, err := env.store.GetCouncilDecisions(ctx, m.JobID())
	require.NoError(t, err)
	var reviews, tests []proto.Verdict
	for _, d := range decisions {
		switch d.Step {
		case "review":
			reviews = append(reviews, d.Verdict)
		case "test":
			tests = append(tests, d.Verdict)
		}
	}
	assert.Equal(t, []proto.Verdict{proto.VerdictApprove}, reviews)
	assert.Equal(t, []proto.Verdict{proto.VerdictFail, proto.VerdictPass}, tests)

	// The coding pass produced a durable fragment with both files.
	fragment, err := env.store.GetLatestFragment(ctx, m.JobID())
	require.NoError(t, err)
	var files map[string]string
	require.NoError(t, json.Unmarshal([]byte(fragment.Files), &files))
	assert.Contains(t, files, "app.ts")

	// The sandbox was released on completion.
	job, err := env.store.GetJob(ctx, m.JobID())
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, job.Status)
	assert.Equal(t, 1, env.provider.TermCalls)
}

func TestReviewCycleBound(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Cfg.MaxReviewCycles = 2
	ctx := context.Background()

	env.planner.Queue(text("PLAN:\n1. build it"))
	env.coder.Queue(text("SUMMARY:\nimplemented"))
	// The reviewer never approves; the last response repeats.
	env.reviewer.Queue(text("VERDICT: REQUEST_CHANGES\nISSUES:\n- never good enough\nREASONING: nope"))
	env.tester.Queue(text("VERDICT: PASS"))

	m, err := StartCodegen(ctx, env.deps, CodegenPayload{OwnerID: "u", Value: "build it"})
	require.NoError(t, err)

	state, err := env.executor(t, 3).Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)

	// Exactly cap review cycles ran, then review became advisory.
	assert.Equal(t, 2, env.reviewer.Calls())
	decisions, err := env.store.GetCouncilDecisions(ctx, m.JobID())
	require.NoError(t, err)
	var requestChanges int
	for _, d := range decisions {
		if d.Verdict == proto.VerdictRequestChanges {
			requestChanges++
		}
	}
	assert.Equal(t, 2, requestChanges)

	log, err := env.store.GetJobLog(ctx, m.JobID())
	require.NoError(t, err)
	var advisory bool
	for _, line := range log {
		if strings.Contains(line.Line, "review cycle cap (2) reached") {
			advisory = true
		}
	}
	assert.True(t, advisory)
}

func TestFixCycleCapFailsJobWithIssueList(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Cfg.MaxFixCycles = 1
	ctx := context.Background()

	env.planner.Queue(text("PLAN:\n1. build it"))
	env.coder.Queue(text("SUMMARY:\nimplemented"))
	env.reviewer.Queue(text("VERDICT: APPROVE\nREASONING: ok"))
	// The build never passes.
	env.tester.Queue(text("VERDICT: FAIL\nISSUES:\n- build broken: missing import"))

	m, err := StartCodegen(ctx, env.deps, CodegenPayload{OwnerID: "u", Value: "build it"})
	require.NoError(t, err)

	state, err := env.executor(t, 3).Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, state)

	// The last issue list is preserved on the job for human triage.
	job, err := env.store.GetJob(ctx, m.JobID())
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, job.Status)
	require.NotNil(t, job.IssueList)
	var issues []string
	require.NoError(t, json.Unmarshal([]byte(*job.IssueList), &issues))
	assert.Equal(t, []string{"build broken: missing import"}, issues)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "fix cycle cap (1) exceeded")
}

func TestEnvelopeParseFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// First planner response has no tagged sections; the retried step
	// gets a well-formed one.
	env.planner.Queue(
		text("sure, I will plan that for you!"),
		text("PLAN:\n1. do the thing"),
	)
	env.coder.Queue(text("SUMMARY:\ndone"))
	env.reviewer.Queue(text("VERDICT: APPROVE\nREASONING: fine"))
	env.tester.Queue(text("VERDICT: PASS"))

	m, err := StartCodegen(ctx, env.deps, CodegenPayload{OwnerID: "u", Value: "do the thing"})
	require.NoError(t, err)

	state, err := env.executor(t, 3).Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)
	assert.Equal(t, 2, env.planner.Calls())
}

func TestCoderToolLoopExecutesAgainstSandbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.planner.Queue(text("PLAN:\n1. write files"))
	env.coder.Queue(
		writeFilesCall("main.go"),
		text("SUMMARY:\nwrote main.go"),
	)
	env.reviewer.Queue(text("VERDICT: APPROVE\nREASONING: ok"))
	env.tester.Queue(text("VERDICT: PASS"))

	m, err := StartCodegen(ctx, env.deps, CodegenPayload{OwnerID: "u", Value: "write files"})
	require.NoError(t, err)

	_, err = env.executor(t, 2).Run(ctx, m)
	require.NoError(t, err)

	// The write_files call actually landed in the sandbox, and the
	// tool result was fed back to the coder as the next user turn.
	files := env.provider.Files("sbx-0001")
	assert.Contains(t, files, "main.go")

	reqs := env.coder.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, agent.RoleUser, last.Role)
	assert.Contains(t, last.Content, "result of write_files")
}

func TestResumeMidPipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.planner.Queue(text("PLAN:\n1. build"))
	// The coder fails every attempt in the first run.
	env.coder.Queue(text("no envelope here at all"))

	m, err := StartCodegen(ctx, env.deps, CodegenPayload{OwnerID: "u", Value: "build"})
	require.NoError(t, err)
	jobID := m.JobID()

	state, err := env.executor(t, 2).Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, state)

	// The checkpoint preserved the coding position and the plan.
	cp, err := env.store.GetCheckpoint(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateCoding, cp.State)
	assert.Contains(t, cp.Snapshot, "1. build")

	// A fresh process resumes from the checkpoint: planning does not
	// rerun, coding picks up where it left off.
	env.coder.Queue(text("SUMMARY:\nbuilt after restart"))
	env.reviewer.Queue(text("VERDICT: APPROVE\nREASONING: ok"))
	env.tester.Queue(text("VERDICT: PASS"))

	resumed, err := LoadMachine(ctx, env.deps, jobID)
	require.NoError(t, err)
	state, err = env.executor(t, 2).Resume(ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)
	assert.Equal(t, 1, env.planner.Calls())
}

func TestTriageEnqueuesCodegen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.reviewer.Queue(text("ACTION: CODEGEN\nSUMMARY: add retry to the webhook sender"))

	taskID, err := RunTriage(ctx, env.deps, TriagePayload{
		IssueID: "issue-7",
		Summary: "webhook sender drops events on 502",
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, proto.TaskCodegen, task.Type)
	assert.Equal(t, persistence.TaskStatusPending, task.Status)
	require.NotNil(t, task.IssueID)
	assert.Equal(t, "issue-7", *task.IssueID)

	var payload CodegenPayload
	require.NoError(t, json.Unmarshal([]byte(task.Payload), &payload))
	assert.Contains(t, payload.Value, "retry")
}

func TestTriageDismissal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.reviewer.Queue(text("ACTION: NONE\nSUMMARY: duplicate of issue-3"))

	taskID, err := RunTriage(ctx, env.deps, TriagePayload{IssueID: "issue-8", Summary: "dup"})
	require.NoError(t, err)
	assert.Empty(t, taskID)

	pending, err := env.store.CountTasksByStatus(ctx, persistence.TaskStatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestErrorFixEntersAtFixingWithTransferredSandbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A prior run left a failed job with a sandbox, a fragment, and a
	// preserved issue list.
	oldJobID, err := persistence.NewJobID()
	require.NoError(t, err)
	require.NoError(t, env.store.InsertJob(ctx, &persistence.Job{
		ID:      oldJobID,
		OwnerID: "user-1",
		Title:   "build a todo app",
		Status:  proto.StatePending,
		Model:   "scripted-model",
	}))
	_, err = env.deps.Sandboxes.Acquire(ctx, oldJobID)
	require.NoError(t, err)

	fragmentID := persistence.NewFragmentID()
	require.NoError(t, env.store.InsertFragment(ctx, &persistence.Fragment{
		ID:        fragmentID,
		JobID:     oldJobID,
		Files:     `{"index.ts":"// index.ts"}`,
		Framework: "appforge",
	}))
	issues := `["crash on empty input"]`
	require.NoError(t, env.store.SetJobFailure(ctx, oldJobID, "fix cycle cap (2) exceeded", &issues))
	require.NoError(t, env.store.UpdateJobStatus(ctx, oldJobID, proto.StateFailed))

	// Script the repair run: fixer resolves the issue, the follow-up
	// coding pass verifies, review and tests pass.
	env.coder.Queue(text("SUMMARY:\nguarded empty input"), text("SUMMARY:\nverified"))
	env.reviewer.Queue(text("VERDICT: APPROVE\nREASONING: fixed"))
	env.tester.Queue(text("VERDICT: PASS"))

	fix, err := StartErrorFix(ctx, env.deps, ErrorFixPayload{FragmentID: fragmentID})
	require.NoError(t, err)
	assert.Equal(t, proto.StateFixing, fix.State())
	assert.NotEqual(t, oldJobID, fix.JobID())
	assert.Equal(t, []string{"crash on empty input"}, fix.issues)

	fixJob, err := env.store.GetJob(ctx, fix.JobID())
	require.NoError(t, err)
	require.NotNil(t, fixJob.Supersedes)
	assert.Equal(t, oldJobID, *fixJob.Supersedes)
	// The sandbox moved to the successor instead of being recreated.
	require.NotNil(t, fixJob.SandboxID)
	oldJob, err := env.store.GetJob(ctx, oldJobID)
	require.NoError(t, err)
	assert.Nil(t, oldJob.SandboxID)

	state, err := env.executor(t, 2).Run(ctx, fix)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)

	// The repair reconnected to the transferred sandbox; no second
	// create, and the successor job's code was reviewed on its own.
	assert.Equal(t, 1, env.provider.CreateCalls)
	assert.GreaterOrEqual(t, env.provider.ConnCalls, 1)
	assert.Equal(t, 1, env.reviewer.Calls())
}

func TestQuotaDenialSchedulesWindowReset(t *testing.T) {
	store := newTestStore(t)
	provider := sandbox.NewFakeProvider()
	lim := limiter.New(store, time.Hour)
	mgr := sandbox.NewManager(provider, lim, store, sandbox.Quotas{
		MaxCreatesPerWindow:  1,
		MaxConnectsPerWindow: 5,
	}, nil)
	deps := Deps{
		Store:     store,
		Sandboxes: mgr,
		Clients: Clients{
			Planner:  agent.NewScriptedClient(),
			Coder:    agent.NewScriptedClient(),
			Reviewer: agent.NewScriptedClient(),
			Tester:   agent.NewScriptedClient(),
		},
		Cfg: config.PipelineConfig{
			MaxReviewCycles: 3,
			MaxFixCycles:    2,
			ContextBudget:   24000,
		},
		MaxTokens:      4096,
		CommandTimeout: time.Second,
	}
	ctx := context.Background()

	first, err := StartCodegen(ctx, deps, CodegenPayload{OwnerID: "user-1", Value: "build a todo app", Model: "scripted-model"})
	require.NoError(t, err)
	res := first.Step(ctx)
	require.Equal(t, workflow.StepOK, res.Status)

	// The window's single create is spent, so the next job's sandbox
	// acquisition is denied. The denial is retryable but scheduled for
	// the window reset, not the generic backoff.
	second, err := StartCodegen(ctx, deps, CodegenPayload{OwnerID: "user-1", Value: "build a blog", Model: "scripted-model"})
	require.NoError(t, err)
	res = second.Step(ctx)
	assert.Equal(t, workflow.StepRetry, res.Status)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, sandbox.ErrQuotaExceeded)
	require.False(t, res.RetryAt.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Hour), res.RetryAt, time.Minute)
}
