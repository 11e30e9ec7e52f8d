package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/agent"
	"appforge/pkg/config"
	"appforge/pkg/limiter"
	"appforge/pkg/persistence"
	"appforge/pkg/pipeline"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
	"appforge/pkg/workflow"
)

// countingNotifier records PR-creation events.
type countingNotifier struct {
	mu     sync.Mutex
	events []PRCreationPayload
}

func (n *countingNotifier) PRCreationRequested(_ context.Context, payload PRCreationPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, payload)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type testEnv struct {
	store    *persistence.Store
	notifier *countingNotifier
	planner  *agent.ScriptedClient
	coder    *agent.ScriptedClient
	reviewer *agent.ScriptedClient
	tester   *agent.ScriptedClient
	disp     *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := sandbox.NewFakeProvider()
	lim := limiter.New(store, time.Hour)
	mgr := sandbox.NewManager(provider, lim, store, sandbox.Quotas{
		MaxCreatesPerWindow:  100,
		MaxConnectsPerWindow: 100,
	}, nil)

	env := &testEnv{
		store:    store,
		notifier: &countingNotifier{},
		planner:  agent.NewScriptedClient(),
		coder:    agent.NewScriptedClient(),
		reviewer: agent.NewScriptedClient(),
		tester:   agent.NewScriptedClient(),
	}
	deps := pipeline.Deps{
		Store:     store,
		Sandboxes: mgr,
		Clients: pipeline.Clients{
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
	executor := workflow.NewExecutor(store, config.ExecutorConfig{
		MaxStepAttempts: 2,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		BackoffFactor:   2.0,
	}, nil)
	env.disp = NewDispatcher(deps, executor, env.notifier)
	return env
}

func text(content string) agent.CompletionResponse {
	return agent.CompletionResponse{Content: content, StopReason: "end_turn"}
}

func TestEnqueueAndSweepPRCreation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	taskID, err := env.disp.Enqueue(ctx, proto.TaskPRCreation, PRCreationPayload{
		JobID: "job-1",
		Title: "build a todo app",
	}, PriorityDefault)
	require.NoError(t, err)

	claimed, err := env.disp.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	assert.Equal(t, 1, env.notifier.count())

	task, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusDone, task.Status)
}

func TestSweepOrdersByPriorityThenAge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.disp.Enqueue(ctx, proto.TaskPRCreation, PRCreationPayload{JobID: "low"}, PriorityLow)
	require.NoError(t, err)
	_, err = env.disp.Enqueue(ctx, proto.TaskPRCreation, PRCreationPayload{JobID: "high"}, PriorityHigh)
	require.NoError(t, err)
	_, err = env.disp.Enqueue(ctx, proto.TaskPRCreation, PRCreationPayload{JobID: "default"}, PriorityDefault)
	require.NoError(t, err)

	claimed, err := env.disp.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, claimed)

	require.Len(t, env.notifier.events, 3)
	assert.Equal(t, "high", env.notifier.events[0].JobID)
	assert.Equal(t, "default", env.notifier.events[1].JobID)
	assert.Equal(t, "low", env.notifier.events[2].JobID)
}

func TestConcurrentSweepsClaimEachTaskOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const tasks = 5
	for i := 0; i < tasks; i++ {
		_, err := env.disp.Enqueue(ctx, proto.TaskPRCreation, PRCreationPayload{JobID: "job"}, PriorityDefault)
		require.NoError(t, err)
	}

	const sweepers = 8
	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := env.disp.Sweep(ctx, tasks)
			assert.NoError(t, err)
			total.Add(int64(n))
		}()
	}
	wg.Wait()

	// Every task was processed exactly once across all racers.
	assert.Equal(t, int64(tasks), total.Load())
	assert.Equal(t, tasks, env.notifier.count())

	done, err := env.store.CountTasksByStatus(ctx, persistence.TaskStatusDone)
	require.NoError(t, err)
	assert.Equal(t, tasks, done)
}

func TestUnknownTaskTypeFailsWithoutRequeue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := &persistence.Task{
		ID:       persistence.NewTaskID(),
		Type:     proto.TaskType("REINDEX"),
		Payload:  "{}",
		Status:   persistence.TaskStatusPending,
		Priority: PriorityDefault,
	}
	require.NoError(t, env.store.InsertTask(ctx, task))

	claimed, err := env.disp.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "no route for task type")

	// Nothing left pending: the unmapped type never requeues.
	pending, err := env.store.CountTasksByStatus(ctx, persistence.TaskStatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestCodegenTaskRunsPipelineAndRequestsPR(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.planner.Queue(text("PLAN:\n1. build the app"))
	env.coder.Queue(text("SUMMARY:\nbuilt it"))
	env.reviewer.Queue(text("VERDICT: APPROVE\nREASONING: fine"))
	env.tester.Queue(text("VERDICT: PASS"))

	taskID, err := env.disp.Enqueue(ctx, proto.TaskCodegen, pipeline.CodegenPayload{
		OwnerID: "user-1",
		Value:   "build a todo app",
	}, PriorityHigh)
	require.NoError(t, err)

	claimed, err := env.disp.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	task, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusDone, task.Status)

	// Completion enqueued the follow-on PR_CREATION task; the next
	// sweep delivers it to the notifier.
	pending, err := env.store.CountTasksByStatus(ctx, persistence.TaskStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	_, err = env.disp.Sweep(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, env.notifier.count())
	assert.Equal(t, "build a todo app", env.notifier.events[0].Title)
}

func TestTriageTaskEnqueuesCodegen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The triager shares the reviewer's client.
	env.reviewer.Queue(text("ACTION: CODEGEN\nSUMMARY: fix the webhook retry"))

	_, err := env.disp.Enqueue(ctx, proto.TaskTriage, pipeline.TriagePayload{
		IssueID: "issue-9",
		Summary: "webhook drops events",
	}, PriorityHigh)
	require.NoError(t, err)

	claimed, err := env.disp.Sweep(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	// The triage verdict spawned a CODEGEN task for a later sweep.
	pending, err := env.store.CountTasksByStatus(ctx, persistence.TaskStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestFailedJobStillFinishesTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The planner never produces a valid envelope, so the job fails at
	// the retry ceiling. The task itself is done: the failure lives on
	// the job record.
	env.planner.Queue(text("no envelope"))

	taskID, err := env.disp.Enqueue(ctx, proto.TaskCodegen, pipeline.CodegenPayload{
		OwnerID: "user-1",
		Value:   "build something",
	}, PriorityDefault)
	require.NoError(t, err)

	_, err = env.disp.Sweep(ctx, 1)
	require.NoError(t, err)

	task, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusDone, task.Status)

	failed, err := env.store.CountTasksByStatus(ctx, persistence.TaskStatusPending)
	require.NoError(t, err)
	assert.Zero(t, failed)
	assert.Equal(t, 0, env.notifier.count())
}
