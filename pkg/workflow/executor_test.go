package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/config"
	"appforge/pkg/metrics"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestExecutor(t *testing.T, store *persistence.Store, maxAttempts int) *Executor {
	t.Helper()
	exec := NewExecutor(store, config.ExecutorConfig{
		MaxStepAttempts: maxAttempts,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BackoffFactor:   2.0,
	}, nil)
	exec.sleep = func(context.Context, time.Duration) error { return nil }
	return exec
}

func insertJob(t *testing.T, store *persistence.Store, jobID string) {
	t.Helper()
	require.NoError(t, store.InsertJob(context.Background(), &persistence.Job{
		ID:      jobID,
		OwnerID: "tester",
		Title:   "test job",
		Status:  proto.StatePending,
		Model:   "scripted-model",
	}))
}

// countingMachine completes after totalSteps successful steps.
// failures maps a step index to a queue of results returned before
// the step is allowed to succeed.
type countingMachine struct {
	jobID      string
	totalSteps int
	stepsDone  int
	failures   map[int][]StepResult
	restored   bool
}

type countingSnapshot struct {
	StepsDone int `json:"steps_done"`
}

func (m *countingMachine) JobID() string { return m.jobID }

func (m *countingMachine) State() proto.State {
	if m.stepsDone >= m.totalSteps {
		return proto.StateComplete
	}
	return proto.StateCoding
}

func (m *countingMachine) Step(_ context.Context) StepResult {
	if queue := m.failures[m.stepsDone]; len(queue) > 0 {
		res := queue[0]
		m.failures[m.stepsDone] = queue[1:]
		return res
	}
	m.stepsDone++
	return OK(fmt.Sprintf("finished step %d", m.stepsDone))
}

func (m *countingMachine) Snapshot() ([]byte, error) {
	return json.Marshal(countingSnapshot{StepsDone: m.stepsDone})
}

func (m *countingMachine) Restore(data []byte) error {
	var snap countingSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	m.stepsDone = snap.StepsDone
	m.restored = true
	return nil
}

func TestExecutorRunsToCompletion(t *testing.T) {
	store := newTestStore(t)
	exec := newTestExecutor(t, store, 3)
	ctx := context.Background()

	insertJob(t, store, "job-run")
	m := &countingMachine{jobID: "job-run", totalSteps: 3}

	state, err := exec.Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)
	assert.Equal(t, 3, m.stepsDone)

	// Every successful step left a checkpoint; the last one holds the
	// final step index.
	cp, err := store.GetCheckpoint(ctx, "job-run")
	require.NoError(t, err)
	assert.Equal(t, 3, cp.StepIndex)
	assert.Equal(t, proto.StateComplete, cp.State)

	log, err := store.GetJobLog(ctx, "job-run")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Contains(t, log[0].Line, "finished step 1")
}

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	exec := newTestExecutor(t, store, 3)
	ctx := context.Background()

	insertJob(t, store, "job-retry")
	m := &countingMachine{
		jobID:      "job-retry",
		totalSteps: 2,
		failures: map[int][]StepResult{
			1: {Retry(fmt.Errorf("flaky step")), Retry(fmt.Errorf("flaky step"))},
		},
	}

	state, err := exec.Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)

	log, err := store.GetJobLog(ctx, "job-retry")
	require.NoError(t, err)
	var attempts int
	for _, line := range log {
		if line.Line == "step failed (attempt 1/3): flaky step" ||
			line.Line == "step failed (attempt 2/3): flaky step" {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts)
}

func TestExecutorFailsJobAtRetryCeiling(t *testing.T) {
	store := newTestStore(t)
	exec := newTestExecutor(t, store, 2)
	ctx := context.Background()

	insertJob(t, store, "job-ceiling")
	m := &countingMachine{
		jobID:      "job-ceiling",
		totalSteps: 2,
		failures: map[int][]StepResult{
			0: {Retry(fmt.Errorf("down")), Retry(fmt.Errorf("down")), Retry(fmt.Errorf("down"))},
		},
	}

	state, err := exec.Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, state)

	job, err := store.GetJob(ctx, "job-ceiling")
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "exhausted 2 attempts")
}

func TestExecutorWaitsOutWindowDenials(t *testing.T) {
	store := newTestStore(t)
	exec := newTestExecutor(t, store, 1)
	var waits []time.Duration
	exec.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	ctx := context.Background()

	insertJob(t, store, "job-window")
	resetAt := time.Now().Add(30 * time.Minute)
	m := &countingMachine{
		jobID:      "job-window",
		totalSteps: 1,
		failures: map[int][]StepResult{
			0: {
				RetryAfter(fmt.Errorf("quota exceeded for sandbox_create"), resetAt),
				RetryAfter(fmt.Errorf("quota exceeded for sandbox_create"), resetAt),
			},
		},
	}

	state, err := exec.Run(ctx, m)
	require.NoError(t, err)

	// Even with a retry ceiling of one, window denials complete the job:
	// each wait is sized to the reset time and burns no attempt.
	assert.Equal(t, proto.StateComplete, state)
	require.Len(t, waits, 2)
	for _, w := range waits {
		assert.Greater(t, w, 25*time.Minute)
	}

	log, err := store.GetJobLog(ctx, "job-window")
	require.NoError(t, err)
	var waited int
	for _, line := range log {
		if strings.Contains(line.Line, "window reset") {
			waited++
		}
	}
	assert.Equal(t, 2, waited)
}

func TestExecutorWindowWaitFloorsAtBackoff(t *testing.T) {
	store := newTestStore(t)
	exec := newTestExecutor(t, store, 1)
	var waits []time.Duration
	exec.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	ctx := context.Background()

	insertJob(t, store, "job-stale-window")
	m := &countingMachine{
		jobID:      "job-stale-window",
		totalSteps: 1,
		failures: map[int][]StepResult{
			0: {RetryAfter(fmt.Errorf("quota exceeded"), time.Now().Add(-time.Minute))},
		},
	}

	state, err := exec.Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)

	// A reset time already in the past still waits the initial backoff
	// so a skewed clock cannot turn this into a hot loop.
	require.Len(t, waits, 1)
	assert.Equal(t, time.Millisecond, waits[0])
}

func TestExecutorCountsStepRetries(t *testing.T) {
	store := newTestStore(t)
	reg := prometheus.NewRegistry()
	exec := NewExecutor(store, config.ExecutorConfig{
		MaxStepAttempts: 3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BackoffFactor:   2.0,
	}, metrics.New(reg))
	exec.sleep = func(context.Context, time.Duration) error { return nil }
	ctx := context.Background()

	insertJob(t, store, "job-metrics")
	m := &countingMachine{
		jobID:      "job-metrics",
		totalSteps: 1,
		failures: map[int][]StepResult{
			0: {
				Retry(fmt.Errorf("flaky")),
				Retry(fmt.Errorf("flaky")),
				RetryAfter(fmt.Errorf("quota exceeded"), time.Now().Add(time.Minute)),
			},
		},
	}

	state, err := exec.Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)

	// Two generic retries counted; the window denial is not a retry.
	expected := `
# HELP appforge_step_retries_total Workflow step attempts beyond the first.
# TYPE appforge_step_retries_total counter
appforge_step_retries_total 2
`
	require.NoError(t, testutil.GatherAndCompare(
		reg, strings.NewReader(expected), "appforge_step_retries_total"))
}

func TestExecutorFatalStepFailsJobImmediately(t *testing.T) {
	store := newTestStore(t)
	exec := newTestExecutor(t, store, 5)
	ctx := context.Background()

	insertJob(t, store, "job-fatal")
	m := &countingMachine{
		jobID:      "job-fatal",
		totalSteps: 2,
		failures: map[int][]StepResult{
			0: {Fatal(fmt.Errorf("sandbox gone"))},
		},
	}

	state, err := exec.Run(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, state)

	job, err := store.GetJob(ctx, "job-fatal")
	require.NoError(t, err)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "sandbox gone", *job.LastError)
}

func TestExecutorResumeContinuesFromCheckpoint(t *testing.T) {
	store := newTestStore(t)
	exec := newTestExecutor(t, store, 1)
	ctx := context.Background()

	insertJob(t, store, "job-resume")

	// First run advances two steps, then hits its retry ceiling on the
	// third and the job is marked failed mid-flight.
	first := &countingMachine{
		jobID:      "job-resume",
		totalSteps: 4,
		failures: map[int][]StepResult{
			2: {Retry(fmt.Errorf("transient outage"))},
		},
	}
	state, err := exec.Run(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, proto.StateFailed, state)
	assert.Equal(t, 2, first.stepsDone)

	cp, err := store.GetCheckpoint(ctx, "job-resume")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.StepIndex)

	// A fresh machine resumed from the checkpoint repeats nothing: it
	// starts at step three and finishes the remaining work.
	second := &countingMachine{jobID: "job-resume", totalSteps: 4}
	state, err = exec.Resume(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)
	assert.True(t, second.restored)
	assert.Equal(t, 4, second.stepsDone)

	cp, err = store.GetCheckpoint(ctx, "job-resume")
	require.NoError(t, err)
	assert.Equal(t, 4, cp.StepIndex)
}

func TestExecutorResumeWithoutCheckpointStartsFresh(t *testing.T) {
	store := newTestStore(t)
	exec := newTestExecutor(t, store, 2)
	ctx := context.Background()

	insertJob(t, store, "job-fresh")
	m := &countingMachine{jobID: "job-fresh", totalSteps: 1}

	state, err := exec.Resume(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, proto.StateComplete, state)
	assert.False(t, m.restored)
}
