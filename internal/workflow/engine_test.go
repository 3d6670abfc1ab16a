package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stepFunc func(ctx context.Context, step Step, attempt int) (StepOutcome, error)

type scriptedRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fn    stepFunc
}

func newScriptedRunner(fn stepFunc) *scriptedRunner {
	return &scriptedRunner{calls: map[string]int{}, fn: fn}
}

func (s *scriptedRunner) Execute(ctx context.Context, sc StepContext) (StepOutcome, error) {
	s.mu.Lock()
	s.calls[sc.Step.ID]++
	n := s.calls[sc.Step.ID]
	s.mu.Unlock()
	return s.fn(ctx, sc.Step, n)
}

func (s *scriptedRunner) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type fixedEscalator struct {
	mu       sync.Mutex
	outcome  EscalationOutcome
	err      error
	requests []EscalationRequest
}

func (f *fixedEscalator) Escalate(_ context.Context, req EscalationRequest) (EscalationExecution, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return EscalationExecution{}, f.err
	}
	return EscalationExecution{ID: "esc-1", RuleID: req.RuleID, ExecutionID: req.ExecutionID, StepID: req.StepID, Reason: req.Reason, Outcome: f.outcome}, nil
}

var errBoom = errors.New("boom")

func succeed(context.Context, Step, int) (StepOutcome, error) {
	return StepOutcome{Result: map[string]any{"ok": true}}, nil
}

// failing fails the listed steps on every attempt and passes the rest.
func failing(ids ...string) stepFunc {
	return func(_ context.Context, step Step, _ int) (StepOutcome, error) {
		for _, id := range ids {
			if step.ID == id {
				return StepOutcome{}, errBoom
			}
		}
		return StepOutcome{}, nil
	}
}

// holding blocks the first attempt of step id until its context ends.
func holding(id string) stepFunc {
	return func(ctx context.Context, step Step, attempt int) (StepOutcome, error) {
		if step.ID == id && attempt == 1 {
			<-ctx.Done()
			return StepOutcome{}, ctx.Err()
		}
		return StepOutcome{}, nil
	}
}

func testWorkflow(steps ...Step) Workflow {
	for i := range steps {
		steps[i].Sequence = i + 1
		if steps[i].Name == "" {
			steps[i].Name = steps[i].ID
		}
		if steps[i].Type == "" {
			steps[i].Type = StepNotification
		}
	}
	return Workflow{ID: "wf-test", Name: "test", Active: true, Steps: steps}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestEngine(t *testing.T, steps StepRunner, esc Escalator) (*Engine, *recorder) {
	t.Helper()
	bus := NewEventBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.listen)
	e := NewEngine(NewMemoryStore(), steps, esc, bus, zap.NewNop(), EngineConfig{RetryBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond})
	t.Cleanup(e.Close)
	return e, rec
}

func start(t *testing.T, e *Engine, wf Workflow) Execution {
	t.Helper()
	exec, err := e.Start(context.Background(), wf, Execution{InstructionID: "SI-1", TriggerReason: "test"})
	require.NoError(t, err)
	return exec
}

func waitStatus(t *testing.T, e *Engine, id string, want ExecutionStatus) Execution {
	t.Helper()
	var got Execution
	require.Eventually(t, func() bool {
		var err error
		got, err = e.Get(context.Background(), id)
		return err == nil && got.Status == want
	}, 2*time.Second, 2*time.Millisecond, "execution never reached %s", want)
	return got
}

func TestEngineCompletesEveryStep(t *testing.T) {
	e, rec := newTestEngine(t, newScriptedRunner(succeed), nil)
	exec := start(t, e, testWorkflow(Step{ID: "a"}, Step{ID: "b"}, Step{ID: "c"}))
	assert.Equal(t, StatusInProgress, exec.Status)
	assert.Equal(t, 1, exec.CurrentStep)

	done := waitStatus(t, e, exec.ID, StatusCompleted)
	for _, s := range done.Steps {
		assert.Equal(t, StepCompleted, s.Status)
		assert.Equal(t, true, s.Result["ok"])
	}
	assert.Equal(t, 1.0, done.Effectiveness)
	assert.NotNil(t, done.EndedAt)
	assert.Empty(t, e.Active())

	require.Eventually(t, func() bool {
		types := rec.types()
		return len(types) > 0 && types[len(types)-1] == EventExecutionCompleted
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, EventExecutionStarted, rec.types()[0])
}

func TestEngineRejectsWorkflowWithoutSteps(t *testing.T) {
	e, _ := newTestEngine(t, newScriptedRunner(succeed), nil)
	_, err := e.Start(context.Background(), Workflow{ID: "empty"}, Execution{InstructionID: "SI-1"})
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestAbortFailsAndLeavesLaterStepsPending(t *testing.T) {
	e, _ := newTestEngine(t, newScriptedRunner(failing("a")), nil)
	exec := start(t, e, testWorkflow(
		Step{ID: "a", OnFailure: OnFailureAbort},
		Step{ID: "b"},
	))

	done := waitStatus(t, e, exec.ID, StatusFailed)
	assert.Equal(t, StepFailed, done.Steps[0].Status)
	assert.Contains(t, done.Steps[0].Error, "boom")
	assert.Equal(t, StepPending, done.Steps[1].Status)
	assert.Contains(t, done.FailureReason, "boom")
	assert.Equal(t, 1, done.CurrentStep)
	assert.Zero(t, done.Effectiveness)
}

func TestContinueSkipsFailedStep(t *testing.T) {
	e, _ := newTestEngine(t, newScriptedRunner(failing("a")), nil)
	exec := start(t, e, testWorkflow(
		Step{ID: "a", OnFailure: OnFailureContinue},
		Step{ID: "b"},
	))

	done := waitStatus(t, e, exec.ID, StatusCompleted)
	assert.Equal(t, StepSkipped, done.Steps[0].Status)
	assert.Equal(t, StepCompleted, done.Steps[1].Status)
	assert.InDelta(t, 0.5, done.Effectiveness, 1e-9)
}

func TestRetriesAreBoundedThenEscalated(t *testing.T) {
	runner := newScriptedRunner(failing("a"))
	esc := &fixedEscalator{outcome: EscalationUnresolved}
	e, rec := newTestEngine(t, runner, esc)
	exec := start(t, e, testWorkflow(Step{ID: "a", OnFailure: OnFailureRetry, MaxRetries: 2}, Step{ID: "b"}))

	done := waitStatus(t, e, exec.ID, StatusFailed)
	assert.Equal(t, 3, runner.count("a"))
	assert.Equal(t, 2, done.Steps[0].RetryCount)
	assert.Equal(t, "escalation unresolved: retries exhausted", done.FailureReason)
	require.Len(t, esc.requests, 1)
	assert.Equal(t, DefaultEscalationRuleID, esc.requests[0].RuleID)
	assert.Equal(t, "a", esc.requests[0].StepID)
	assert.Len(t, done.Escalations, 1)
	assert.Zero(t, runner.count("b"))

	retries := 0
	for _, tp := range rec.types() {
		if tp == EventStepRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRetryRecoversOnLaterAttempt(t *testing.T) {
	runner := newScriptedRunner(func(_ context.Context, step Step, attempt int) (StepOutcome, error) {
		if step.ID == "a" && attempt < 2 {
			return StepOutcome{}, errBoom
		}
		return StepOutcome{}, nil
	})
	e, _ := newTestEngine(t, runner, nil)
	exec := start(t, e, testWorkflow(Step{ID: "a", OnFailure: OnFailureRetry, MaxRetries: 3}))

	done := waitStatus(t, e, exec.ID, StatusCompleted)
	assert.Equal(t, 1, done.Steps[0].RetryCount)
	assert.Equal(t, StepCompleted, done.Steps[0].Status)
}

func TestApprovedEscalationMovesPastFailedStep(t *testing.T) {
	esc := &fixedEscalator{outcome: EscalationApproved}
	e, _ := newTestEngine(t, newScriptedRunner(failing("a")), esc)
	wf := testWorkflow(Step{ID: "a", OnFailure: OnFailureEscalate, Parameters: map[string]any{"rule_id": "critical-failure"}}, Step{ID: "b"})
	exec := start(t, e, wf)

	done := waitStatus(t, e, exec.ID, StatusCompleted)
	assert.Equal(t, StepFailed, done.Steps[0].Status)
	assert.Equal(t, StepCompleted, done.Steps[1].Status)
	require.Len(t, done.Escalations, 1)
	assert.Equal(t, EscalationApproved, done.Escalations[0].Outcome)
	assert.Equal(t, "critical-failure", esc.requests[0].RuleID)
	assert.InDelta(t, 0.5, done.Effectiveness, 1e-9)
}

func TestAbortedEscalationFailsExecution(t *testing.T) {
	esc := &fixedEscalator{outcome: EscalationAborted}
	e, _ := newTestEngine(t, newScriptedRunner(failing("a")), esc)
	wf := testWorkflow(Step{ID: "a", OnFailure: OnFailureEscalate}, Step{ID: "b"})
	wf.EscalationRuleID = "custom-rule"
	exec := start(t, e, wf)

	done := waitStatus(t, e, exec.ID, StatusFailed)
	assert.Contains(t, done.FailureReason, "escalation aborted")
	assert.Equal(t, "custom-rule", esc.requests[0].RuleID)
	assert.Equal(t, StepPending, done.Steps[1].Status)
}

func TestEscalationErrorFailsExecution(t *testing.T) {
	esc := &fixedEscalator{err: ErrEscalationRuleNotFound}
	e, _ := newTestEngine(t, newScriptedRunner(failing("a")), esc)
	exec := start(t, e, testWorkflow(Step{ID: "a", OnFailure: OnFailureEscalate}))

	done := waitStatus(t, e, exec.ID, StatusFailed)
	assert.Contains(t, done.FailureReason, "escalation failed")
}

func TestPauseAndResume(t *testing.T) {
	release := make(chan struct{})
	runner := newScriptedRunner(func(ctx context.Context, step Step, attempt int) (StepOutcome, error) {
		if step.ID != "a" {
			return StepOutcome{}, nil
		}
		if attempt == 1 {
			<-ctx.Done()
			return StepOutcome{}, ctx.Err()
		}
		select {
		case <-release:
			return StepOutcome{}, nil
		case <-ctx.Done():
			return StepOutcome{}, ctx.Err()
		}
	})
	e, rec := newTestEngine(t, runner, nil)
	exec := start(t, e, testWorkflow(Step{ID: "a"}, Step{ID: "b"}))
	ctx := context.Background()

	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)

	ok, err := e.Pause(ctx, exec.ID, "desk review")
	require.NoError(t, err)
	assert.True(t, ok)
	paused, err := e.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, "desk review", paused.PauseReason)
	assert.Equal(t, 1, paused.CurrentStep)
	assert.Equal(t, StepInProgress, paused.Steps[0].Status)
	assert.Equal(t, StepPending, paused.Steps[1].Status)

	ok, err = e.Pause(ctx, exec.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Resume(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// resumed at the same pointer with the step history untouched
	require.Eventually(t, func() bool { return runner.count("a") == 2 }, time.Second, time.Millisecond)
	resumed, err := e.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, resumed.Status)
	assert.Equal(t, paused.CurrentStep, resumed.CurrentStep)
	assert.Equal(t, paused.Steps, resumed.Steps)
	close(release)

	done := waitStatus(t, e, exec.ID, StatusCompleted)
	assert.Equal(t, 2, runner.count("a"))
	assert.Empty(t, done.PauseReason)

	ok, err = e.Resume(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, rec.types(), EventExecutionPaused)
	assert.Contains(t, rec.types(), EventExecutionResumed)
}

func TestCancelIsTerminalAndIdempotent(t *testing.T) {
	runner := newScriptedRunner(holding("a"))
	e, _ := newTestEngine(t, runner, nil)
	exec := start(t, e, testWorkflow(Step{ID: "a"}, Step{ID: "b"}))
	ctx := context.Background()
	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)

	ok, err := e.Cancel(ctx, exec.ID, "resolved upstream")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := e.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, StepCancelled, got.Steps[0].Status)
	assert.Equal(t, StepPending, got.Steps[1].Status)
	assert.Equal(t, "resolved upstream", got.FailureReason)

	ok, err = e.Cancel(ctx, exec.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.Resume(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.Pause(ctx, exec.ID, "")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := e.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, got.UpdatedAt, again.UpdatedAt)

	_, err = e.Cancel(ctx, "exe-missing", "")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestCancelPausedExecution(t *testing.T) {
	runner := newScriptedRunner(holding("a"))
	e, _ := newTestEngine(t, runner, nil)
	exec := start(t, e, testWorkflow(Step{ID: "a"}))
	ctx := context.Background()
	require.Eventually(t, func() bool { return runner.count("a") == 1 }, time.Second, time.Millisecond)

	ok, err := e.Pause(ctx, exec.ID, "")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = e.Cancel(ctx, exec.ID, "")
	require.NoError(t, err)
	assert.True(t, ok)
	waitStatus(t, e, exec.ID, StatusCancelled)
}

func TestUnmetDependencyBlocksStep(t *testing.T) {
	runner := newScriptedRunner(failing("a"))
	e, rec := newTestEngine(t, runner, nil)
	exec := start(t, e, testWorkflow(
		Step{ID: "a", OnFailure: OnFailureContinue},
		Step{ID: "b", DependsOn: []string{"a"}},
		Step{ID: "c"},
	))

	done := waitStatus(t, e, exec.ID, StatusCompleted)
	assert.Equal(t, StepBlocked, done.Steps[1].Status)
	assert.Contains(t, done.Steps[1].Error, "dependency a")
	assert.Equal(t, StepCompleted, done.Steps[2].Status)
	assert.Zero(t, runner.count("b"))
	assert.Contains(t, rec.types(), EventStepBlocked)
	// a was attempted and skipped, b never ran.
	assert.InDelta(t, 0.5, done.Effectiveness, 1e-9)
}

func TestSkipToJumpsForward(t *testing.T) {
	runner := newScriptedRunner(succeed)
	e, _ := newTestEngine(t, runner, nil)
	exec := start(t, e, testWorkflow(
		Step{ID: "a", OnSuccess: OnSuccessSkipTo, SkipTo: "d"},
		Step{ID: "b"},
		Step{ID: "c"},
		Step{ID: "d"},
	))

	done := waitStatus(t, e, exec.ID, StatusCompleted)
	assert.Equal(t, StepSkipped, done.Steps[1].Status)
	assert.Equal(t, StepSkipped, done.Steps[2].Status)
	assert.Nil(t, done.Steps[1].StartedAt)
	assert.Equal(t, StepCompleted, done.Steps[3].Status)
	assert.Zero(t, runner.count("b"))
	assert.Equal(t, 1.0, done.Effectiveness)
}

func TestCompleteDirectiveEndsEarly(t *testing.T) {
	runner := newScriptedRunner(succeed)
	e, _ := newTestEngine(t, runner, nil)
	exec := start(t, e, testWorkflow(Step{ID: "a", OnSuccess: OnSuccessComplete}, Step{ID: "b"}))

	done := waitStatus(t, e, exec.ID, StatusCompleted)
	assert.Equal(t, StepPending, done.Steps[1].Status)
	assert.Zero(t, runner.count("b"))
	assert.Equal(t, 1.0, done.Effectiveness)
}

func TestGetFallsBackToStore(t *testing.T) {
	e, _ := newTestEngine(t, newScriptedRunner(succeed), nil)
	exec := start(t, e, testWorkflow(Step{ID: "a"}))
	waitStatus(t, e, exec.ID, StatusCompleted)

	require.Eventually(t, func() bool { return e.runner(exec.ID) == nil }, time.Second, time.Millisecond)
	got, err := e.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	_, err = e.Get(context.Background(), "exe-missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	e := NewEngine(NewMemoryStore(), nil, nil, nil, nil, EngineConfig{RetryBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	defer e.Close()
	assert.Equal(t, 10*time.Millisecond, e.backoff(1))
	assert.Equal(t, 20*time.Millisecond, e.backoff(2))
	assert.Equal(t, 40*time.Millisecond, e.backoff(3))
	assert.Equal(t, 50*time.Millisecond, e.backoff(4))
	assert.Equal(t, 50*time.Millisecond, e.backoff(10))
}

func TestEffectiveness(t *testing.T) {
	now := time.Now()
	assert.Zero(t, Effectiveness(nil))
	assert.Zero(t, Effectiveness([]StepExecution{{Status: StepPending}}))
	assert.InDelta(t, 2.0/3.0, Effectiveness([]StepExecution{
		{Status: StepCompleted, StartedAt: &now},
		{Status: StepCompleted, StartedAt: &now},
		{Status: StepFailed, StartedAt: &now},
		{Status: StepSkipped},
	}), 1e-9)
}
