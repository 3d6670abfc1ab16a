package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StepRunner runs one step; *StepExecutor is the production implementation.
type StepRunner interface {
	Execute(ctx context.Context, sc StepContext) (StepOutcome, error)
}

// Escalator runs an escalation to its outcome; *EscalationEngine implements it.
type Escalator interface {
	Escalate(ctx context.Context, req EscalationRequest) (EscalationExecution, error)
}

type EngineConfig struct {
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	DefaultRuleID string
}

// runner owns one execution. gen is bumped on pause, resume and cancel so a
// goroutine that outlived its turn throws its results away. ctx lives as long
// as the current turn.
type runner struct {
	mu     sync.Mutex
	exec   Execution
	wf     Workflow
	ctx    context.Context
	cancel context.CancelFunc
	gen    int
}

// Engine drives executions through their steps, one goroutine per execution.
type Engine struct {
	store     Store
	steps     StepRunner
	escalator Escalator
	bus       *EventBus
	log       *zap.Logger
	cfg       EngineConfig
	now       func() time.Time

	mu     sync.RWMutex
	active map[string]*runner
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(store Store, steps StepRunner, escalator Escalator, bus *EventBus, log *zap.Logger, cfg EngineConfig) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.DefaultRuleID == "" {
		cfg.DefaultRuleID = DefaultEscalationRuleID
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		steps:     steps,
		escalator: escalator,
		bus:       bus,
		log:       log,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		active:    map[string]*runner{},
		base:      base,
		stop:      stop,
	}
}

// Start records a new execution of wf and begins advancing it in the
// background. The returned snapshot is IN_PROGRESS.
func (e *Engine) Start(ctx context.Context, wf Workflow, exec Execution) (Execution, error) {
	if len(wf.Steps) == 0 {
		return Execution{}, fmt.Errorf("%w: workflow %s has no steps", ErrInvalidWorkflow, wf.ID)
	}
	now := e.now()
	if exec.ID == "" {
		exec.ID = newID("exe")
	}
	exec.WorkflowID = wf.ID
	exec.Status = StatusInitiated
	exec.CurrentStep = 1
	exec.StartedAt = now
	exec.UpdatedAt = now
	exec.Steps = make([]StepExecution, len(wf.Steps))
	for i, s := range wf.Steps {
		exec.Steps[i] = StepExecution{StepID: s.ID, Status: StepPending}
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return Execution{}, err
	}

	r := &runner{exec: exec, wf: cloneWorkflow(wf)}
	r.mu.Lock()
	r.exec.Status = StatusInProgress
	e.save(r)
	snap := cloneExecution(r.exec)
	r.mu.Unlock()
	e.mu.Lock()
	e.active[exec.ID] = r
	e.mu.Unlock()

	e.log.Info("execution started", zap.String("execution_id", exec.ID), zap.String("workflow_id", wf.ID), zap.String("instruction_id", exec.InstructionID))
	e.bus.Publish(executionEvent(EventExecutionStarted, snap, snap.TriggerReason))

	r.mu.Lock()
	// A pause or cancel may already have landed; they own the runner then.
	if r.gen == 0 && r.exec.Status == StatusInProgress {
		e.launch(r)
	}
	r.mu.Unlock()
	return snap, nil
}

// launch must be called with r.mu held.
func (e *Engine) launch(r *runner) {
	r.gen++
	ctx, cancel := context.WithCancel(e.base)
	r.ctx, r.cancel = ctx, cancel
	gen := r.gen
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.drive(ctx, r, gen)
	}()
}

// halt must be called with r.mu held.
func (r *runner) halt() {
	r.gen++
	if r.cancel != nil {
		r.cancel()
		r.ctx, r.cancel = nil, nil
	}
}

func (r *runner) current(gen int) bool {
	return r.gen == gen && r.exec.Status == StatusInProgress
}

func (e *Engine) drive(ctx context.Context, r *runner, gen int) {
	for {
		r.mu.Lock()
		if !r.current(gen) {
			r.mu.Unlock()
			return
		}
		if r.exec.CurrentStep > len(r.wf.Steps) {
			ev := e.completeLocked(r)
			r.mu.Unlock()
			e.finish(r, ev)
			return
		}
		idx := r.exec.CurrentStep - 1
		step := r.wf.Steps[idx]

		switch r.exec.Steps[idx].Status {
		case StepFailed:
			// Re-entered after a pause interrupted failure handling.
			cause := errors.New(r.exec.Steps[idx].Error)
			r.mu.Unlock()
			if !e.handleFailure(ctx, r, gen, idx, cause) {
				return
			}
			continue
		case StepCompleted, StepSkipped, StepBlocked, StepCancelled:
			r.exec.CurrentStep++
			r.mu.Unlock()
			continue
		}

		if missing := e.unmetDependency(r, step); missing != "" {
			now := e.now()
			se := &r.exec.Steps[idx]
			se.Status = StepBlocked
			se.EndedAt = &now
			se.Error = "dependency " + missing + " not completed"
			r.exec.CurrentStep++
			e.save(r)
			ev := stepEvent(EventStepBlocked, r.exec, step, se.Error)
			r.mu.Unlock()
			e.bus.Publish(ev)
			continue
		}

		se := &r.exec.Steps[idx]
		if se.Status != StepInProgress {
			now := e.now()
			se.Status = StepInProgress
			se.StartedAt = &now
			se.EndedAt = nil
			se.Error = ""
		}
		e.save(r)
		snap := cloneExecution(r.exec)
		wf := r.wf
		r.mu.Unlock()
		e.bus.Publish(stepEvent(EventStepStarted, snap, step, ""))

		out, err := e.steps.Execute(ctx, StepContext{Execution: snap, Workflow: wf, Step: step})

		r.mu.Lock()
		if !r.current(gen) || r.exec.Steps[idx].Status != StepInProgress || ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		if out.Escalation != nil {
			r.exec.Escalations = append(r.exec.Escalations, *out.Escalation)
		}
		now := e.now()
		se = &r.exec.Steps[idx]
		se.EndedAt = &now
		if err != nil {
			se.Status = StepFailed
			se.Error = err.Error()
			se.Result = out.Result
			e.save(r)
			ev := stepEvent(EventStepFailed, r.exec, step, se.Error)
			r.mu.Unlock()
			e.log.Warn("step failed", zap.String("execution_id", ev.ExecutionID), zap.String("step_id", step.ID), zap.Error(err))
			e.bus.Publish(ev)
			if !e.handleFailure(ctx, r, gen, idx, err) {
				return
			}
			continue
		}

		se.Status = StepCompleted
		se.Result = out.Result
		if out.ApprovedBy != "" {
			se.ApprovedBy = out.ApprovedBy
			se.ApprovedAt = out.ApprovedAt
		}
		events := []Event{stepEvent(EventStepCompleted, r.exec, step, "")}
		done := false
		switch step.OnSuccess {
		case OnSuccessComplete:
			events = append(events, e.completeLocked(r))
			done = true
		case OnSuccessSkipTo:
			e.skipToLocked(r, idx, step.SkipTo)
		default:
			r.exec.CurrentStep++
		}
		if !done {
			e.save(r)
		}
		r.mu.Unlock()
		if done {
			e.finish(r, events...)
			return
		}
		for _, ev := range events {
			e.bus.Publish(ev)
		}
	}
}

// handleFailure applies the failed step's policy. It reports whether the
// drive loop should keep going.
func (e *Engine) handleFailure(ctx context.Context, r *runner, gen, idx int, cause error) bool {
	step := r.wf.Steps[idx]
	switch step.OnFailure {
	case OnFailureRetry:
		r.mu.Lock()
		if !r.current(gen) {
			r.mu.Unlock()
			return false
		}
		se := &r.exec.Steps[idx]
		if se.RetryCount >= step.MaxRetries {
			r.mu.Unlock()
			return e.escalateFailure(ctx, r, gen, idx, "retries exhausted")
		}
		se.RetryCount++
		now := e.now()
		se.Status = StepInProgress
		se.StartedAt = &now
		se.EndedAt = nil
		attempt := se.RetryCount
		e.save(r)
		ev := stepEvent(EventStepRetrying, r.exec, step, cause.Error())
		ev.Data = map[string]any{"retry": attempt}
		r.mu.Unlock()
		e.bus.Publish(ev)

		timer := time.NewTimer(e.backoff(attempt))
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}

	case OnFailureEscalate:
		return e.escalateFailure(ctx, r, gen, idx, cause.Error())

	case OnFailureContinue:
		r.mu.Lock()
		if !r.current(gen) {
			r.mu.Unlock()
			return false
		}
		r.exec.Steps[idx].Status = StepSkipped
		r.exec.CurrentStep++
		e.save(r)
		ev := stepEvent(EventStepSkipped, r.exec, step, cause.Error())
		r.mu.Unlock()
		e.bus.Publish(ev)
		return true

	default:
		r.mu.Lock()
		if !r.current(gen) {
			r.mu.Unlock()
			return false
		}
		ev := e.failLocked(r, cause.Error())
		r.mu.Unlock()
		e.finish(r, ev)
		return false
	}
}

// escalateFailure keeps the execution IN_PROGRESS while the escalation runs.
// APPROVED moves past the failed step; ABORTED and UNRESOLVED fail the
// execution.
func (e *Engine) escalateFailure(ctx context.Context, r *runner, gen, idx int, reason string) bool {
	r.mu.Lock()
	if !r.current(gen) {
		r.mu.Unlock()
		return false
	}
	step := r.wf.Steps[idx]
	req := EscalationRequest{
		RuleID:        e.ruleFor(r.wf, step),
		ExecutionID:   r.exec.ID,
		WorkflowID:    r.wf.ID,
		InstructionID: r.exec.InstructionID,
		StepID:        step.ID,
		Reason:        reason,
	}
	r.mu.Unlock()

	var esc EscalationExecution
	var err error
	if e.escalator == nil {
		err = errors.New("no escalation engine configured")
	} else {
		esc, err = e.escalator.Escalate(ctx, req)
	}

	r.mu.Lock()
	if !r.current(gen) || ctx.Err() != nil {
		r.mu.Unlock()
		return false
	}
	var ev Event
	switch {
	case err != nil:
		ev = e.failLocked(r, fmt.Sprintf("escalation failed: %v", err))
	case esc.Outcome == EscalationApproved:
		r.exec.Escalations = append(r.exec.Escalations, esc)
		r.exec.CurrentStep++
		e.save(r)
		r.mu.Unlock()
		return true
	case esc.Outcome == EscalationAborted:
		r.exec.Escalations = append(r.exec.Escalations, esc)
		ev = e.failLocked(r, "escalation aborted: "+reason)
	default:
		r.exec.Escalations = append(r.exec.Escalations, esc)
		ev = e.failLocked(r, "escalation unresolved: "+reason)
	}
	r.mu.Unlock()
	e.finish(r, ev)
	return false
}

func (e *Engine) ruleFor(wf Workflow, step Step) string {
	if id := stringParam(step.Parameters, "rule_id", ""); id != "" {
		return id
	}
	if wf.EscalationRuleID != "" {
		return wf.EscalationRuleID
	}
	return e.cfg.DefaultRuleID
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBackoff
	for i := 1; i < attempt && d < e.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > e.cfg.MaxBackoff {
		d = e.cfg.MaxBackoff
	}
	return d
}

func (e *Engine) unmetDependency(r *runner, step Step) string {
	for _, dep := range step.DependsOn {
		met := false
		for _, se := range r.exec.Steps {
			if se.StepID == dep {
				met = se.Status == StepCompleted
				break
			}
		}
		if !met {
			return dep
		}
	}
	return ""
}

// skipToLocked moves the pointer forward to target. Steps jumped over are
// marked SKIPPED without counting as attempts.
func (e *Engine) skipToLocked(r *runner, idx int, target string) {
	for i := idx + 1; i < len(r.wf.Steps); i++ {
		if r.wf.Steps[i].ID == target {
			r.exec.CurrentStep = i + 1
			return
		}
		if r.exec.Steps[i].Status == StepPending {
			r.exec.Steps[i].Status = StepSkipped
		}
	}
	r.exec.CurrentStep = idx + 2
}

func (e *Engine) completeLocked(r *runner) Event {
	now := e.now()
	r.exec.Status = StatusCompleted
	r.exec.EndedAt = &now
	r.exec.Effectiveness = Effectiveness(r.exec.Steps)
	e.save(r)
	return finalEvent(EventExecutionCompleted, r.exec, "")
}

func (e *Engine) failLocked(r *runner, reason string) Event {
	now := e.now()
	r.exec.Status = StatusFailed
	r.exec.FailureReason = reason
	r.exec.EndedAt = &now
	r.exec.Effectiveness = Effectiveness(r.exec.Steps)
	e.save(r)
	return finalEvent(EventExecutionFailed, r.exec, reason)
}

func finalEvent(t EventType, exec Execution, reason string) Event {
	ev := executionEvent(t, exec, reason)
	ev.Data = map[string]any{"effectiveness": exec.Effectiveness, "current_step": exec.CurrentStep}
	return ev
}

// save must be called with r.mu held.
func (e *Engine) save(r *runner) {
	r.exec.UpdatedAt = e.now()
	if err := e.store.SaveExecution(context.Background(), r.exec); err != nil {
		e.log.Error("save execution failed", zap.String("execution_id", r.exec.ID), zap.Error(err))
	}
}

func (e *Engine) finish(r *runner, events ...Event) {
	e.mu.Lock()
	if cur, ok := e.active[r.exec.ID]; ok && cur == r {
		delete(e.active, r.exec.ID)
	}
	e.mu.Unlock()
	for _, ev := range events {
		if ev.Type == EventExecutionFailed {
			e.log.Warn("execution failed", zap.String("execution_id", ev.ExecutionID), zap.String("reason", ev.Reason))
		} else {
			e.log.Info("execution finished", zap.String("execution_id", ev.ExecutionID), zap.String("event", string(ev.Type)))
		}
		e.bus.Publish(ev)
	}
}

func (e *Engine) runner(id string) *runner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[id]
}

// Pause stops progress and keeps the pointer and step history. It returns
// false unless the execution is IN_PROGRESS.
func (e *Engine) Pause(ctx context.Context, id, reason string) (bool, error) {
	r := e.runner(id)
	if r == nil {
		if _, err := e.store.GetExecution(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	r.mu.Lock()
	if r.exec.Status != StatusInProgress {
		r.mu.Unlock()
		return false, nil
	}
	r.halt()
	r.exec.Status = StatusPaused
	r.exec.PauseReason = reason
	e.save(r)
	ev := executionEvent(EventExecutionPaused, r.exec, reason)
	r.mu.Unlock()
	e.bus.Publish(ev)
	return true, nil
}

// Resume re-enters the advance loop at the paused pointer. It returns false
// unless the execution is PAUSED.
func (e *Engine) Resume(ctx context.Context, id string) (bool, error) {
	r := e.runner(id)
	if r == nil {
		if _, err := e.store.GetExecution(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	r.mu.Lock()
	if r.exec.Status != StatusPaused {
		r.mu.Unlock()
		return false, nil
	}
	r.exec.Status = StatusInProgress
	r.exec.PauseReason = ""
	e.save(r)
	ev := executionEvent(EventExecutionResumed, r.exec, "")
	e.launch(r)
	r.mu.Unlock()
	e.bus.Publish(ev)
	return true, nil
}

// Cancel is terminal and idempotent: it returns false for executions that
// already ended and leaves them untouched.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (bool, error) {
	r := e.runner(id)
	if r == nil {
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return false, err
		}
		if exec.Status.Terminal() {
			return false, nil
		}
		// Orphaned record, e.g. from before a restart.
		orphan := &runner{exec: exec}
		orphan.mu.Lock()
		ev := e.cancelLocked(orphan, reason)
		orphan.mu.Unlock()
		e.bus.Publish(ev)
		return true, nil
	}
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		r.mu.Unlock()
		return false, nil
	}
	r.halt()
	ev := e.cancelLocked(r, reason)
	r.mu.Unlock()
	e.finish(r, ev)
	return true, nil
}

func (e *Engine) cancelLocked(r *runner, reason string) Event {
	now := e.now()
	for i := range r.exec.Steps {
		if r.exec.Steps[i].Status == StepInProgress {
			r.exec.Steps[i].Status = StepCancelled
			r.exec.Steps[i].EndedAt = &now
		}
	}
	r.exec.Status = StatusCancelled
	r.exec.FailureReason = reason
	r.exec.EndedAt = &now
	r.exec.Effectiveness = Effectiveness(r.exec.Steps)
	e.save(r)
	return finalEvent(EventExecutionCancelled, r.exec, reason)
}

// Get prefers the live record over the stored one.
func (e *Engine) Get(ctx context.Context, id string) (Execution, error) {
	if r := e.runner(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return cloneExecution(r.exec), nil
	}
	return e.store.GetExecution(ctx, id)
}

// Active returns snapshots of every execution that has not ended.
func (e *Engine) Active() []Execution {
	runs := e.runners()
	out := make([]Execution, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, cloneExecution(r.exec))
		r.mu.Unlock()
	}
	sortExecutions(out)
	return out
}

func (e *Engine) runners() []*runner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*runner, 0, len(e.active))
	for _, r := range e.active {
		out = append(out, r)
	}
	return out
}

// executionContext returns a context that is done once the execution stops
// advancing: it completes, fails, is paused or cancelled, or the engine closes.
func (e *Engine) executionContext(id string) (context.Context, bool) {
	r := e.runner(id)
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil || r.exec.Status != StatusInProgress {
		return nil, false
	}
	return r.ctx, true
}

// recordAdvisory attaches an escalation raised outside the drive loop. Only
// an ABORTED outcome changes the execution.
func (e *Engine) recordAdvisory(id string, esc EscalationExecution) {
	r := e.runner(id)
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.exec.Escalations = append(r.exec.Escalations, esc)
	if esc.Outcome != EscalationAborted {
		e.save(r)
		r.mu.Unlock()
		return
	}
	r.halt()
	ev := e.failLocked(r, "escalation aborted: "+esc.Reason)
	r.mu.Unlock()
	e.finish(r, ev)
}

// Close stops every running execution goroutine and waits for them.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// Effectiveness is completed steps over attempted steps, 0 when nothing was
// attempted.
func Effectiveness(steps []StepExecution) float64 {
	attempted, completed := 0, 0
	for _, s := range steps {
		if !s.Attempted() {
			continue
		}
		attempted++
		if s.Status == StepCompleted {
			completed++
		}
	}
	if attempted == 0 {
		return 0
	}
	return float64(completed) / float64(attempted)
}
