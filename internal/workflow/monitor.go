package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeoutBuffer scales a step's estimated duration before it counts as stalled.
const TimeoutBuffer = 1.5

type MonitorConfig struct {
	Interval time.Duration
}

// Monitor periodically looks for steps running past their estimate. A
// timeout is advisory: it raises an escalation but never stops the step.
type Monitor struct {
	engine    *Engine
	escalator Escalator
	bus       *EventBus
	log       *zap.Logger
	interval  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	fired map[string]map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(engine *Engine, escalator Escalator, bus *EventBus, log *zap.Logger, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		engine:    engine,
		escalator: escalator,
		bus:       bus,
		log:       log,
		interval:  cfg.Interval,
		now:       func() time.Time { return time.Now().UTC() },
		fired:     map[string]map[string]bool{},
	}
}

func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.log.Info("monitor sweep found stalled steps", zap.Int("count", n))
			}
		}
	}
}

type stalledStep struct {
	exec  Execution
	wf    Workflow
	step  Step
	retry int
}

// Sweep checks every IN_PROGRESS execution once and returns how many new
// timeouts it raised.
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.now()
	var stalled []stalledStep
	live := map[string]bool{}
	for _, r := range m.engine.runners() {
		r.mu.Lock()
		live[r.exec.ID] = true
		if s, ok := overdue(r.exec, r.wf, now); ok {
			s.exec = cloneExecution(r.exec)
			stalled = append(stalled, s)
		}
		r.mu.Unlock()
	}

	m.mu.Lock()
	for id := range m.fired {
		if !live[id] {
			delete(m.fired, id)
		}
	}
	fresh := stalled[:0]
	for _, s := range stalled {
		key := fmt.Sprintf("%s#%d", s.step.ID, s.retry)
		if m.fired[s.exec.ID] == nil {
			m.fired[s.exec.ID] = map[string]bool{}
		}
		if m.fired[s.exec.ID][key] {
			continue
		}
		m.fired[s.exec.ID][key] = true
		fresh = append(fresh, s)
	}
	m.mu.Unlock()

	for _, s := range fresh {
		ev := stepEvent(EventStepTimeout, s.exec, s.step, "step timeout exceeded")
		ev.Data = map[string]any{"estimated": s.step.EstimatedDuration.String(), "retry": s.retry}
		m.log.Warn("step timeout exceeded", zap.String("execution_id", s.exec.ID), zap.String("step_id", s.step.ID))
		m.bus.Publish(ev)
		if s.step.OnFailure == OnFailureEscalate && m.escalator != nil {
			m.wg.Add(1)
			go func(s stalledStep) {
				defer m.wg.Done()
				m.escalate(ctx, s)
			}(s)
		}
	}
	return len(fresh)
}

// escalate runs until the escalation settles, the monitor stops or the
// execution stops advancing, whichever comes first.
func (m *Monitor) escalate(ctx context.Context, s stalledStep) {
	execCtx, ok := m.engine.executionContext(s.exec.ID)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(execCtx, cancel)()

	esc, err := m.escalator.Escalate(ctx, EscalationRequest{
		RuleID:        m.engine.ruleFor(s.wf, s.step),
		ExecutionID:   s.exec.ID,
		WorkflowID:    s.wf.ID,
		InstructionID: s.exec.InstructionID,
		StepID:        s.step.ID,
		Reason:        "step timeout exceeded",
	})
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("timeout escalation failed", zap.String("execution_id", s.exec.ID), zap.Error(err))
		}
		return
	}
	m.engine.recordAdvisory(s.exec.ID, esc)
}

func overdue(exec Execution, wf Workflow, now time.Time) (stalledStep, bool) {
	if exec.Status != StatusInProgress || exec.CurrentStep < 1 || exec.CurrentStep > len(wf.Steps) {
		return stalledStep{}, false
	}
	idx := exec.CurrentStep - 1
	se := exec.Steps[idx]
	step := wf.Steps[idx]
	if se.Status != StepInProgress || se.StartedAt == nil || step.EstimatedDuration <= 0 {
		return stalledStep{}, false
	}
	limit := time.Duration(float64(step.EstimatedDuration) * TimeoutBuffer)
	if now.Sub(*se.StartedAt) <= limit {
		return stalledStep{}, false
	}
	return stalledStep{wf: wf, step: step, retry: se.RetryCount}, true
}
