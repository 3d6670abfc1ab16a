package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionPaused    EventType = "execution.paused"
	EventExecutionResumed   EventType = "execution.resumed"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventStepStarted        EventType = "step.started"
	EventStepCompleted      EventType = "step.completed"
	EventStepFailed         EventType = "step.failed"
	EventStepRetrying       EventType = "step.retrying"
	EventStepSkipped        EventType = "step.skipped"
	EventStepBlocked        EventType = "step.blocked"
	EventStepTimeout        EventType = "step.timeout"
	EventApprovalRequested  EventType = "approval.requested"
	EventApprovalDecided    EventType = "approval.decided"
	EventEscalationStarted  EventType = "escalation.started"
	EventEscalationLevel    EventType = "escalation.level_notified"
	EventEscalationFinished EventType = "escalation.finished"
	EventWorkflowSaved      EventType = "workflow.saved"
	EventReportGenerated    EventType = "report.generated"
)

type Event struct {
	Type          EventType      `json:"type"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	InstructionID string         `json:"instruction_id,omitempty"`
	StepID        string         `json:"step_id,omitempty"`
	StepType      StepType       `json:"step_type,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	At            time.Time      `json:"at"`
}

type Listener func(Event)

// EventBus fans domain events out to subscribers. Delivery is synchronous and
// in publish order; a panicking listener is logged and isolated from the
// others.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[EventType][]Listener
	global    []Listener
	log       *zap.Logger
}

func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[EventType][]Listener), log: zap.NewNop()}
}

func (b *EventBus) SetLogger(log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = log
}

func (b *EventBus) Subscribe(t EventType, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[t] = append(b.listeners[t], l)
}

func (b *EventBus) SubscribeAll(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, l)
}

func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	specific := append([]Listener(nil), b.listeners[ev.Type]...)
	global := append([]Listener(nil), b.global...)
	log := b.log
	b.mu.RUnlock()

	for _, l := range specific {
		safeInvoke(log, l, ev)
	}
	for _, l := range global {
		safeInvoke(log, l, ev)
	}
}

func safeInvoke(log *zap.Logger, l Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("event listener panicked",
				zap.String("event", string(ev.Type)), zap.String("execution_id", ev.ExecutionID), zap.Any("panic", rec))
		}
	}()
	l(ev)
}

func executionEvent(t EventType, exec Execution, reason string) Event {
	return Event{
		Type:          t,
		ExecutionID:   exec.ID,
		WorkflowID:    exec.WorkflowID,
		InstructionID: exec.InstructionID,
		Reason:        reason,
	}
}

func stepEvent(t EventType, exec Execution, step Step, reason string) Event {
	ev := executionEvent(t, exec, reason)
	ev.StepID = step.ID
	ev.StepType = step.Type
	return ev
}
