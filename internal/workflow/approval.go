package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
	Comment  string `json:"comment,omitempty"`
}

type ApprovalRequest struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Role        string            `json:"role,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
	Decision    *ApprovalDecision `json:"decision,omitempty"`
	DecidedAt   *time.Time        `json:"decided_at,omitempty"`
}

type approvalSlot struct {
	req     ApprovalRequest
	decided chan struct{}
}

// ApprovalBroker parks approval requests until a decision arrives. A request
// outlives the goroutine waiting on it, so a decision made while the owning
// execution is paused is picked up on resume.
type ApprovalBroker struct {
	mu    sync.Mutex
	slots map[string]*approvalSlot
	now   func() time.Time
}

func NewApprovalBroker() *ApprovalBroker {
	return &ApprovalBroker{
		slots: map[string]*approvalSlot{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func approvalKey(executionID, stepID string) string {
	return executionID + "/" + stepID
}

// Request returns the open request for the step, creating it if needed. The
// bool reports whether a new request was created.
func (b *ApprovalBroker) Request(executionID, stepID, role string) (ApprovalRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := approvalKey(executionID, stepID)
	if slot, ok := b.slots[key]; ok {
		return slot.req, false
	}
	slot := &approvalSlot{
		req: ApprovalRequest{
			ID:          newID("apr"),
			ExecutionID: executionID,
			StepID:      stepID,
			Role:        role,
			RequestedAt: b.now(),
		},
		decided: make(chan struct{}),
	}
	b.slots[key] = slot
	return slot.req, true
}

func (b *ApprovalBroker) Decide(executionID, stepID string, d ApprovalDecision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.slots[approvalKey(executionID, stepID)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrApprovalNotFound, executionID, stepID)
	}
	if slot.req.Decision != nil {
		return fmt.Errorf("%w: approval %s", ErrAlreadyDecided, slot.req.ID)
	}
	at := b.now()
	slot.req.Decision = &d
	slot.req.DecidedAt = &at
	close(slot.decided)
	return nil
}

// Wait blocks until the request is decided or ctx ends. The decided request
// is removed so a retried step asks again.
func (b *ApprovalBroker) Wait(ctx context.Context, executionID, stepID string) (ApprovalRequest, error) {
	key := approvalKey(executionID, stepID)
	b.mu.Lock()
	slot, ok := b.slots[key]
	b.mu.Unlock()
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("%w: %s/%s", ErrApprovalNotFound, executionID, stepID)
	}
	select {
	case <-slot.decided:
	case <-ctx.Done():
		return ApprovalRequest{}, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slots[key] == slot {
		delete(b.slots, key)
	}
	return slot.req, nil
}

// Drop discards any request held for the execution.
func (b *ApprovalBroker) Drop(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, slot := range b.slots {
		if slot.req.ExecutionID == executionID {
			delete(b.slots, key)
		}
	}
}

// DropOnFinish discards an execution's requests once it ends, however it
// ended.
func (b *ApprovalBroker) DropOnFinish(bus *EventBus) {
	drop := func(ev Event) { b.Drop(ev.ExecutionID) }
	for _, t := range []EventType{EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled} {
		bus.Subscribe(t, drop)
	}
}

func (b *ApprovalBroker) Pending() []ApprovalRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(b.slots))
	for _, slot := range b.slots {
		if slot.req.Decision == nil {
			out = append(out, slot.req)
		}
	}
	return out
}

// RuleDecider evaluates CEL decision rules for fully automated approvals.
// Rules see three variables: trigger, execution and params.
type RuleDecider struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewRuleDecider() (*RuleDecider, error) {
	env, err := cel.NewEnv(
		cel.Variable("trigger", cel.DynType),
		cel.Variable("execution", cel.DynType),
		cel.Variable("params", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &RuleDecider{env: env, cache: map[string]cel.Program{}}, nil
}

func (d *RuleDecider) program(expr string) (cel.Program, error) {
	d.mu.RLock()
	prg, ok := d.cache[expr]
	d.mu.RUnlock()
	if ok {
		return prg, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prg, ok = d.cache[expr]; ok {
		return prg, nil
	}
	ast, issues := d.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile decision rule: %w", issues.Err())
	}
	prg, err := d.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("decision rule program: %w", err)
	}
	d.cache[expr] = prg
	return prg, nil
}

func (d *RuleDecider) Decide(expr string, vars map[string]any) (bool, error) {
	prg, err := d.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate decision rule: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("decision rule %q returned %T, want bool", expr, out.Value())
	}
	return v, nil
}
