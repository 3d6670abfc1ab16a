package workflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type AckDecision string

const (
	AckAcknowledge AckDecision = "ACKNOWLEDGE"
	AckApprove     AckDecision = "APPROVE"
	AckAbort       AckDecision = "ABORT"
)

// Acknowledgment answers the level currently waiting. Level is optional;
// when set it must name that level.
type Acknowledgment struct {
	By       string      `json:"by"`
	Decision AckDecision `json:"decision"`
	Level    int         `json:"level,omitempty"`
	Comment  string      `json:"comment,omitempty"`
}

type EscalationRequest struct {
	RuleID        string
	ExecutionID   string
	WorkflowID    string
	InstructionID string
	StepID        string
	Reason        string
}

type escalationRun struct {
	mu      sync.Mutex
	esc     EscalationExecution
	waiting int // level awaiting an acknowledgment, 0 when none
	acks    chan Acknowledgment
}

// await opens level n for acknowledgments, or closes the current one when n
// is 0. Anything still queued for an earlier level is discarded.
func (r *escalationRun) await(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting = n
	for {
		select {
		case <-r.acks:
		default:
			return
		}
	}
}

func (r *escalationRun) snapshot() EscalationExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.esc
	out.Levels = append([]LevelOutcome(nil), r.esc.Levels...)
	return out
}

type EscalationOption func(*EscalationEngine)

// WithTimeUnit sets the duration one rule timeout unit stands for.
func WithTimeUnit(d time.Duration) EscalationOption {
	return func(e *EscalationEngine) {
		if d > 0 {
			e.unit = d
		}
	}
}

func WithEscalationClock(now func() time.Time) EscalationOption {
	return func(e *EscalationEngine) { e.now = now }
}

// EscalationEngine walks the levels of an escalation rule, notifying each
// level and waiting out its timeout unless someone acknowledges first.
type EscalationEngine struct {
	catalog  *Catalog
	notifier Notifier
	resolver RecipientResolver
	bus      *EventBus
	log      *zap.Logger
	unit     time.Duration
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*escalationRun
}

func NewEscalationEngine(catalog *Catalog, notifier Notifier, resolver RecipientResolver, bus *EventBus, log *zap.Logger, opts ...EscalationOption) *EscalationEngine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if resolver == nil {
		resolver = ResolverFunc(roleAsRecipient)
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &EscalationEngine{
		catalog:  catalog,
		notifier: notifier,
		resolver: resolver,
		bus:      bus,
		log:      log,
		unit:     time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
		active:   map[string]*escalationRun{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Escalate blocks until the escalation resolves, runs out of levels or ctx
// ends. On ctx cancellation the partial record is returned with ctx.Err().
func (e *EscalationEngine) Escalate(ctx context.Context, req EscalationRequest) (EscalationExecution, error) {
	rule, err := e.catalog.EscalationRule(req.RuleID)
	if err != nil {
		return EscalationExecution{}, err
	}
	run := &escalationRun{
		esc: EscalationExecution{
			ID:          newID("esc"),
			RuleID:      rule.ID,
			ExecutionID: req.ExecutionID,
			StepID:      req.StepID,
			Reason:      req.Reason,
			Outcome:     EscalationPending,
			StartedAt:   e.now(),
		},
		acks: make(chan Acknowledgment, 1),
	}
	e.mu.Lock()
	e.active[run.esc.ID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, run.esc.ID)
		e.mu.Unlock()
	}()

	e.publish(EventEscalationStarted, req, run.esc.ID, req.Reason, nil)
	log := e.log.With(zap.String("escalation_id", run.esc.ID), zap.String("execution_id", req.ExecutionID), zap.String("rule_id", rule.ID))
	log.Info("escalation started", zap.String("reason", req.Reason))

	for i, level := range rule.Levels {
		recipients := e.recipients(ctx, level)
		run.mu.Lock()
		run.esc.Levels = append(run.esc.Levels, LevelOutcome{Level: i + 1, Recipients: recipients, NotifiedAt: e.now()})
		run.mu.Unlock()
		e.notifyLevel(ctx, log, rule, req, i+1, recipients)
		e.publish(EventEscalationLevel, req, run.esc.ID, req.Reason, map[string]any{"level": i + 1, "recipients": len(recipients)})

		// Levels without acknowledgment or authority are informational.
		if !level.RequiresAcknowledge && !level.CanApprove && !level.CanAbort {
			continue
		}

		run.await(i + 1)
		timer := time.NewTimer(time.Duration(rule.Timeouts[i]) * e.unit)
		select {
		case ack := <-run.acks:
			timer.Stop()
			if outcome, resolved := e.applyAck(run, level, ack); resolved {
				return e.finish(run, req, outcome, log), nil
			}
		case <-timer.C:
			run.await(0)
			log.Info("escalation level timed out", zap.Int("level", i+1))
		case <-ctx.Done():
			timer.Stop()
			run.await(0)
			return run.snapshot(), ctx.Err()
		}
	}
	return e.finish(run, req, EscalationUnresolved, log), nil
}

func (e *EscalationEngine) applyAck(run *escalationRun, level EscalationLevel, ack Acknowledgment) (EscalationOutcome, bool) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.waiting = 0
	at := e.now()
	cur := &run.esc.Levels[len(run.esc.Levels)-1]
	cur.Acknowledged = true
	cur.AcknowledgedBy = ack.By
	cur.AcknowledgedAt = &at
	switch {
	case ack.Decision == AckApprove && level.CanApprove:
		cur.Resolved = true
		return EscalationApproved, true
	case ack.Decision == AckAbort && level.CanAbort:
		cur.Resolved = true
		return EscalationAborted, true
	}
	return EscalationPending, false
}

func (e *EscalationEngine) finish(run *escalationRun, req EscalationRequest, outcome EscalationOutcome, log *zap.Logger) EscalationExecution {
	run.mu.Lock()
	end := e.now()
	run.esc.Outcome = outcome
	run.esc.EndedAt = &end
	run.mu.Unlock()
	log.Info("escalation finished", zap.String("outcome", string(outcome)))
	e.publish(EventEscalationFinished, req, run.esc.ID, string(outcome), nil)
	return run.snapshot()
}

// Acknowledge hands an acknowledgment to the level currently waiting. It is
// refused when no level is waiting, when it names another level, or when the
// sender is not among the waiting level's recipients.
func (e *EscalationEngine) Acknowledge(escalationID string, ack Acknowledgment) error {
	if ack.Decision == "" {
		ack.Decision = AckAcknowledge
	}
	e.mu.Lock()
	run, ok := e.active[escalationID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrEscalationNotFound, escalationID)
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.waiting == 0 {
		return fmt.Errorf("%w: escalation %s is not waiting for an acknowledgment", ErrInvalidRequest, escalationID)
	}
	if ack.Level != 0 && ack.Level != run.waiting {
		return fmt.Errorf("%w: escalation %s is waiting on level %d, not %d", ErrInvalidRequest, escalationID, run.waiting, ack.Level)
	}
	if recipients := run.esc.Levels[run.waiting-1].Recipients; len(recipients) > 0 && !slices.Contains(recipients, ack.By) {
		return fmt.Errorf("%w: %q is not a recipient of level %d", ErrInvalidRequest, ack.By, run.waiting)
	}
	ack.Level = run.waiting
	select {
	case run.acks <- ack:
		return nil
	default:
		return fmt.Errorf("%w: escalation %s has a pending acknowledgment", ErrAlreadyDecided, escalationID)
	}
}

// Active lists escalations still walking their levels.
func (e *EscalationEngine) Active() []EscalationExecution {
	e.mu.Lock()
	runs := make([]*escalationRun, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	out := make([]EscalationExecution, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

func (e *EscalationEngine) recipients(ctx context.Context, level EscalationLevel) []string {
	seen := map[string]bool{}
	var out []string
	add := func(r string) {
		if r != "" && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, role := range level.Roles {
		people, err := e.resolver.Resolve(ctx, role)
		if err != nil {
			e.log.Warn("resolve escalation role failed", zap.String("role", role), zap.Error(err))
			continue
		}
		for _, p := range people {
			add(p)
		}
	}
	for _, p := range level.Individuals {
		add(p)
	}
	return out
}

func (e *EscalationEngine) notifyLevel(ctx context.Context, log *zap.Logger, rule EscalationRule, req EscalationRequest, level int, recipients []string) {
	if len(recipients) == 0 {
		log.Warn("escalation level has no recipients", zap.Int("level", level))
		return
	}
	channels := rule.Channels
	if len(channels) == 0 {
		channels = []string{""}
	}
	subject := fmt.Sprintf("Escalation level %d: execution %s", level, req.ExecutionID)
	var g errgroup.Group
	for _, ch := range channels {
		n := Notification{
			ExecutionID: req.ExecutionID,
			StepID:      req.StepID,
			Recipients:  recipients,
			Subject:     subject,
			Body:        req.Reason,
		}
		if ch != "" {
			n.Channels = []string{ch}
		}
		g.Go(func() error {
			if _, err := e.notifier.Notify(ctx, n); err != nil {
				return fmt.Errorf("channel %q: %w", ch, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("escalation notification failed", zap.Int("level", level), zap.Error(err))
	}
}

func (e *EscalationEngine) publish(t EventType, req EscalationRequest, escalationID, reason string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["escalation_id"] = escalationID
	e.bus.Publish(Event{
		Type:          t,
		ExecutionID:   req.ExecutionID,
		WorkflowID:    req.WorkflowID,
		InstructionID: req.InstructionID,
		StepID:        req.StepID,
		Reason:        reason,
		Data:          data,
	})
}
