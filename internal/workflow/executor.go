package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const autoApprover = "system:auto"

type StepContext struct {
	Execution Execution
	Workflow  Workflow
	Step      Step
}

// StepOutcome is what a successful handler hands back to the engine.
type StepOutcome struct {
	Result     map[string]any
	ApprovedBy string
	ApprovedAt *time.Time
	Escalation *EscalationExecution
}

type ExecutorConfig struct {
	ApprovalTimeout    time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
	DefaultRuleID      string
}

type Collaborators struct {
	Notifier Notifier
	Resolver RecipientResolver
	Actions  ActionExecutor
	Verifier Verifier
	Audit    AuditSink
}

// StepExecutor runs a single step. It never retries; failures come back as
// *StepError for the engine to apply the step's policy.
type StepExecutor struct {
	catalog     *Catalog
	collab      Collaborators
	approvals   *ApprovalBroker
	decider     *RuleDecider
	escalations *EscalationEngine
	bus         *EventBus
	log         *zap.Logger
	tracer      trace.Tracer
	cfg         ExecutorConfig
	breakers    map[string]*gobreaker.CircuitBreaker
	now         func() time.Time
}

func NewStepExecutor(catalog *Catalog, collab Collaborators, approvals *ApprovalBroker, decider *RuleDecider, escalations *EscalationEngine, bus *EventBus, log *zap.Logger, cfg ExecutorConfig) *StepExecutor {
	if collab.Notifier == nil {
		collab.Notifier = nopNotifier{}
	}
	if collab.Resolver == nil {
		collab.Resolver = ResolverFunc(roleAsRecipient)
	}
	if collab.Audit == nil {
		collab.Audit = nopAudit{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	if cfg.DefaultRuleID == "" {
		cfg.DefaultRuleID = DefaultEscalationRuleID
	}
	x := &StepExecutor{
		catalog:     catalog,
		collab:      collab,
		approvals:   approvals,
		decider:     decider,
		escalations: escalations,
		bus:         bus,
		log:         log,
		tracer:      otel.Tracer("mitigation-orchestrator/workflow"),
		cfg:         cfg,
		breakers:    map[string]*gobreaker.CircuitBreaker{},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, kind := range []string{"notifier", "actions", "verifier", "audit"} {
		x.breakers[kind] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        kind,
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= cfg.BreakerMaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("collaborator breaker state changed", zap.String("collaborator", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}
	return x
}

func (x *StepExecutor) Execute(ctx context.Context, sc StepContext) (out StepOutcome, err error) {
	ctx, span := x.tracer.Start(ctx, "step."+strings.ToLower(string(sc.Step.Type)), trace.WithAttributes(
		attribute.String("execution.id", sc.Execution.ID),
		attribute.String("workflow.id", sc.Workflow.ID),
		attribute.String("step.id", sc.Step.ID),
	))
	defer func() {
		if r := recover(); r != nil {
			err = stepErr(sc.Step, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch sc.Step.Type {
	case StepNotification:
		out, err = x.notification(ctx, sc)
	case StepApproval:
		out, err = x.approval(ctx, sc)
	case StepAction:
		out, err = x.action(ctx, sc)
	case StepVerification:
		out, err = x.verification(ctx, sc)
	case StepEscalation:
		out, err = x.escalation(ctx, sc)
	case StepDocumentation:
		out, err = x.documentation(ctx, sc)
	default:
		err = fmt.Errorf("unsupported step type %q", sc.Step.Type)
	}
	if err != nil && ctx.Err() == nil {
		err = stepErr(sc.Step, err)
	}
	return out, err
}

func (x *StepExecutor) guard(kind string, fn func() (interface{}, error)) (interface{}, error) {
	return x.breakers[kind].Execute(fn)
}

func (x *StepExecutor) resolveRoles(ctx context.Context, roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, role := range roles {
		if role == "" {
			continue
		}
		people, err := x.collab.Resolver.Resolve(ctx, role)
		if err != nil {
			x.log.Warn("resolve role failed", zap.String("role", role), zap.Error(err))
			continue
		}
		for _, p := range people {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func (x *StepExecutor) notification(ctx context.Context, sc StepContext) (StepOutcome, error) {
	roles := append([]string{sc.Step.AssignedRole}, stringList(sc.Step.Parameters["roles"])...)
	recipients := x.resolveRoles(ctx, roles)
	subject := stringParam(sc.Step.Parameters, "subject", sc.Step.Name)
	body := renderMessage(stringParam(sc.Step.Parameters, "message", sc.Step.Name), sc)

	result := map[string]any{"recipients": len(recipients)}
	if len(recipients) == 0 {
		result["warning"] = "no recipients resolved"
		result["sent_at"] = x.now()
		return StepOutcome{Result: result}, nil
	}
	res, err := x.guard("notifier", func() (interface{}, error) {
		return x.collab.Notifier.Notify(ctx, Notification{
			ExecutionID: sc.Execution.ID,
			StepID:      sc.Step.ID,
			Recipients:  recipients,
			Subject:     subject,
			Body:        body,
			Channels:    stringList(sc.Step.Parameters["channels"]),
		})
	})
	if err != nil {
		x.log.Warn("notification delivery failed", zap.String("execution_id", sc.Execution.ID), zap.String("step_id", sc.Step.ID), zap.Error(err))
		result["warning"] = err.Error()
		result["sent_at"] = x.now()
		return StepOutcome{Result: result}, nil
	}
	d := res.(Delivery)
	result["recipients"] = d.Recipients
	result["sent_at"] = d.SentAt
	if d.MessageID != "" {
		result["message_id"] = d.MessageID
	}
	return StepOutcome{Result: result}, nil
}

func (x *StepExecutor) approval(ctx context.Context, sc StepContext) (StepOutcome, error) {
	level := sc.Workflow.AutomationLevel
	if v := stringParam(sc.Step.Parameters, "automation_level", ""); v != "" {
		level = AutomationLevel(v)
	}
	if level == AutomationFullyAutomated {
		return x.autoApprove(sc)
	}
	if x.approvals == nil {
		return StepOutcome{}, errors.New("no approval broker configured")
	}

	req, created := x.approvals.Request(sc.Execution.ID, sc.Step.ID, sc.Step.AssignedRole)
	if created {
		ev := stepEvent(EventApprovalRequested, sc.Execution, sc.Step, "")
		ev.Data = map[string]any{"approval_id": req.ID, "role": req.Role}
		x.bus.Publish(ev)
		if recipients := x.resolveRoles(ctx, []string{sc.Step.AssignedRole}); len(recipients) > 0 {
			_, err := x.guard("notifier", func() (interface{}, error) {
				return x.collab.Notifier.Notify(ctx, Notification{
					ExecutionID: sc.Execution.ID,
					StepID:      sc.Step.ID,
					Recipients:  recipients,
					Subject:     "Approval required: " + sc.Step.Name,
					Body:        renderMessage("Approval {{step}} requested for instruction {{instruction_id}}", sc),
				})
			})
			if err != nil {
				x.log.Warn("approval notification failed", zap.String("approval_id", req.ID), zap.Error(err))
			}
		}
	}

	waitCtx := ctx
	if x.cfg.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, x.cfg.ApprovalTimeout)
		defer cancel()
	}
	decided, err := x.approvals.Wait(waitCtx, sc.Execution.ID, sc.Step.ID)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return StepOutcome{}, fmt.Errorf("approval %s timed out after %s", req.ID, x.cfg.ApprovalTimeout)
		}
		return StepOutcome{}, err
	}
	d := decided.Decision
	ev := stepEvent(EventApprovalDecided, sc.Execution, sc.Step, "")
	ev.Data = map[string]any{"approval_id": decided.ID, "approved": d.Approved, "by": d.By}
	x.bus.Publish(ev)
	if !d.Approved {
		return StepOutcome{}, fmt.Errorf("%w by %s", ErrApprovalRejected, d.By)
	}
	return StepOutcome{
		Result:     map[string]any{"approval_id": decided.ID, "approved": true, "comment": d.Comment},
		ApprovedBy: d.By,
		ApprovedAt: decided.DecidedAt,
	}, nil
}

func (x *StepExecutor) autoApprove(sc StepContext) (StepOutcome, error) {
	rule := stringParam(sc.Step.Parameters, "decision_rule", "")
	if rule == "" {
		return StepOutcome{}, errors.New("automated approval requires a decision_rule")
	}
	if x.decider == nil {
		return StepOutcome{}, errors.New("no decision rule evaluator configured")
	}
	trigger := sc.Execution.TriggerData
	if trigger == nil {
		trigger = map[string]any{}
	}
	params := sc.Step.Parameters
	if params == nil {
		params = map[string]any{}
	}
	ok, err := x.decider.Decide(rule, map[string]any{
		"trigger": trigger,
		"execution": map[string]any{
			"id":             sc.Execution.ID,
			"workflow_id":    sc.Execution.WorkflowID,
			"instruction_id": sc.Execution.InstructionID,
			"match_score":    sc.Execution.MatchScore,
			"trigger_reason": sc.Execution.TriggerReason,
		},
		"params": params,
	})
	if err != nil {
		return StepOutcome{}, err
	}
	if !ok {
		return StepOutcome{}, fmt.Errorf("%w by %s", ErrApprovalRejected, autoApprover)
	}
	at := x.now()
	return StepOutcome{
		Result:     map[string]any{"approved": true, "rule": rule},
		ApprovedBy: autoApprover,
		ApprovedAt: &at,
	}, nil
}

func (x *StepExecutor) action(ctx context.Context, sc StepContext) (StepOutcome, error) {
	if x.collab.Actions == nil {
		return StepOutcome{}, errors.New("no action executor configured")
	}
	kind := ActionType(stringParam(sc.Step.Parameters, "action_type", ""))
	if kind == "" {
		return StepOutcome{}, errors.New("action step requires action_type")
	}
	var action MitigationAction
	if id := stringParam(sc.Step.Parameters, "action_id", ""); id != "" {
		a, ok := x.catalog.Action(id)
		if !ok || a.Type != kind {
			return StepOutcome{}, fmt.Errorf("action %s of type %s not in catalog", id, kind)
		}
		action = a
	} else {
		candidates := x.catalog.ActionsByType(kind)
		if len(candidates) == 0 {
			return StepOutcome{}, fmt.Errorf("no mitigation action of type %s", kind)
		}
		action = candidates[0]
	}

	params := map[string]any{}
	for k, v := range sc.Step.Parameters {
		if k != "action_type" && k != "action_id" {
			params[k] = v
		}
	}
	res, err := x.guard("actions", func() (interface{}, error) {
		return x.collab.Actions.ExecuteAction(ctx, ActionRequest{
			Action:        action,
			ExecutionID:   sc.Execution.ID,
			InstructionID: sc.Execution.InstructionID,
			StepID:        sc.Step.ID,
			Parameters:    params,
		})
	})
	if err != nil {
		return StepOutcome{}, fmt.Errorf("action %s: %w", action.ID, err)
	}
	result, _ := res.(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	result["action_id"] = action.ID
	return StepOutcome{Result: result}, nil
}

func (x *StepExecutor) verification(ctx context.Context, sc StepContext) (StepOutcome, error) {
	if x.collab.Verifier == nil {
		return StepOutcome{}, errors.New("no verifier configured")
	}
	res, err := x.guard("verifier", func() (interface{}, error) {
		return x.collab.Verifier.Verify(ctx, VerificationRequest{
			ExecutionID:   sc.Execution.ID,
			InstructionID: sc.Execution.InstructionID,
			StepID:        sc.Step.ID,
			Check:         stringParam(sc.Step.Parameters, "check", sc.Step.Name),
			Parameters:    sc.Step.Parameters,
			TriggerData:   sc.Execution.TriggerData,
		})
	})
	if err != nil {
		return StepOutcome{}, err
	}
	vr := res.(VerificationResult)
	if !vr.Passed {
		reason := vr.Reason
		if reason == "" {
			reason = "check did not pass"
		}
		return StepOutcome{}, fmt.Errorf("%w: %s", ErrVerificationFailed, reason)
	}
	result := map[string]any{"passed": true}
	for k, v := range vr.Details {
		result[k] = v
	}
	return StepOutcome{Result: result}, nil
}

func (x *StepExecutor) escalation(ctx context.Context, sc StepContext) (StepOutcome, error) {
	if x.escalations == nil {
		return StepOutcome{}, errors.New("no escalation engine configured")
	}
	ruleID := stringParam(sc.Step.Parameters, "rule_id", sc.Workflow.EscalationRuleID)
	if ruleID == "" {
		ruleID = x.cfg.DefaultRuleID
	}
	esc, err := x.escalations.Escalate(ctx, EscalationRequest{
		RuleID:        ruleID,
		ExecutionID:   sc.Execution.ID,
		WorkflowID:    sc.Workflow.ID,
		InstructionID: sc.Execution.InstructionID,
		StepID:        sc.Step.ID,
		Reason:        stringParam(sc.Step.Parameters, "reason", sc.Step.Name),
	})
	if err != nil {
		return StepOutcome{}, err
	}
	out := StepOutcome{
		Result:     map[string]any{"escalation_id": esc.ID, "outcome": string(esc.Outcome)},
		Escalation: &esc,
	}
	switch {
	case esc.Outcome == EscalationApproved:
		return out, nil
	case esc.Outcome == EscalationAborted:
		return out, fmt.Errorf("escalation %s aborted", esc.ID)
	case acknowledged(esc):
		return out, nil
	default:
		return out, fmt.Errorf("escalation %s unresolved", esc.ID)
	}
}

func (x *StepExecutor) documentation(ctx context.Context, sc StepContext) (StepOutcome, error) {
	rec := AuditRecord{
		ID:            newID("aud"),
		ExecutionID:   sc.Execution.ID,
		WorkflowID:    sc.Workflow.ID,
		InstructionID: sc.Execution.InstructionID,
		StepID:        sc.Step.ID,
		Notes:         stringParam(sc.Step.Parameters, "notes", ""),
		CreatedAt:     x.now(),
	}
	for _, s := range sc.Execution.Steps {
		if s.Status == StepPending || s.StepID == sc.Step.ID {
			continue
		}
		rec.Steps = append(rec.Steps, StepSummary{StepID: s.StepID, Status: s.Status, RetryCount: s.RetryCount, Error: s.Error})
	}
	if _, err := x.guard("audit", func() (interface{}, error) {
		return nil, x.collab.Audit.Record(ctx, rec)
	}); err != nil {
		return StepOutcome{}, fmt.Errorf("audit record: %w", err)
	}
	return StepOutcome{Result: map[string]any{"audit_id": rec.ID, "steps_documented": len(rec.Steps)}}, nil
}

func acknowledged(esc EscalationExecution) bool {
	for _, l := range esc.Levels {
		if l.Acknowledged {
			return true
		}
	}
	return false
}

func renderMessage(tpl string, sc StepContext) string {
	return strings.NewReplacer(
		"{{execution_id}}", sc.Execution.ID,
		"{{instruction_id}}", sc.Execution.InstructionID,
		"{{workflow}}", sc.Workflow.Name,
		"{{step}}", sc.Step.Name,
	).Replace(tpl)
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if list == "" {
			return nil
		}
		return []string{list}
	}
	return nil
}
