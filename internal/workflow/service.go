package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type TriggerRequest struct {
	InstructionID string         `json:"instruction_id"`
	TriggerData   map[string]any `json:"trigger_data"`
	TriggeredBy   string         `json:"triggered_by"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
}

// WorkflowPatch carries the fields of an update; nil fields are left alone.
type WorkflowPatch struct {
	Name             *string             `json:"name,omitempty"`
	Description      *string             `json:"description,omitempty"`
	Triggers         *[]TriggerCondition `json:"triggers,omitempty"`
	Steps            *[]Step             `json:"steps,omitempty"`
	Priority         *Priority           `json:"priority,omitempty"`
	Category         *Category           `json:"category,omitempty"`
	AutomationLevel  *AutomationLevel    `json:"automation_level,omitempty"`
	Active           *bool               `json:"active,omitempty"`
	EscalationRuleID *string             `json:"escalation_rule_id,omitempty"`
}

func (p WorkflowPatch) apply(w Workflow) Workflow {
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.Triggers != nil {
		w.Triggers = *p.Triggers
	}
	if p.Steps != nil {
		w.Steps = *p.Steps
	}
	if p.Priority != nil {
		w.Priority = *p.Priority
	}
	if p.Category != nil {
		w.Category = *p.Category
	}
	if p.AutomationLevel != nil {
		w.AutomationLevel = *p.AutomationLevel
	}
	if p.Active != nil {
		w.Active = *p.Active
	}
	if p.EscalationRuleID != nil {
		w.EscalationRuleID = *p.EscalationRuleID
	}
	return w
}

// Service is the inbound surface of the orchestrator.
type Service struct {
	catalog     *Catalog
	matcher     *Matcher
	engine      *Engine
	store       Store
	approvals   *ApprovalBroker
	escalations *EscalationEngine
	reporter    *Reporter
	bus         *EventBus
	log         *zap.Logger
}

func NewService(catalog *Catalog, matcher *Matcher, engine *Engine, store Store, approvals *ApprovalBroker, escalations *EscalationEngine, reporter *Reporter, bus *EventBus, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		catalog:     catalog,
		matcher:     matcher,
		engine:      engine,
		store:       store,
		approvals:   approvals,
		escalations: escalations,
		reporter:    reporter,
		bus:         bus,
		log:         log,
	}
}

// TriggerWorkflow picks a workflow for the signal, or uses the one named in
// the request, and starts an execution of it.
func (s *Service) TriggerWorkflow(ctx context.Context, req TriggerRequest) (Execution, error) {
	if strings.TrimSpace(req.InstructionID) == "" {
		return Execution{}, fmt.Errorf("%w: instruction id is required", ErrInvalidRequest)
	}
	data := req.TriggerData
	if data == nil {
		data = map[string]any{}
	}

	var wf Workflow
	var score float64
	var reason string
	if req.WorkflowID != "" {
		w, err := s.catalog.Workflow(req.WorkflowID)
		if err != nil {
			return Execution{}, err
		}
		if !w.Active {
			return Execution{}, fmt.Errorf("%w: %s", ErrWorkflowInactive, w.ID)
		}
		wf = w
		score, reason = Score(w, data)
		if reason == "" {
			reason = "workflow requested explicitly"
		}
	} else {
		m, err := s.matcher.Select(data)
		if err != nil {
			s.log.Info("no workflow matched signal", zap.String("instruction_id", req.InstructionID))
			return Execution{}, err
		}
		wf, score, reason = m.Workflow, m.Score, m.Reason
	}

	return s.engine.Start(ctx, wf, Execution{
		InstructionID: req.InstructionID,
		TriggeredBy:   req.TriggeredBy,
		TriggerReason: reason,
		TriggerData:   data,
		MatchScore:    score,
	})
}

func (s *Service) PauseExecution(ctx context.Context, id, reason string) (bool, error) {
	return s.engine.Pause(ctx, id, reason)
}

func (s *Service) ResumeExecution(ctx context.Context, id string) (bool, error) {
	return s.engine.Resume(ctx, id)
}

func (s *Service) CancelExecution(ctx context.Context, id, reason string) (bool, error) {
	ok, err := s.engine.Cancel(ctx, id, reason)
	if ok && s.approvals != nil {
		s.approvals.Drop(id)
	}
	return ok, err
}

func (s *Service) GetExecution(ctx context.Context, id string) (Execution, error) {
	return s.engine.Get(ctx, id)
}

func (s *Service) ListExecutionsForInstruction(ctx context.Context, instructionID string) ([]Execution, error) {
	return s.store.ListByInstruction(ctx, instructionID)
}

func (s *Service) ListActiveExecutions(_ context.Context) []Execution {
	return s.engine.Active()
}

func (s *Service) CreateWorkflow(ctx context.Context, w Workflow) (Workflow, error) {
	saved, err := s.catalog.CreateWorkflow(w)
	if err != nil {
		return Workflow{}, err
	}
	if err := s.persist(ctx, saved); err != nil {
		return Workflow{}, err
	}
	return saved, nil
}

func (s *Service) UpdateWorkflow(ctx context.Context, id string, patch WorkflowPatch) (Workflow, error) {
	cur, err := s.catalog.Workflow(id)
	if err != nil {
		return Workflow{}, err
	}
	next := patch.apply(cur)
	next.ID = id
	saved, err := s.catalog.PutWorkflow(next)
	if err != nil {
		return Workflow{}, err
	}
	if err := s.persist(ctx, saved); err != nil {
		return Workflow{}, err
	}
	return saved, nil
}

// persist writes the catalog's latest version of w to the store. On failure
// the catalog is reverted so it never holds a version the store lacks.
func (s *Service) persist(ctx context.Context, w Workflow) error {
	versions := s.catalog.Versions(w.ID)
	if len(versions) == 0 {
		return nil
	}
	if err := s.store.SaveWorkflowVersion(ctx, versions[len(versions)-1]); err != nil {
		s.catalog.Revert(w.ID, w.Version)
		s.log.Warn("workflow not persisted, catalog reverted",
			zap.String("workflow_id", w.ID), zap.String("version", w.Version), zap.Error(err))
		return fmt.Errorf("persist workflow %s: %w", w.ID, err)
	}
	s.bus.Publish(Event{Type: EventWorkflowSaved, WorkflowID: w.ID, Data: map[string]any{"version": w.Version}})
	return nil
}

func (s *Service) ListWorkflows(_ context.Context) []Workflow {
	return s.catalog.Workflows()
}

func (s *Service) GetWorkflow(_ context.Context, id string) (Workflow, error) {
	return s.catalog.Workflow(id)
}

func (s *Service) ListWorkflowVersions(_ context.Context, id string) ([]WorkflowVersion, error) {
	if _, err := s.catalog.Workflow(id); err != nil {
		return nil, err
	}
	return s.catalog.Versions(id), nil
}

func (s *Service) GenerateWorkflowReport(ctx context.Context, tf TimeFrame) (Report, error) {
	return s.reporter.Generate(ctx, tf)
}

// DecideApproval records the decision for a step waiting on approval.
func (s *Service) DecideApproval(ctx context.Context, executionID, stepID string, d ApprovalDecision) error {
	if _, err := s.engine.Get(ctx, executionID); err != nil {
		return err
	}
	return s.approvals.Decide(executionID, stepID, d)
}

func (s *Service) ListPendingApprovals(_ context.Context) []ApprovalRequest {
	return s.approvals.Pending()
}

func (s *Service) AcknowledgeEscalation(_ context.Context, escalationID string, ack Acknowledgment) error {
	return s.escalations.Acknowledge(escalationID, ack)
}

func (s *Service) ListActiveEscalations(_ context.Context) []EscalationExecution {
	return s.escalations.Active()
}

// Restore loads persisted workflow definitions into the catalog.
func (s *Service) Restore(ctx context.Context) (int, error) {
	list, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return 0, err
	}
	for _, w := range list {
		if err := s.catalog.Restore(w); err != nil {
			return 0, fmt.Errorf("restore workflow %s: %w", w.ID, err)
		}
	}
	return len(list), nil
}
