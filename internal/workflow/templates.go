package workflow

import "time"

const DefaultEscalationRuleID = "settlement-standard"

var BuiltinEscalationRules = []EscalationRule{
	{
		ID:   DefaultEscalationRuleID,
		Name: "Settlement operations escalation",
		Levels: []EscalationLevel{
			{Roles: []string{"settlement_ops"}, RequiresAcknowledge: true},
			{Roles: []string{"settlement_supervisor"}, RequiresAcknowledge: true, CanApprove: true},
			{Roles: []string{"head_of_operations", "risk_officer"}, RequiresAcknowledge: true, CanApprove: true, CanAbort: true},
		},
		Timeouts: []int{30, 60, 120},
		Channels: []string{"email", "sms"},
	},
	{
		ID:   "critical-failure",
		Name: "Critical settlement failure",
		Levels: []EscalationLevel{
			{Roles: []string{"settlement_supervisor"}, RequiresAcknowledge: true, CanApprove: true},
			{Roles: []string{"head_of_operations"}, RequiresAcknowledge: true, CanApprove: true, CanAbort: true},
		},
		Timeouts: []int{15, 30},
		Channels: []string{"email", "sms", "pager"},
	},
}

var BuiltinActions = []MitigationAction{
	{
		ID: "notify-counterparty", Name: "Notify counterparty operations", Type: ActionCommunication,
		EstimatedEffectiveness: 0.6, Cost: CostLow, TimeToImplement: 15 * time.Minute, Reversible: true,
	},
	{
		ID: "increase-buffer", Name: "Increase liquidity buffer", Type: ActionSystemAdjustment,
		EstimatedEffectiveness: 0.8, Cost: CostMedium, TimeToImplement: 30 * time.Minute,
		RequiredApprovals: []string{"treasury"}, Reversible: true,
		SideEffects: []string{"reduces available funding for other settlements"},
	},
	{
		ID: "partial-settlement", Name: "Split into partial settlements", Type: ActionAlternativeSettlement,
		EstimatedEffectiveness: 0.7, Cost: CostMedium, TimeToImplement: time.Hour,
		RequiredApprovals: []string{"settlement_supervisor"},
		SideEffects: []string{"additional settlement fees"},
	},
	{
		ID: "alternate-custodian", Name: "Route through alternate custodian", Type: ActionAlternativeSettlement,
		EstimatedEffectiveness: 0.85, Cost: CostHigh, TimeToImplement: 2 * time.Hour,
		RequiredApprovals: []string{"head_of_operations"},
		SideEffects: []string{"custodian onboarding checks", "higher fees"},
	},
	{
		ID: "enhanced-monitoring", Name: "Enable enhanced monitoring", Type: ActionMonitoring,
		EstimatedEffectiveness: 0.4, Cost: CostLow, TimeToImplement: 5 * time.Minute, Reversible: true,
	},
	{
		ID: "file-claim", Name: "File settlement insurance claim", Type: ActionInsuranceClaim,
		EstimatedEffectiveness: 0.5, Cost: CostHigh, TimeToImplement: 24 * time.Hour,
		RequiredApprovals: []string{"legal", "head_of_operations"},
	},
}

var BuiltinWorkflows = []Workflow{
	{
		ID:          "wf-failure-prevention",
		Name:        "Settlement failure prevention",
		Description: "Act on a predicted settlement failure before the cut-off",
		Priority:    PriorityHigh,
		Category:    CategoryPreventive,
		Active:      true,
		Triggers: []TriggerCondition{
			{Field: FieldFailureProbability, Operator: OpGreaterThan, Threshold: 0.7, Weight: 0.6, Description: "failure probability above 70%"},
			{Field: FieldRiskScore, Operator: OpGreaterThan, Threshold: 0.6, Weight: 0.4, Description: "risk score above 0.6"},
		},
		EscalationRuleID: DefaultEscalationRuleID,
		AutomationLevel:  AutomationSemiAutomated,
		Steps: []Step{
			{ID: "alert-ops", Sequence: 1, Name: "Alert settlement operations", Type: StepNotification, AssignedRole: "settlement_ops",
				Parameters: map[string]any{"subject": "Settlement at risk", "message": "Instruction {{instruction_id}} flagged by {{workflow}}"},
				OnFailure: OnFailureContinue, EstimatedDuration: 5 * time.Minute},
			{ID: "monitor", Sequence: 2, Name: "Enable enhanced monitoring", Type: StepAction, AssignedRole: "settlement_ops",
				Parameters: map[string]any{"action_type": string(ActionMonitoring)},
				OnFailure: OnFailureRetry, MaxRetries: 2, EstimatedDuration: 10 * time.Minute},
			{ID: "contact-counterparty", Sequence: 3, Name: "Contact counterparty", Type: StepAction, AssignedRole: "settlement_ops",
				DependsOn: []string{"alert-ops"}, Parameters: map[string]any{"action_type": string(ActionCommunication)},
				OnFailure: OnFailureEscalate, Required: true, EstimatedDuration: 30 * time.Minute},
			{ID: "verify", Sequence: 4, Name: "Verify settlement status", Type: StepVerification, AssignedRole: "settlement_ops",
				DependsOn: []string{"contact-counterparty"}, Parameters: map[string]any{"check": "settlement_status"},
				OnFailure: OnFailureEscalate, EstimatedDuration: 15 * time.Minute},
			{ID: "document", Sequence: 5, Name: "Document mitigation", Type: StepDocumentation, AssignedRole: "settlement_ops",
				Parameters: map[string]any{"notes": "failure prevention workflow"}, OnFailure: OnFailureContinue},
		},
	},
	{
		ID:          "wf-limit-breach",
		Name:        "Counterparty limit breach response",
		Description: "Contain exposure after a counterparty or liquidity limit breach",
		Priority:    PriorityCritical,
		Category:    CategoryReactive,
		Active:      true,
		Triggers: []TriggerCondition{
			{Field: FieldCounterpartyIssue, Operator: OpEquals, Threshold: true, Weight: 0.5, Description: "counterparty issue reported"},
			{Field: FieldLiquidityRisk, Operator: OpGreaterThan, Threshold: 0.5, Weight: 0.5, Description: "liquidity risk above 0.5"},
		},
		EscalationRuleID: "critical-failure",
		AutomationLevel:  AutomationSemiAutomated,
		Steps: []Step{
			{ID: "notify-risk", Sequence: 1, Name: "Notify risk officer", Type: StepNotification, AssignedRole: "risk_officer",
				Parameters: map[string]any{"subject": "Limit breach", "message": "Limit breach on {{instruction_id}}", "roles": []any{"settlement_supervisor"}},
				OnFailure: OnFailureContinue, EstimatedDuration: 5 * time.Minute},
			{ID: "approve-buffer", Sequence: 2, Name: "Approve liquidity buffer", Type: StepApproval, AssignedRole: "treasury",
				OnFailure: OnFailureEscalate, Required: true, EstimatedDuration: 30 * time.Minute},
			{ID: "apply-buffer", Sequence: 3, Name: "Increase liquidity buffer", Type: StepAction, AssignedRole: "treasury",
				DependsOn: []string{"approve-buffer"}, Parameters: map[string]any{"action_type": string(ActionSystemAdjustment)},
				OnFailure: OnFailureRetry, MaxRetries: 3, EstimatedDuration: 30 * time.Minute},
			{ID: "document", Sequence: 4, Name: "Document breach handling", Type: StepDocumentation, AssignedRole: "risk_officer",
				Parameters: map[string]any{"notes": "limit breach workflow"}, OnFailure: OnFailureContinue},
		},
	},
	{
		ID:          "wf-delay-recovery",
		Name:        "Settlement delay recovery",
		Description: "Recover a settlement that has already missed its window",
		Priority:    PriorityMedium,
		Category:    CategoryRecovery,
		Active:      true,
		Triggers: []TriggerCondition{
			{Field: FieldDelayDetected, Operator: OpEquals, Threshold: true, Weight: 0.7, Description: "settlement delay detected"},
			{Field: FieldSystemFailure, Operator: OpExists, Weight: 0.3, Description: "system failure reported"},
		},
		EscalationRuleID: DefaultEscalationRuleID,
		AutomationLevel:  AutomationManual,
		Steps: []Step{
			{ID: "notify-ops", Sequence: 1, Name: "Notify operations", Type: StepNotification, AssignedRole: "settlement_ops",
				Parameters: map[string]any{"subject": "Settlement delayed", "message": "Instruction {{instruction_id}} is delayed"},
				OnFailure: OnFailureContinue, EstimatedDuration: 5 * time.Minute},
			{ID: "escalate", Sequence: 2, Name: "Escalate to supervisor", Type: StepEscalation, AssignedRole: "settlement_supervisor",
				Parameters: map[string]any{"rule_id": DefaultEscalationRuleID}, OnFailure: OnFailureContinue},
			{ID: "alternate-route", Sequence: 3, Name: "Alternative settlement", Type: StepAction, AssignedRole: "settlement_supervisor",
				Parameters: map[string]any{"action_type": string(ActionAlternativeSettlement)},
				OnFailure: OnFailureEscalate, EstimatedDuration: time.Hour},
			{ID: "document", Sequence: 4, Name: "Document recovery", Type: StepDocumentation, AssignedRole: "settlement_ops",
				Parameters: map[string]any{"notes": "delay recovery workflow"}, OnFailure: OnFailureContinue},
		},
	},
}

// LoadBuiltins registers the builtin rules, actions and workflows.
func (c *Catalog) LoadBuiltins() error {
	for _, r := range BuiltinEscalationRules {
		if err := c.PutEscalationRule(r); err != nil {
			return err
		}
	}
	for _, a := range BuiltinActions {
		if err := c.PutAction(a); err != nil {
			return err
		}
	}
	for _, w := range BuiltinWorkflows {
		if _, err := c.PutWorkflow(w); err != nil {
			return err
		}
	}
	return nil
}
