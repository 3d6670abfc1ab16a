package workflow

import "time"

type Category string

const (
	CategoryPreventive Category = "PREVENTIVE"
	CategoryReactive   Category = "REACTIVE"
	CategoryRecovery   Category = "RECOVERY"
)

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

type AutomationLevel string

const (
	AutomationManual         AutomationLevel = "MANUAL"
	AutomationSemiAutomated  AutomationLevel = "SEMI_AUTOMATED"
	AutomationFullyAutomated AutomationLevel = "FULLY_AUTOMATED"
)

type StepType string

const (
	StepNotification  StepType = "NOTIFICATION"
	StepApproval      StepType = "APPROVAL"
	StepAction        StepType = "ACTION"
	StepVerification  StepType = "VERIFICATION"
	StepEscalation    StepType = "ESCALATION"
	StepDocumentation StepType = "DOCUMENTATION"
)

type SuccessDirective string

const (
	OnSuccessContinue SuccessDirective = "CONTINUE"
	OnSuccessSkipTo   SuccessDirective = "SKIP_TO"
	OnSuccessComplete SuccessDirective = "COMPLETE"
)

type FailurePolicy string

const (
	OnFailureRetry    FailurePolicy = "RETRY"
	OnFailureEscalate FailurePolicy = "ESCALATE"
	OnFailureAbort    FailurePolicy = "ABORT"
	OnFailureContinue FailurePolicy = "CONTINUE"
)

// Field selects the value a trigger condition inspects. FieldCustom reads
// the condition's Path as a JMESPath expression over the signal payload.
type Field string

const (
	FieldRiskScore          Field = "RISK_SCORE"
	FieldFailureProbability Field = "FAILURE_PROBABILITY"
	FieldDelayDetected      Field = "DELAY_DETECTED"
	FieldCounterpartyIssue  Field = "COUNTERPARTY_ISSUE"
	FieldLiquidityRisk      Field = "LIQUIDITY_RISK"
	FieldSystemFailure      Field = "SYSTEM_FAILURE"
	FieldCustom             Field = "CUSTOM"
)

type Operator string

const (
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpEquals      Operator = "EQUALS"
	OpContains    Operator = "CONTAINS"
	OpExists      Operator = "EXISTS"
)

type TriggerCondition struct {
	Field       Field    `json:"field" yaml:"field"`
	Path        string   `json:"path,omitempty" yaml:"path,omitempty"`
	Operator    Operator `json:"operator" yaml:"operator"`
	Threshold   any      `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Weight      float64  `json:"weight" yaml:"weight"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

type Workflow struct {
	ID               string             `json:"id" yaml:"id"`
	Name             string             `json:"name" yaml:"name"`
	Description      string             `json:"description,omitempty" yaml:"description,omitempty"`
	Triggers         []TriggerCondition `json:"triggers" yaml:"triggers"`
	Steps            []Step             `json:"steps" yaml:"steps"`
	Priority         Priority           `json:"priority" yaml:"priority"`
	Category         Category           `json:"category" yaml:"category"`
	AutomationLevel  AutomationLevel    `json:"automation_level" yaml:"automation_level"`
	Active           bool               `json:"active" yaml:"active"`
	EscalationRuleID string             `json:"escalation_rule_id,omitempty" yaml:"escalation_rule_id,omitempty"`
	Version          string             `json:"version,omitempty" yaml:"version,omitempty"`
	CreatedAt        time.Time          `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at" yaml:"updated_at,omitempty"`
}

type Step struct {
	ID                string           `json:"id" yaml:"id"`
	Sequence          int              `json:"sequence" yaml:"sequence"`
	Name              string           `json:"name" yaml:"name"`
	Type              StepType         `json:"type" yaml:"type"`
	AssignedRole      string           `json:"assigned_role,omitempty" yaml:"assigned_role,omitempty"`
	DependsOn         []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Parameters        map[string]any   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	OnSuccess         SuccessDirective `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	SkipTo            string           `json:"skip_to,omitempty" yaml:"skip_to,omitempty"`
	OnFailure         FailurePolicy    `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	MaxRetries        int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Required          bool             `json:"required,omitempty" yaml:"required,omitempty"`
	EstimatedDuration time.Duration    `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
}

type ExecutionStatus string

const (
	StatusInitiated  ExecutionStatus = "INITIATED"
	StatusInProgress ExecutionStatus = "IN_PROGRESS"
	StatusPaused     ExecutionStatus = "PAUSED"
	StatusCompleted  ExecutionStatus = "COMPLETED"
	StatusFailed     ExecutionStatus = "FAILED"
	StatusCancelled  ExecutionStatus = "CANCELLED"
)

func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
	StepCancelled  StepStatus = "CANCELLED"
	// StepBlocked marks a step passed over because a dependency never completed.
	StepBlocked StepStatus = "BLOCKED"
)

type Execution struct {
	ID            string                `json:"id"`
	WorkflowID    string                `json:"workflow_id"`
	InstructionID string                `json:"instruction_id"`
	TriggeredBy   string                `json:"triggered_by,omitempty"`
	TriggerReason string                `json:"trigger_reason"`
	TriggerData   map[string]any        `json:"trigger_data,omitempty"`
	MatchScore    float64               `json:"match_score,omitempty"`
	Status        ExecutionStatus       `json:"status"`
	CurrentStep   int                   `json:"current_step"`
	Steps         []StepExecution       `json:"steps"`
	Escalations   []EscalationExecution `json:"escalations,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
	PauseReason   string                `json:"pause_reason,omitempty"`
	Effectiveness float64               `json:"effectiveness"`
	StartedAt     time.Time             `json:"started_at"`
	EndedAt       *time.Time            `json:"ended_at,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

type StepExecution struct {
	StepID     string         `json:"step_id"`
	Status     StepStatus     `json:"status"`
	RetryCount int            `json:"retry_count"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ApprovedBy string         `json:"approved_by,omitempty"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
}

// Attempted reports whether the step was ever started.
func (s StepExecution) Attempted() bool {
	return s.StartedAt != nil
}

type EscalationLevel struct {
	Roles               []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Individuals         []string `json:"individuals,omitempty" yaml:"individuals,omitempty"`
	RequiresAcknowledge bool     `json:"requires_acknowledgment" yaml:"requires_acknowledgment"`
	CanApprove          bool     `json:"can_approve" yaml:"can_approve"`
	CanAbort            bool     `json:"can_abort" yaml:"can_abort"`
}

// EscalationRule timeouts are expressed in the escalation engine's time unit
// (minutes unless configured otherwise) and run parallel to Levels.
type EscalationRule struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name,omitempty" yaml:"name,omitempty"`
	Levels   []EscalationLevel `json:"levels" yaml:"levels"`
	Timeouts []int             `json:"timeouts" yaml:"timeouts"`
	Channels []string          `json:"channels,omitempty" yaml:"channels,omitempty"`
}

type EscalationOutcome string

const (
	EscalationPending    EscalationOutcome = "PENDING"
	EscalationApproved   EscalationOutcome = "APPROVED"
	EscalationAborted    EscalationOutcome = "ABORTED"
	EscalationUnresolved EscalationOutcome = "UNRESOLVED"
)

type EscalationExecution struct {
	ID          string            `json:"id"`
	RuleID      string            `json:"rule_id"`
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id,omitempty"`
	Reason      string            `json:"reason"`
	Levels      []LevelOutcome    `json:"levels"`
	Outcome     EscalationOutcome `json:"outcome"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
}

func (e EscalationExecution) Resolved() bool {
	return e.Outcome == EscalationApproved || e.Outcome == EscalationAborted
}

type LevelOutcome struct {
	Level          int        `json:"level"`
	Recipients     []string   `json:"recipients"`
	NotifiedAt     time.Time  `json:"notified_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Resolved       bool       `json:"resolved"`
}

type ActionType string

const (
	ActionCommunication         ActionType = "COMMUNICATION"
	ActionSystemAdjustment      ActionType = "SYSTEM_ADJUSTMENT"
	ActionProcessChange         ActionType = "PROCESS_CHANGE"
	ActionEscalation            ActionType = "ESCALATION"
	ActionInsuranceClaim        ActionType = "INSURANCE_CLAIM"
	ActionAlternativeSettlement ActionType = "ALTERNATIVE_SETTLEMENT"
	ActionDocumentation         ActionType = "DOCUMENTATION"
	ActionMonitoring            ActionType = "MONITORING"
)

type CostTier string

const (
	CostLow    CostTier = "LOW"
	CostMedium CostTier = "MEDIUM"
	CostHigh   CostTier = "HIGH"
)

type MitigationAction struct {
	ID                     string        `json:"id" yaml:"id"`
	Name                   string        `json:"name" yaml:"name"`
	Type                   ActionType    `json:"type" yaml:"type"`
	EstimatedEffectiveness float64       `json:"estimated_effectiveness" yaml:"estimated_effectiveness"`
	Cost                   CostTier      `json:"cost" yaml:"cost"`
	TimeToImplement        time.Duration `json:"time_to_implement" yaml:"time_to_implement"`
	RequiredApprovals      []string      `json:"required_approvals,omitempty" yaml:"required_approvals,omitempty"`
	Reversible             bool          `json:"reversible" yaml:"reversible"`
	SideEffects            []string      `json:"side_effects,omitempty" yaml:"side_effects,omitempty"`
}
