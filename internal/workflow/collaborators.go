package workflow

import (
	"context"
	"time"
)

type Notification struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	StepID      string   `json:"step_id,omitempty"`
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Channels    []string `json:"channels,omitempty"`
}

type Delivery struct {
	Recipients int       `json:"recipients"`
	SentAt     time.Time `json:"sent_at"`
	MessageID  string    `json:"message_id,omitempty"`
}

// Notifier delivers a message to people. Implementations live outside the
// engine (log, webhook, rate limited).
type Notifier interface {
	Notify(ctx context.Context, n Notification) (Delivery, error)
}

// RecipientResolver maps a role to the people currently holding it.
type RecipientResolver interface {
	Resolve(ctx context.Context, role string) ([]string, error)
}

type ResolverFunc func(ctx context.Context, role string) ([]string, error)

func (f ResolverFunc) Resolve(ctx context.Context, role string) ([]string, error) {
	return f(ctx, role)
}

type ActionRequest struct {
	Action        MitigationAction `json:"action"`
	ExecutionID   string           `json:"execution_id"`
	InstructionID string           `json:"instruction_id"`
	StepID        string           `json:"step_id"`
	Parameters    map[string]any   `json:"parameters,omitempty"`
}

type ActionExecutor interface {
	ExecuteAction(ctx context.Context, req ActionRequest) (map[string]any, error)
}

type VerificationRequest struct {
	ExecutionID   string         `json:"execution_id"`
	InstructionID string         `json:"instruction_id"`
	StepID        string         `json:"step_id"`
	Check         string         `json:"check"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	TriggerData   map[string]any `json:"trigger_data,omitempty"`
}

type VerificationResult struct {
	Passed  bool           `json:"passed"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type Verifier interface {
	Verify(ctx context.Context, req VerificationRequest) (VerificationResult, error)
}

type StepSummary struct {
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
}

type AuditRecord struct {
	ID            string        `json:"id"`
	ExecutionID   string        `json:"execution_id"`
	WorkflowID    string        `json:"workflow_id"`
	InstructionID string        `json:"instruction_id"`
	StepID        string        `json:"step_id"`
	Notes         string        `json:"notes,omitempty"`
	Steps         []StepSummary `json:"steps"`
	CreatedAt     time.Time     `json:"created_at"`
}

type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(_ context.Context, n Notification) (Delivery, error) {
	return Delivery{Recipients: len(n.Recipients), SentAt: time.Now().UTC()}, nil
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, AuditRecord) error { return nil }

func roleAsRecipient(_ context.Context, role string) ([]string, error) {
	if role == "" {
		return nil, nil
	}
	return []string{role}, nil
}
