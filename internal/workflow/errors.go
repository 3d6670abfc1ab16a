package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrNoApplicableWorkflow   = errors.New("no applicable workflow")
	ErrWorkflowNotFound       = errors.New("workflow not found")
	ErrWorkflowInactive       = errors.New("workflow inactive")
	ErrExecutionNotFound      = errors.New("execution not found")
	ErrEscalationRuleNotFound = errors.New("escalation rule not found")
	ErrEscalationNotFound     = errors.New("escalation not pending")
	ErrApprovalNotFound       = errors.New("approval request not pending")
	ErrApprovalRejected       = errors.New("approval rejected")
	ErrAlreadyDecided         = errors.New("already decided")
	ErrVerificationFailed     = errors.New("verification failed")
	ErrInvalidWorkflow        = errors.New("invalid workflow")
	ErrInvalidRequest         = errors.New("invalid request")
)

// StepError is the failure of a single step handler. It is absorbed by the
// step's failure policy and never returned to callers of the service.
type StepError struct {
	StepID string
	Type   StepType
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s): %v", e.StepID, e.Type, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step Step, err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return &StepError{StepID: step.ID, Type: step.Type, Err: err}
}
