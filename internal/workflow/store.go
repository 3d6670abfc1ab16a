package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists execution history and workflow definitions.
type Store interface {
	SaveExecution(ctx context.Context, e Execution) error
	GetExecution(ctx context.Context, id string) (Execution, error)
	ListByInstruction(ctx context.Context, instructionID string) ([]Execution, error)
	ListSince(ctx context.Context, since time.Time) ([]Execution, error)
	SaveWorkflowVersion(ctx context.Context, v WorkflowVersion) error
	ListWorkflows(ctx context.Context) ([]Workflow, error)
}

type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]Execution
	workflows  map[string]Workflow
	versions   map[string][]WorkflowVersion
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: map[string]Execution{},
		workflows:  map[string]Workflow{},
		versions:   map[string][]WorkflowVersion{},
	}
}

func (s *MemoryStore) SaveExecution(_ context.Context, e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return cloneExecution(e), nil
}

func (s *MemoryStore) ListByInstruction(_ context.Context, instructionID string) ([]Execution, error) {
	return s.filter(func(e Execution) bool { return e.InstructionID == instructionID }), nil
}

func (s *MemoryStore) ListSince(_ context.Context, since time.Time) ([]Execution, error) {
	return s.filter(func(e Execution) bool { return !e.StartedAt.Before(since) }), nil
}

func (s *MemoryStore) filter(keep func(Execution) bool) []Execution {
	s.mu.RLock()
	out := make([]Execution, 0)
	for _, e := range s.executions {
		if keep(e) {
			out = append(out, cloneExecution(e))
		}
	}
	s.mu.RUnlock()
	sortExecutions(out)
	return out
}

func (s *MemoryStore) SaveWorkflowVersion(_ context.Context, v WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[v.WorkflowID] = cloneWorkflow(v.Payload)
	s.versions[v.WorkflowID] = append(s.versions[v.WorkflowID], v)
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context) ([]Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, cloneWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func sortExecutions(list []Execution) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartedAt.Before(list[j].StartedAt)
	})
}

func cloneExecution(e Execution) Execution {
	e.Steps = append([]StepExecution(nil), e.Steps...)
	for i := range e.Steps {
		if e.Steps[i].Result != nil {
			res := make(map[string]any, len(e.Steps[i].Result))
			for k, v := range e.Steps[i].Result {
				res[k] = v
			}
			e.Steps[i].Result = res
		}
	}
	e.Escalations = append([]EscalationExecution(nil), e.Escalations...)
	for i := range e.Escalations {
		e.Escalations[i].Levels = append([]LevelOutcome(nil), e.Escalations[i].Levels...)
	}
	if e.TriggerData != nil {
		data := make(map[string]any, len(e.TriggerData))
		for k, v := range e.TriggerData {
			data[k] = v
		}
		e.TriggerData = data
	}
	return e
}
