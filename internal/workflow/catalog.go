package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Catalog holds workflow, mitigation-action and escalation-rule definitions.
// Definitions are replaced whole on update, so values handed out never change
// underneath a running execution.
type Catalog struct {
	mu          sync.RWMutex
	workflows   map[string]Workflow
	order       []string
	versions    map[string][]WorkflowVersion
	actions     map[string]MitigationAction
	actionOrder []string
	rules       map[string]EscalationRule
	now         func() time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{
		workflows: map[string]Workflow{},
		versions:  map[string][]WorkflowVersion{},
		actions:   map[string]MitigationAction{},
		rules:     map[string]EscalationRule{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PutWorkflow validates and stores a definition, assigning its version.
func (c *Catalog) PutWorkflow(w Workflow) (Workflow, error) {
	return c.put(w, false)
}

// CreateWorkflow is PutWorkflow for a definition whose id must not be taken.
func (c *Catalog) CreateWorkflow(w Workflow) (Workflow, error) {
	return c.put(w, true)
}

func (c *Catalog) put(w Workflow, create bool) (Workflow, error) {
	w = normalizeWorkflow(w)
	if err := ValidateWorkflow(w); err != nil {
		return Workflow{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	prev, exists := c.workflows[w.ID]
	if exists && create {
		return Workflow{}, fmt.Errorf("%w: workflow %s already exists", ErrInvalidWorkflow, w.ID)
	}
	if exists {
		w.CreatedAt = prev.CreatedAt
		w.Version = nextVersion(prev.Version)
	} else {
		if w.CreatedAt.IsZero() {
			w.CreatedAt = now
		}
		w.Version = initialVersion(w.Version)
		c.order = append(c.order, w.ID)
	}
	w.UpdatedAt = now
	c.workflows[w.ID] = w
	c.versions[w.ID] = append(c.versions[w.ID], WorkflowVersion{
		WorkflowID: w.ID,
		Version:    w.Version,
		Payload:    cloneWorkflow(w),
		CreatedAt:  now,
	})
	return cloneWorkflow(w), nil
}

// Revert drops the given version of a workflow if it is still the latest,
// putting the previous version back. A workflow left with no versions is
// removed.
func (c *Catalog) Revert(id, version string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	vs := c.versions[id]
	if len(vs) == 0 || vs[len(vs)-1].Version != version {
		return false
	}
	vs = vs[:len(vs)-1]
	if len(vs) > 0 {
		c.versions[id] = vs
		c.workflows[id] = cloneWorkflow(vs[len(vs)-1].Payload)
		return true
	}
	delete(c.versions, id)
	delete(c.workflows, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Restore installs a previously persisted definition as-is, keeping its
// version and timestamps.
func (c *Catalog) Restore(w Workflow) error {
	w = normalizeWorkflow(w)
	if err := ValidateWorkflow(w); err != nil {
		return err
	}
	if w.Version == "" {
		w.Version = firstVersion
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.workflows[w.ID]; !exists {
		c.order = append(c.order, w.ID)
	}
	c.workflows[w.ID] = w
	c.versions[w.ID] = append(c.versions[w.ID], WorkflowVersion{
		WorkflowID: w.ID,
		Version:    w.Version,
		Payload:    cloneWorkflow(w),
		CreatedAt:  w.UpdatedAt,
	})
	return nil
}

func (c *Catalog) Workflow(id string) (Workflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return cloneWorkflow(w), nil
}

// Workflows returns every definition in registration order.
func (c *Catalog) Workflows() []Workflow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Workflow, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneWorkflow(c.workflows[id]))
	}
	return out
}

func (c *Catalog) ActiveWorkflows() []Workflow {
	all := c.Workflows()
	out := all[:0]
	for _, w := range all {
		if w.Active {
			out = append(out, w)
		}
	}
	return out
}

func (c *Catalog) Versions(id string) []WorkflowVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]WorkflowVersion(nil), c.versions[id]...)
}

func (c *Catalog) PutAction(a MitigationAction) error {
	if a.ID == "" {
		return fmt.Errorf("%w: action id required", ErrInvalidWorkflow)
	}
	if a.EstimatedEffectiveness < 0 || a.EstimatedEffectiveness > 1 {
		return fmt.Errorf("%w: action %s effectiveness must be within [0,1]", ErrInvalidWorkflow, a.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.actions[a.ID]; !ok {
		c.actionOrder = append(c.actionOrder, a.ID)
	}
	c.actions[a.ID] = a
	return nil
}

func (c *Catalog) Action(id string) (MitigationAction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actions[id]
	return a, ok
}

// ActionsByType returns the actions of a type, most effective first.
func (c *Catalog) ActionsByType(t ActionType) []MitigationAction {
	c.mu.RLock()
	var out []MitigationAction
	for _, id := range c.actionOrder {
		if a := c.actions[id]; a.Type == t {
			out = append(out, a)
		}
	}
	c.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EstimatedEffectiveness > out[j].EstimatedEffectiveness
	})
	return out
}

func (c *Catalog) PutEscalationRule(r EscalationRule) error {
	if err := ValidateEscalationRule(r); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[r.ID] = r
	return nil
}

func (c *Catalog) EscalationRule(id string) (EscalationRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[id]
	if !ok {
		return EscalationRule{}, fmt.Errorf("%w: %s", ErrEscalationRuleNotFound, id)
	}
	return r, nil
}

func normalizeWorkflow(w Workflow) Workflow {
	w = cloneWorkflow(w)
	if w.ID == "" {
		w.ID = newID("wf")
	}
	for i := range w.Steps {
		if w.Steps[i].Sequence == 0 {
			w.Steps[i].Sequence = i + 1
		}
		if w.Steps[i].ID == "" {
			w.Steps[i].ID = fmt.Sprintf("step-%d", w.Steps[i].Sequence)
		}
		if w.Steps[i].OnSuccess == "" {
			w.Steps[i].OnSuccess = OnSuccessContinue
		}
		if w.Steps[i].OnFailure == "" {
			w.Steps[i].OnFailure = OnFailureAbort
		}
	}
	sort.SliceStable(w.Steps, func(i, j int) bool { return w.Steps[i].Sequence < w.Steps[j].Sequence })
	if w.AutomationLevel == "" {
		w.AutomationLevel = AutomationManual
	}
	return w
}

func cloneWorkflow(w Workflow) Workflow {
	w.Triggers = append([]TriggerCondition(nil), w.Triggers...)
	steps := make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Parameters != nil {
			params := make(map[string]any, len(s.Parameters))
			for k, v := range s.Parameters {
				params[k] = v
			}
			s.Parameters = params
		}
		steps[i] = s
	}
	w.Steps = steps
	return w
}
