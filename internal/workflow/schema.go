package workflow

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jmespath/go-jmespath"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed workflow.schema.json
var workflowSchemaJSON string

var workflowSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("workflow.schema.json", workflowSchemaJSON)
})

// ValidateWorkflow checks a normalized definition against the JSON schema and
// the structural rules the engine relies on.
func ValidateWorkflow(w Workflow) error {
	schema, err := workflowSchema()
	if err != nil {
		return fmt.Errorf("compile workflow schema: %w", err)
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	var problems []string
	for i, t := range w.Triggers {
		if t.Field == FieldCustom {
			if strings.TrimSpace(t.Path) == "" {
				problems = append(problems, fmt.Sprintf("trigger %d: custom field requires a path", i))
			} else if _, err := jmespath.Compile(t.Path); err != nil {
				problems = append(problems, fmt.Sprintf("trigger %d: bad path %q: %v", i, t.Path, err))
			}
		}
	}

	seq := map[int]string{}
	index := map[string]int{}
	for _, s := range w.Steps {
		if _, dup := index[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		if other, dup := seq[s.Sequence]; dup {
			problems = append(problems, fmt.Sprintf("steps %q and %q share sequence %d", other, s.ID, s.Sequence))
		}
		index[s.ID] = s.Sequence
		seq[s.Sequence] = s.ID
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				problems = append(problems, fmt.Sprintf("step %q depends on itself", s.ID))
			} else if _, ok := index[dep]; !ok {
				problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
		if s.OnSuccess == OnSuccessSkipTo {
			target, ok := index[s.SkipTo]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("step %q skips to unknown step %q", s.ID, s.SkipTo))
			case target <= s.Sequence:
				problems = append(problems, fmt.Sprintf("step %q must skip forward", s.ID))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWorkflow, strings.Join(problems, "; "))
	}
	return nil
}

func ValidateEscalationRule(r EscalationRule) error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: escalation rule id required", ErrInvalidWorkflow)
	case len(r.Levels) == 0:
		return fmt.Errorf("%w: escalation rule %s has no levels", ErrInvalidWorkflow, r.ID)
	case len(r.Levels) != len(r.Timeouts):
		return fmt.Errorf("%w: escalation rule %s has %d levels but %d timeouts", ErrInvalidWorkflow, r.ID, len(r.Levels), len(r.Timeouts))
	}
	for i, t := range r.Timeouts {
		if t <= 0 {
			return fmt.Errorf("%w: escalation rule %s level %d timeout must be positive", ErrInvalidWorkflow, r.ID, i+1)
		}
	}
	return nil
}
