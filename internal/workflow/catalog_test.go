package workflow

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinsLoad(t *testing.T) {
	c := builtinCatalog(t)
	assert.Len(t, c.Workflows(), len(BuiltinWorkflows))
	assert.Len(t, c.ActiveWorkflows(), len(BuiltinWorkflows))

	rule, err := c.EscalationRule(DefaultEscalationRuleID)
	require.NoError(t, err)
	assert.Equal(t, []int{30, 60, 120}, rule.Timeouts)

	alt := c.ActionsByType(ActionAlternativeSettlement)
	require.Len(t, alt, 2)
	assert.Equal(t, "alternate-custodian", alt[0].ID)
	assert.Equal(t, "partial-settlement", alt[1].ID)
}

func TestPutWorkflowVersionsAndNormalizes(t *testing.T) {
	c := NewCatalog()
	w, err := c.PutWorkflow(Workflow{
		ID:    "wf-a",
		Name:  "A",
		Steps: []Step{{Name: "second", Type: StepNotification, Sequence: 2}, {Name: "first", Type: StepNotification, Sequence: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", w.Version)
	assert.Equal(t, AutomationManual, w.AutomationLevel)
	require.Len(t, w.Steps, 2)
	assert.Equal(t, "step-1", w.Steps[0].ID)
	assert.Equal(t, "first", w.Steps[0].Name)
	assert.Equal(t, OnSuccessContinue, w.Steps[0].OnSuccess)
	assert.Equal(t, OnFailureAbort, w.Steps[0].OnFailure)

	created := w.CreatedAt
	w.Name = "A2"
	w2, err := c.PutWorkflow(w)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", w2.Version)
	assert.Equal(t, created, w2.CreatedAt)

	versions := c.Versions("wf-a")
	require.Len(t, versions, 2)
	assert.Equal(t, "A", versions[0].Payload.Name)
	assert.Equal(t, "A2", versions[1].Payload.Name)
}

func TestCreateWorkflowRejectsTakenIDUnderRace(t *testing.T) {
	c := NewCatalog()
	w := Workflow{ID: "wf-dup", Name: "dup", Steps: []Step{{Name: "n", Type: StepNotification}}}

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.CreateWorkflow(w); err == nil {
				created.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrInvalidWorkflow)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, created.Load())
	assert.Len(t, c.Versions("wf-dup"), 1)
}

func TestRevertRestoresPreviousVersion(t *testing.T) {
	c := NewCatalog()
	_, err := c.PutWorkflow(Workflow{ID: "wf-r", Name: "one", Steps: []Step{{Name: "n", Type: StepNotification}}})
	require.NoError(t, err)
	second, err := c.PutWorkflow(Workflow{ID: "wf-r", Name: "two", Steps: []Step{{Name: "n", Type: StepNotification}}})
	require.NoError(t, err)

	assert.False(t, c.Revert("wf-r", "9.9.9"))
	require.True(t, c.Revert("wf-r", second.Version))
	got, err := c.Workflow("wf-r")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)
	assert.Equal(t, "1.0.0", got.Version)

	require.True(t, c.Revert("wf-r", "1.0.0"))
	_, err = c.Workflow("wf-r")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.Empty(t, c.Workflows())
}

func TestPutWorkflowHonoursRequestedVersion(t *testing.T) {
	c := NewCatalog()
	w, err := c.PutWorkflow(Workflow{ID: "wf-v", Name: "V", Version: "2.1.0", Steps: []Step{{ID: "s", Sequence: 1, Name: "s", Type: StepDocumentation}}})
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", w.Version)

	w, err = c.PutWorkflow(w)
	require.NoError(t, err)
	assert.Equal(t, "2.1.1", w.Version)

	assert.Equal(t, firstVersion, initialVersion("latest"))
	assert.Equal(t, "1.0.1", nextVersion("garbage"))
}

func TestCatalogReturnsCopies(t *testing.T) {
	c := builtinCatalog(t)
	w, err := c.Workflow("wf-failure-prevention")
	require.NoError(t, err)
	w.Steps[0].Parameters["subject"] = "changed"
	w.Steps[0].DependsOn = append(w.Steps[0].DependsOn, "x")

	again, err := c.Workflow("wf-failure-prevention")
	require.NoError(t, err)
	assert.Equal(t, "Settlement at risk", again.Steps[0].Parameters["subject"])
	assert.Empty(t, again.Steps[0].DependsOn)

	_, err = c.Workflow("missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestRestoreKeepsVersion(t *testing.T) {
	c := NewCatalog()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, c.Restore(Workflow{ID: "wf-r", Name: "R", Version: "3.4.5", UpdatedAt: at,
		Steps: []Step{{ID: "s", Sequence: 1, Name: "s", Type: StepNotification}}}))
	w, err := c.Workflow("wf-r")
	require.NoError(t, err)
	assert.Equal(t, "3.4.5", w.Version)

	w, err = c.PutWorkflow(w)
	require.NoError(t, err)
	assert.Equal(t, "3.4.6", w.Version)
}

func TestValidateWorkflow(t *testing.T) {
	base := func() Workflow {
		return normalizeWorkflow(Workflow{
			ID:   "wf",
			Name: "wf",
			Steps: []Step{
				{ID: "a", Sequence: 1, Name: "a", Type: StepNotification},
				{ID: "b", Sequence: 2, Name: "b", Type: StepAction},
			},
		})
	}
	require.NoError(t, ValidateWorkflow(base()))

	cases := map[string]func(w *Workflow){
		"no steps":          func(w *Workflow) { w.Steps = nil },
		"no name":           func(w *Workflow) { w.Name = "" },
		"bad step type":     func(w *Workflow) { w.Steps[0].Type = "PHONE_CALL" },
		"duplicate id":      func(w *Workflow) { w.Steps[1].ID = "a" },
		"duplicate seq":     func(w *Workflow) { w.Steps[1].Sequence = 1 },
		"self dependency":   func(w *Workflow) { w.Steps[0].DependsOn = []string{"a"} },
		"unknown dependency": func(w *Workflow) { w.Steps[1].DependsOn = []string{"zz"} },
		"skip backwards": func(w *Workflow) {
			w.Steps[1].OnSuccess = OnSuccessSkipTo
			w.Steps[1].SkipTo = "a"
		},
		"skip unknown": func(w *Workflow) {
			w.Steps[0].OnSuccess = OnSuccessSkipTo
			w.Steps[0].SkipTo = "zz"
		},
		"custom without path": func(w *Workflow) {
			w.Triggers = []TriggerCondition{{Field: FieldCustom, Operator: OpExists, Weight: 1}}
		},
		"custom bad path": func(w *Workflow) {
			w.Triggers = []TriggerCondition{{Field: FieldCustom, Path: "\"unterminated", Operator: OpExists, Weight: 1}}
		},
		"weight above one": func(w *Workflow) {
			w.Triggers = []TriggerCondition{{Field: FieldRiskScore, Operator: OpExists, Weight: 2}}
		},
		"negative retries": func(w *Workflow) { w.Steps[0].MaxRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			w := base()
			mutate(&w)
			assert.ErrorIs(t, ValidateWorkflow(w), ErrInvalidWorkflow)
		})
	}
}

func TestValidateEscalationRule(t *testing.T) {
	ok := EscalationRule{ID: "r", Levels: []EscalationLevel{{Roles: []string{"ops"}}}, Timeouts: []int{5}}
	require.NoError(t, ValidateEscalationRule(ok))

	for name, r := range map[string]EscalationRule{
		"no id":            {Levels: ok.Levels, Timeouts: ok.Timeouts},
		"no levels":        {ID: "r"},
		"timeout mismatch": {ID: "r", Levels: ok.Levels, Timeouts: []int{5, 10}},
		"zero timeout":     {ID: "r", Levels: ok.Levels, Timeouts: []int{0}},
	} {
		assert.ErrorIs(t, ValidateEscalationRule(r), ErrInvalidWorkflow, name)
	}
}

func TestPutActionChecksEffectiveness(t *testing.T) {
	c := NewCatalog()
	assert.ErrorIs(t, c.PutAction(MitigationAction{ID: "x", EstimatedEffectiveness: 1.5}), ErrInvalidWorkflow)
	assert.ErrorIs(t, c.PutAction(MitigationAction{}), ErrInvalidWorkflow)
	require.NoError(t, c.PutAction(MitigationAction{ID: "x", Type: ActionMonitoring, EstimatedEffectiveness: 0.3}))
	a, ok := c.Action("x")
	require.True(t, ok)
	assert.Equal(t, 0.3, a.EstimatedEffectiveness)
}

const catalogYAML = `
escalation_rules:
  - id: desk-only
    levels:
      - roles: [settlement_desk]
        requires_acknowledgment: true
    timeouts: [10]
actions:
  - id: call-agent
    name: Call settlement agent
    type: COMMUNICATION
    estimated_effectiveness: 0.55
    cost: LOW
    reversible: true
workflows:
  - id: wf-agent
    name: Agent follow-up
    active: true
    escalation_rule_id: desk-only
    triggers:
      - field: CUSTOM
        path: agent.status
        operator: EQUALS
        threshold: UNRESPONSIVE
        weight: 1
    steps:
      - id: call
        sequence: 1
        name: Call agent
        type: ACTION
        parameters:
          action_id: call-agent
        on_failure: ESCALATE
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c := NewCatalog()
	require.NoError(t, c.LoadFile(path))

	rule, err := c.EscalationRule("desk-only")
	require.NoError(t, err)
	assert.True(t, rule.Levels[0].RequiresAcknowledge)
	a, ok := c.Action("call-agent")
	require.True(t, ok)
	assert.Equal(t, ActionCommunication, a.Type)

	w, err := c.Workflow("wf-agent")
	require.NoError(t, err)
	assert.Equal(t, OnFailureEscalate, w.Steps[0].OnFailure)
	assert.Equal(t, "call-agent", w.Steps[0].Parameters["action_id"])

	got, err := NewMatcher(c).Select(map[string]any{"agent": map[string]any{"status": "UNRESPONSIVE"}})
	require.NoError(t, err)
	assert.Equal(t, "wf-agent", got.Workflow.ID)

	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
	_, err = ParseCatalogFile([]byte("workflows: [unterminated"))
	assert.Error(t, err)
}
