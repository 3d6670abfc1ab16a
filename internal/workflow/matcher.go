package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// MinConfidence is the lowest match score that selects a workflow.
const MinConfidence = 0.5

var fieldKeys = map[Field][]string{
	FieldRiskScore:          {"riskScore", "risk_score"},
	FieldFailureProbability: {"failureProbability", "failure_probability"},
	FieldDelayDetected:      {"delayDetected", "delay_detected"},
	FieldCounterpartyIssue:  {"counterpartyIssue", "counterparty_issue"},
	FieldLiquidityRisk:      {"liquidityRisk", "liquidity_risk"},
	FieldSystemFailure:      {"systemFailure", "system_failure"},
}

type Match struct {
	Workflow Workflow
	Score    float64
	Reason   string
}

type Matcher struct {
	catalog *Catalog
	floor   float64
}

func NewMatcher(catalog *Catalog) *Matcher {
	return &Matcher{catalog: catalog, floor: MinConfidence}
}

// Select scores every active workflow against the payload and returns the
// highest scoring one at or above the confidence floor. Ties keep the
// workflow registered first.
func (m *Matcher) Select(payload map[string]any) (Match, error) {
	var best Match
	found := false
	for _, w := range m.catalog.ActiveWorkflows() {
		score, reason := Score(w, payload)
		if score < m.floor {
			continue
		}
		if !found || score > best.Score {
			best = Match{Workflow: w, Score: score, Reason: reason}
			found = true
		}
	}
	if !found {
		return Match{}, ErrNoApplicableWorkflow
	}
	return best, nil
}

// Score returns satisfied weight over total weight and the descriptions of
// the satisfied conditions.
func Score(w Workflow, payload map[string]any) (float64, string) {
	var total, satisfied float64
	var reasons []string
	for _, c := range w.Triggers {
		total += c.Weight
		if evaluate(c, payload) {
			satisfied += c.Weight
			if c.Description != "" {
				reasons = append(reasons, c.Description)
			}
		}
	}
	if total <= 0 {
		return 0, ""
	}
	return satisfied / total, strings.Join(reasons, "; ")
}

func evaluate(c TriggerCondition, payload map[string]any) bool {
	value, ok := extract(c, payload)
	if c.Operator == OpExists {
		return ok && value != nil
	}
	if !ok || value == nil {
		return false
	}
	switch c.Operator {
	case OpGreaterThan:
		v, ok1 := toFloat(value)
		t, ok2 := toFloat(c.Threshold)
		return ok1 && ok2 && v > t
	case OpLessThan:
		v, ok1 := toFloat(value)
		t, ok2 := toFloat(c.Threshold)
		return ok1 && ok2 && v < t
	case OpEquals:
		return equalValues(value, c.Threshold)
	case OpContains:
		return contains(value, c.Threshold)
	default:
		return false
	}
}

func extract(c TriggerCondition, payload map[string]any) (any, bool) {
	if c.Field == FieldCustom {
		if c.Path == "" {
			return nil, false
		}
		v, err := jmespath.Search(c.Path, payload)
		if err != nil || v == nil {
			return nil, false
		}
		return v, true
	}
	for _, key := range fieldKeys[c.Field] {
		if v, ok := payload[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			if _, isStr := a.(string); !isStr {
				return fa == fb
			}
		}
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if as, ok := a.(string); ok {
		return as == fmt.Sprint(b)
	}
	return reflect.DeepEqual(a, b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []any:
		for _, item := range h {
			if equalValues(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range h {
			if item == fmt.Sprint(needle) {
				return true
			}
		}
	case map[string]any:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	}
	return false
}
