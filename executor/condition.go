package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relaycrm/flowengine/model"
)

// EvaluateCondition evaluates a condition node's predicate against the
// lead snapshot and run context. Field resolution prefers the lead
// (including derived fields like daysSinceContact); names not on the
// lead fall back to the run context. Exported so the timeout worker
// can re-evaluate conditionWithTimeout nodes.
func EvaluateCondition(cfg model.ConditionConfig, lead *model.LeadView, runCtx map[string]any) (bool, error) {
	if !cfg.Operator.Valid() {
		return false, fmt.Errorf("unknown operator %q", cfg.Operator)
	}

	actual, found := resolveField(cfg.Field, lead, runCtx)

	switch cfg.Operator {
	case model.OpIsEmpty:
		return !found || isEmptyValue(actual), nil
	case model.OpIsNotEmpty:
		return found && !isEmptyValue(actual), nil
	}

	// The remaining operators compare against a value; an absent field
	// never matches.
	if !found {
		return false, nil
	}

	switch cfg.Operator {
	case model.OpEq:
		return looseEqual(actual, cfg.Value), nil
	case model.OpNe:
		return !looseEqual(actual, cfg.Value), nil
	case model.OpContains:
		return strings.Contains(
			strings.ToLower(asString(actual)),
			strings.ToLower(asString(cfg.Value)),
		), nil
	case model.OpGt, model.OpLt:
		left, lok := asNumber(actual)
		right, rok := asNumber(cfg.Value)
		if !lok || !rok {
			return false, nil
		}
		if cfg.Operator == model.OpGt {
			return left > right, nil
		}
		return left < right, nil
	case model.OpIn, model.OpNotIn:
		set, err := asList(cfg.Value)
		if err != nil {
			return false, fmt.Errorf("operator %s: %w", cfg.Operator, err)
		}
		member := false
		for _, candidate := range set {
			if looseEqual(actual, candidate) {
				member = true
				break
			}
		}
		if cfg.Operator == model.OpIn {
			return member, nil
		}
		return !member, nil
	}
	return false, fmt.Errorf("unknown operator %q", cfg.Operator)
}

func resolveField(name string, lead *model.LeadView, runCtx map[string]any) (any, bool) {
	if lead != nil {
		if v, ok := lead.Field(name); ok {
			return v, true
		}
	}
	return lookupPath(runCtx, name)
}

// looseEqual compares numerically when both sides are numbers, and
// case-insensitively as strings otherwise.
func looseEqual(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}
	return strings.EqualFold(asString(a), asString(b))
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	}
	return 0, false
}

func asList(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("value %v is not a list", v)
}
