package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relaycrm/flowengine/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Interpolate resolves {{lead.name}}-style placeholders in message
// bodies, email subjects, and task titles. "lead." paths read the lead
// snapshot, "context." paths (and bare names) read the run context
// with dot-path traversal into nested maps. Unresolvable placeholders
// are left intact so broken templates stay visible.
func Interpolate(s string, lead *model.LeadView, runCtx map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := resolvePlaceholder(name, lead, runCtx); ok {
			return stringifyValue(v)
		}
		return match
	})
}

// InterpolateVars interpolates every value of a variables map.
func InterpolateVars(vars map[string]string, lead *model.LeadView, runCtx map[string]any) map[string]string {
	if len(vars) == 0 {
		return vars
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = Interpolate(v, lead, runCtx)
	}
	return out
}

func resolvePlaceholder(name string, lead *model.LeadView, runCtx map[string]any) (any, bool) {
	switch {
	case strings.HasPrefix(name, "lead."):
		if lead == nil {
			return nil, false
		}
		return lead.Field(strings.TrimPrefix(name, "lead."))
	case strings.HasPrefix(name, "context."):
		return lookupPath(runCtx, strings.TrimPrefix(name, "context."))
	default:
		if v, ok := lookupPath(runCtx, name); ok {
			return v, true
		}
		if lead != nil {
			return lead.Field(name)
		}
		return nil, false
	}
}

func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = m
	for _, part := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// Avoid the trailing ".000000" of %f for whole numbers.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
