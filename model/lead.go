package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LeadView is a typed adapter over the duck-typed lead payloads that
// arrive with domain events. It resolves field aliases (propertyType
// vs category), normalizes phone numbers, and computes the derived
// fields condition nodes may read. Unknown fields are ignored, never
// rejected.
type LeadView struct {
	fields map[string]any
}

// NewLeadView wraps a raw lead snapshot.
func NewLeadView(fields map[string]any) *LeadView {
	if fields == nil {
		fields = map[string]any{}
	}
	return &LeadView{fields: fields}
}

// Raw returns the underlying snapshot map.
func (l *LeadView) Raw() map[string]any { return l.fields }

// ID returns the lead identifier.
func (l *LeadView) ID() string { return l.str("id") }

// Name returns the lead's display name.
func (l *LeadView) Name() string { return l.str("name") }

// Phone returns the raw phone field.
func (l *LeadView) Phone() string { return l.str("phone") }

// Email returns the lead's email address.
func (l *LeadView) Email() string { return l.str("email") }

// Source returns the acquisition source.
func (l *LeadView) Source() string { return l.str("source") }

// Status returns the lead's pipeline status.
func (l *LeadView) Status() string { return l.str("status") }

// Location returns the lead's location string.
func (l *LeadView) Location() string { return l.str("location") }

// Category returns the lead category, falling back to the legacy
// propertyType field when category is absent.
func (l *LeadView) Category() string {
	if c := l.str("category"); c != "" {
		return c
	}
	return l.str("propertyType")
}

// Budget returns the lead budget when present and numeric.
func (l *LeadView) Budget() (float64, bool) { return l.num("budget") }

// Score returns the lead score when present and numeric.
func (l *LeadView) Score() (float64, bool) { return l.num("score") }

// Tags returns the lead's tags.
func (l *LeadView) Tags() []string {
	switch v := l.fields["tags"].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return nil
}

// Field resolves a named field for condition evaluation: lead
// attributes by name (with the category alias) plus the derived
// daysSinceContact and responseTime values.
func (l *LeadView) Field(name string) (any, bool) {
	switch name {
	case "category", "propertyType":
		if c := l.Category(); c != "" {
			return c, true
		}
		return nil, false
	case "tags":
		return l.Tags(), true
	case "daysSinceContact":
		return l.DaysSinceContact()
	case "responseTime":
		return l.ResponseTime()
	}
	v, ok := l.fields[name]
	return v, ok
}

// DaysSinceContact derives the days elapsed since the last recorded
// contact with the lead.
func (l *LeadView) DaysSinceContact() (any, bool) {
	t, ok := l.timeField("lastContactAt")
	if !ok {
		return nil, false
	}
	return time.Since(t).Hours() / 24, true
}

// ResponseTime returns the recorded response time in seconds.
func (l *LeadView) ResponseTime() (any, bool) {
	v, ok := l.num("responseTimeSeconds")
	if !ok {
		return nil, false
	}
	return v, true
}

func (l *LeadView) str(key string) string {
	if s, ok := l.fields[key].(string); ok {
		return s
	}
	return ""
}

func (l *LeadView) num(key string) (float64, bool) {
	switch v := l.fields[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func (l *LeadView) timeField(key string) (time.Time, bool) {
	switch v := l.fields[key].(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizedPhone returns the lead phone in E.164 form, applying the
// tenant default country prefix when the number has none. An empty or
// unusable phone returns an error so messaging nodes can fail fast
// with invalid input.
func (l *LeadView) NormalizedPhone(defaultCountryCode string) (string, error) {
	return NormalizePhone(l.Phone(), defaultCountryCode)
}

// NormalizePhone strips formatting characters and applies the default
// country prefix to produce an E.164 number.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	hasPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")
	if cleaned == "" {
		return "", fmt.Errorf("lead has no usable phone number")
	}

	var normalized string
	switch {
	case hasPlus:
		normalized = "+" + cleaned
	case strings.HasPrefix(cleaned, "00"):
		normalized = "+" + cleaned[2:]
	case strings.HasPrefix(cleaned, "0") && defaultCountryCode != "":
		normalized = defaultCountryCode + cleaned[1:]
	case defaultCountryCode != "":
		normalized = defaultCountryCode + cleaned
	default:
		normalized = "+" + cleaned
	}

	digits := len(normalized) - 1
	if digits < 6 || digits > 15 {
		return "", fmt.Errorf("phone %q is not a plausible E.164 number", normalized)
	}
	return normalized, nil
}
