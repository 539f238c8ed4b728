package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTriggerType(t *testing.T) {
	tests := []struct {
		in   string
		want TriggerType
	}{
		{"leadCreated", TriggerLeadCreated},
		{"lead.created", TriggerLeadCreated},
		{"lead.updated", TriggerLeadUpdated},
		{"siteVisitScheduled", TriggerAppointmentScheduled},
		{"siteVisit.scheduled", TriggerAppointmentScheduled},
		{"appointment.scheduled", TriggerAppointmentScheduled},
		{"manual", TriggerManual},
		{"somethingElse", TriggerType("somethingElse")},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTriggerType(tt.in))
		})
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestTriggerFilterMatches(t *testing.T) {
	lead := NewLeadView(map[string]any{
		"id":       "lead-1",
		"source":   "Facebook",
		"budget":   250000.0,
		"category": "apartment",
		"location": "Palm Jumeirah, Dubai",
		"status":   "new",
	})

	tests := []struct {
		name    string
		filter  *TriggerFilter
		changes map[string]FieldChange
		want    bool
	}{
		{
			name:   "nil filter passes",
			filter: nil,
			want:   true,
		},
		{
			name:   "empty filter passes",
			filter: &TriggerFilter{},
			want:   true,
		},
		{
			name:   "source match is case-insensitive",
			filter: &TriggerFilter{Sources: []string{"facebook", "google"}},
			want:   true,
		},
		{
			name:   "source mismatch",
			filter: &TriggerFilter{Sources: []string{"google"}},
			want:   false,
		},
		{
			name:   "budget within range",
			filter: &TriggerFilter{BudgetMin: floatPtr(100000), BudgetMax: floatPtr(300000)},
			want:   true,
		},
		{
			name:   "budget below min",
			filter: &TriggerFilter{BudgetMin: floatPtr(300000)},
			want:   false,
		},
		{
			name:   "budget above max",
			filter: &TriggerFilter{BudgetMax: floatPtr(200000)},
			want:   false,
		},
		{
			name:   "categories match",
			filter: &TriggerFilter{Categories: []string{"Apartment"}},
			want:   true,
		},
		{
			name:   "legacy propertyTypes used when categories empty",
			filter: &TriggerFilter{PropertyTypes: []string{"apartment"}},
			want:   true,
		},
		{
			name: "categories wins over propertyTypes when both set",
			filter: &TriggerFilter{
				Categories:    []string{"villa"},
				PropertyTypes: []string{"apartment"},
			},
			want: false,
		},
		{
			name:   "location substring match is case-insensitive",
			filter: &TriggerFilter{Locations: []string{"palm jumeirah"}},
			want:   true,
		},
		{
			name:   "location mismatch",
			filter: &TriggerFilter{Locations: []string{"Abu Dhabi"}},
			want:   false,
		},
		{
			name:   "status transition without changes fails",
			filter: &TriggerFilter{StatusFrom: "new", StatusTo: "qualified"},
			want:   false,
		},
		{
			name:   "status transition matches changes",
			filter: &TriggerFilter{StatusFrom: "new", StatusTo: "qualified"},
			changes: map[string]FieldChange{
				"status": {Old: "new", New: "qualified"},
			},
			want: true,
		},
		{
			name:   "status transition old mismatch",
			filter: &TriggerFilter{StatusFrom: "contacted", StatusTo: "qualified"},
			changes: map[string]FieldChange{
				"status": {Old: "new", New: "qualified"},
			},
			want: false,
		},
		{
			name:   "statusTo only matches new value",
			filter: &TriggerFilter{StatusTo: "Qualified"},
			changes: map[string]FieldChange{
				"status": {Old: "new", New: "qualified"},
			},
			want: true,
		},
		{
			name: "all conditions must hold",
			filter: &TriggerFilter{
				Sources:   []string{"facebook"},
				Locations: []string{"london"},
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(lead, tt.changes))
		})
	}
}

func TestTriggerFilterBudgetRequiresNumericField(t *testing.T) {
	lead := NewLeadView(map[string]any{"budget": "lots"})
	filter := &TriggerFilter{BudgetMin: floatPtr(1)}
	assert.False(t, filter.Matches(lead, nil))
}
