// Package model defines the core domain types of the workflow engine:
// workflow definitions (graphs of typed nodes), run instances, durable
// job records, execution log entries, and the domain events that feed
// the trigger matcher.
package model

import (
	"fmt"
	"strings"
	"time"
)

// TriggerType identifies which domain event starts a workflow.
type TriggerType string

const (
	TriggerLeadCreated           TriggerType = "leadCreated"
	TriggerLeadUpdated           TriggerType = "leadUpdated"
	TriggerAppointmentScheduled  TriggerType = "appointmentScheduled"
	TriggerManual                TriggerType = "manual"
)

// legacyTriggerAliases maps older stored trigger names to their
// canonical form. New definitions are normalized on save; reads
// tolerate both.
var legacyTriggerAliases = map[string]TriggerType{
	"siteVisitScheduled":    TriggerAppointmentScheduled,
	"siteVisit.scheduled":   TriggerAppointmentScheduled,
	"appointment.scheduled": TriggerAppointmentScheduled,
	"lead.created":          TriggerLeadCreated,
	"lead.updated":          TriggerLeadUpdated,
}

// NormalizeTriggerType resolves legacy trigger names to the canonical
// TriggerType. Unknown values are returned unchanged.
func NormalizeTriggerType(s string) TriggerType {
	if canonical, ok := legacyTriggerAliases[s]; ok {
		return canonical
	}
	return TriggerType(s)
}

// Definition is an immutable workflow template owned by a tenant.
// Once a run references a definition, the graph never changes; edits
// produce a new version that replaces the old one for future runs.
type Definition struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenantId" db:"tenant_id"`
	Name     string `json:"name" db:"name"`

	TriggerType   TriggerType    `json:"triggerType" db:"trigger_type"`
	TriggerFilter *TriggerFilter `json:"triggerFilter,omitempty"`

	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	// Re-trigger policies, checked by the trigger matcher.
	PreventDuplicates bool `json:"preventDuplicates" db:"prevent_duplicates"`
	RunOncePerLead    bool `json:"runOncePerLead" db:"run_once_per_lead"`
	CooldownMinutes   int  `json:"cooldownMinutes" db:"cooldown_minutes"`

	IsActive bool `json:"isActive" db:"is_active"`

	// Aggregate stats. RunsCount advances on run creation, SuccessCount
	// on terminal completed, FailureCount on terminal failed.
	RunsCount    int        `json:"runsCount" db:"runs_count"`
	SuccessCount int        `json:"successCount" db:"success_count"`
	FailureCount int        `json:"failureCount" db:"failure_count"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty" db:"last_run_at"`

	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" db:"updated_at"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
}

// Node returns the node with the given ID.
func (d *Definition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// TriggerNode returns the definition's trigger node. Graph validation
// guarantees exactly one exists in a saved definition.
func (d *Definition) TriggerNode() (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Kind == NodeTrigger {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Edge is a directed connection between two nodes, optionally labeled
// with a handle such as "true", "false", "timeout" or "failure". An
// edge without a handle is the unlabeled fallback.
type Edge struct {
	ID     string `json:"id,omitempty"`
	From   string `json:"from"`
	To     string `json:"to"`
	Handle string `json:"handle,omitempty"`
}

// FieldChange records an old/new pair for one lead field, carried on
// leadUpdated events and matched by status-transition filters.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// TriggerFilter is an optional predicate over the lead snapshot. All
// configured conditions are AND-combined; a nil filter passes.
type TriggerFilter struct {
	Sources   []string `json:"sources,omitempty"`
	BudgetMin *float64 `json:"budgetMin,omitempty"`
	BudgetMax *float64 `json:"budgetMax,omitempty"`

	// Categories supersedes the legacy PropertyTypes field; when both
	// are present and non-empty, Categories wins.
	Categories    []string `json:"categories,omitempty"`
	PropertyTypes []string `json:"propertyTypes,omitempty"`

	Locations  []string `json:"locations,omitempty"`
	StatusFrom string   `json:"statusFrom,omitempty"`
	StatusTo   string   `json:"statusTo,omitempty"`
}

// categorySet resolves the categories/propertyTypes alias.
func (f *TriggerFilter) categorySet() []string {
	if len(f.Categories) > 0 {
		return f.Categories
	}
	return f.PropertyTypes
}

// Matches evaluates the filter against a lead snapshot and the field
// changes of the triggering event (nil for non-update events).
func (f *TriggerFilter) Matches(lead *LeadView, changes map[string]FieldChange) bool {
	if f == nil {
		return true
	}

	if len(f.Sources) > 0 && !containsFold(f.Sources, lead.Source()) {
		return false
	}

	if f.BudgetMin != nil || f.BudgetMax != nil {
		budget, ok := lead.Budget()
		if !ok {
			return false
		}
		if f.BudgetMin != nil && budget < *f.BudgetMin {
			return false
		}
		if f.BudgetMax != nil && budget > *f.BudgetMax {
			return false
		}
	}

	if cats := f.categorySet(); len(cats) > 0 && !containsFold(cats, lead.Category()) {
		return false
	}

	if len(f.Locations) > 0 {
		location := strings.ToLower(lead.Location())
		matched := false
		for _, want := range f.Locations {
			if want != "" && strings.Contains(location, strings.ToLower(want)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.StatusFrom != "" || f.StatusTo != "" {
		change, ok := changes["status"]
		if !ok {
			return false
		}
		if f.StatusFrom != "" && !strings.EqualFold(stringify(change.Old), f.StatusFrom) {
			return false
		}
		if f.StatusTo != "" && !strings.EqualFold(stringify(change.New), f.StatusTo) {
			return false
		}
	}

	return true
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
