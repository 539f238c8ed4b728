// Package graph validates workflow definition graphs and resolves
// edge traversal during execution.
package graph

import (
	"fmt"

	"github.com/relaycrm/flowengine/model"
)

// Result collects validation findings. Errors reject the definition;
// warnings are surfaced to the author but do not block saving.
type Result struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid reports whether the definition may be saved.
func (r *Result) Valid() bool { return len(r.Errors) == 0 }

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks a definition graph against the save-time rules:
// exactly one trigger with no incoming edges, weak connectivity from
// the trigger, acyclicity, referential integrity of edges, unique node
// IDs, per-kind config completeness, and at most one true/false edge
// per condition node.
func Validate(def *model.Definition) *Result {
	res := &Result{}

	if len(def.Nodes) == 0 {
		res.errorf("definition has no nodes")
		return res
	}

	nodes := make(map[string]*model.Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			res.errorf("node at index %d has no id", i)
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			res.errorf("duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n

		if !n.Kind.Valid() {
			res.errorf("node %s: unknown kind %q", n.ID, n.Kind)
			continue
		}
		if err := n.ValidateConfig(); err != nil {
			res.errorf("%v", err)
		}
	}

	var triggerID string
	triggers := 0
	for _, n := range def.Nodes {
		if n.Kind == model.NodeTrigger {
			triggers++
			triggerID = n.ID
		}
	}
	if triggers != 1 {
		res.errorf("definition must have exactly one trigger node, found %d", triggers)
	}

	outgoing := make(map[string][]model.Edge)
	incoming := make(map[string]int)
	for i, e := range def.Edges {
		if _, ok := nodes[e.From]; !ok {
			res.errorf("edge %d references unknown source node %q", i, e.From)
			continue
		}
		if _, ok := nodes[e.To]; !ok {
			res.errorf("edge %d references unknown target node %q", i, e.To)
			continue
		}
		outgoing[e.From] = append(outgoing[e.From], e)
		incoming[e.To]++
	}

	if triggers == 1 && incoming[triggerID] > 0 {
		res.errorf("trigger node %s must not have incoming edges", triggerID)
	}

	// Condition nodes: at most one true and one false edge; a
	// condition with no outgoing edges is legal but almost certainly
	// an authoring mistake.
	for _, n := range def.Nodes {
		if n.Kind != model.NodeCondition && n.Kind != model.NodeConditionWithTimeout {
			continue
		}
		handles := map[string]int{}
		for _, e := range outgoing[n.ID] {
			handles[e.Handle]++
		}
		if handles[HandleTrue] > 1 {
			res.errorf("condition node %s has %d edges labeled true", n.ID, handles[HandleTrue])
		}
		if handles[HandleFalse] > 1 {
			res.errorf("condition node %s has %d edges labeled false", n.ID, handles[HandleFalse])
		}
		if len(outgoing[n.ID]) == 0 {
			res.warnf("condition node %s has no outgoing edges", n.ID)
		}
	}

	if !res.Valid() {
		return res
	}

	// Reachability from the trigger.
	reached := map[string]bool{triggerID: true}
	frontier := []string{triggerID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, e := range outgoing[id] {
			if !reached[e.To] {
				reached[e.To] = true
				frontier = append(frontier, e.To)
			}
		}
	}
	for id := range nodes {
		if !reached[id] {
			res.errorf("node %s is not reachable from the trigger", id)
		}
	}

	// Cycle detection via recursive DFS coloring.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, e := range outgoing[id] {
			switch color[e.To] {
			case gray:
				res.errorf("definition graph contains a cycle through node %s", e.To)
				return false
			case white:
				if !visit(e.To) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}
	for id := range nodes {
		if color[id] == white {
			if !visit(id) {
				break
			}
		}
	}

	return res
}
