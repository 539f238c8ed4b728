package graph

import "github.com/relaycrm/flowengine/model"

// Well-known edge handles. An edge without a handle is the unlabeled
// fallback; an empty chosen handle selects only unlabeled edges.
const (
	HandleTrue     = "true"
	HandleFalse    = "false"
	HandleTimeout  = "timeout"
	HandleFailure  = "failure"
	HandleError    = "error"
	HandleSuccess  = "success"
	HandleDefault  = "default"
	HandleNoAnswer = "no_answer"
)

// Successors returns the edges to follow out of a node for the chosen
// handle: edges labeled with that handle first; when none match, the
// unlabeled edges. Multiple matches fan out.
func Successors(def *model.Definition, nodeID, handle string) []model.Edge {
	var labeled, unlabeled []model.Edge
	for _, e := range def.Edges {
		if e.From != nodeID {
			continue
		}
		switch e.Handle {
		case handle:
			labeled = append(labeled, e)
		case "":
			unlabeled = append(unlabeled, e)
		}
	}
	if handle != "" && len(labeled) > 0 {
		return labeled
	}
	if handle == "" {
		return unlabeled
	}
	return unlabeled
}

// FailureEdges returns the node's declared failure path: edges labeled
// failure or error.
func FailureEdges(def *model.Definition, nodeID string) []model.Edge {
	var edges []model.Edge
	for _, e := range def.Edges {
		if e.From == nodeID && (e.Handle == HandleFailure || e.Handle == HandleError) {
			edges = append(edges, e)
		}
	}
	return edges
}

// NonFailureSuccessors returns every outgoing edge that is not part of
// the failure path. Used when a node is skipped on failure.
func NonFailureSuccessors(def *model.Definition, nodeID string) []model.Edge {
	var edges []model.Edge
	for _, e := range def.Edges {
		if e.From == nodeID && e.Handle != HandleFailure && e.Handle != HandleError {
			edges = append(edges, e)
		}
	}
	return edges
}

// StartEdges returns the trigger node's outgoing edges: the entry
// points the trigger matcher schedules when a run is created.
func StartEdges(def *model.Definition) []model.Edge {
	trigger, ok := def.TriggerNode()
	if !ok {
		return nil
	}
	var edges []model.Edge
	for _, e := range def.Edges {
		if e.From == trigger.ID {
			edges = append(edges, e)
		}
	}
	return edges
}
