package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaycrm/flowengine/model"
)

func edgesTo(edges []model.Edge) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.To)
	}
	return out
}

func TestSuccessors(t *testing.T) {
	def := &model.Definition{
		Edges: []model.Edge{
			{From: "n", To: "yes", Handle: HandleTrue},
			{From: "n", To: "no", Handle: HandleFalse},
			{From: "n", To: "fallback"},
			{From: "n", To: "fallback2"},
			{From: "other", To: "elsewhere"},
		},
	}

	tests := []struct {
		name   string
		handle string
		want   []string
	}{
		{"labeled edge preferred", HandleTrue, []string{"yes"}},
		{"other label", HandleFalse, []string{"no"}},
		{"unknown handle falls back to unlabeled", HandleTimeout, []string{"fallback", "fallback2"}},
		{"empty handle selects only unlabeled", "", []string{"fallback", "fallback2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Successors(def, "n", tt.handle)
			assert.Equal(t, tt.want, edgesTo(got))
		})
	}
}

func TestFailureEdges(t *testing.T) {
	def := &model.Definition{
		Edges: []model.Edge{
			{From: "n", To: "next"},
			{From: "n", To: "cleanup", Handle: HandleFailure},
			{From: "n", To: "alert", Handle: HandleError},
		},
	}

	assert.Equal(t, []string{"cleanup", "alert"}, edgesTo(FailureEdges(def, "n")))
	assert.Equal(t, []string{"next"}, edgesTo(NonFailureSuccessors(def, "n")))
	assert.Empty(t, FailureEdges(def, "other"))
}

func TestStartEdges(t *testing.T) {
	def := &model.Definition{
		Nodes: []model.Node{
			{ID: "start", Kind: model.NodeTrigger},
			{ID: "a", Kind: model.NodeMessaging},
			{ID: "b", Kind: model.NodeMessaging},
		},
		Edges: []model.Edge{
			{From: "start", To: "a"},
			{From: "start", To: "b"},
			{From: "a", To: "b"},
		},
	}
	assert.Equal(t, []string{"a", "b"}, edgesTo(StartEdges(def)))

	noTrigger := &model.Definition{Nodes: []model.Node{{ID: "a", Kind: model.NodeMessaging}}}
	assert.Nil(t, StartEdges(noTrigger))
}
