package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnectors struct {
	triggers map[string]bool
	actions  map[string]bool
	reject   string
}

func (f fakeConnectors) HasTrigger(id string) bool { return f.triggers[id] }
func (f fakeConnectors) HasAction(id string) bool  { return f.actions[id] }

func (f fakeConnectors) ValidateSettings(_ models.NodeType, id string, _ map[string]any) error {
	if id == f.reject {
		return errors.New("url is required")
	}

	return nil
}

func connectors() fakeConnectors {
	return fakeConnectors{
		triggers: map[string]bool{"webhook": true},
		actions:  map[string]bool{"http": true, "log": true},
	}
}

func trigger(id string, children ...string) *models.WorkflowNode {
	return &models.WorkflowNode{ID: id, Type: models.NodeTypeTrigger, Children: children, Trigger: &models.TriggerConfig{SourceID: "webhook"}}
}

func action(id string, children ...string) *models.WorkflowNode {
	return &models.WorkflowNode{ID: id, Type: models.NodeTypeAction, Children: children, Action: &models.ActionConfig{TargetID: "http"}}
}

func cond(id string, children ...string) *models.WorkflowNode {
	return &models.WorkflowNode{
		ID: id, Type: models.NodeTypeCondition, Children: children,
		Condition: &models.ConditionConfig{Predicate: models.Predicate{Field: "sentiment", Operator: "eq", Value: "positive"}},
	}
}

func delay(id string, children ...string) *models.WorkflowNode {
	return &models.WorkflowNode{ID: id, Type: models.NodeTypeDelay, Children: children, Delay: &models.DelayConfig{Duration: models.Duration(24 * time.Hour)}}
}

func workflow(nodes ...*models.WorkflowNode) *models.Workflow {
	return &models.Workflow{ID: "wf", Name: "test workflow", Nodes: nodes}
}

func TestValidate_ValidWorkflow(t *testing.T) {
	wf := workflow(
		trigger("t", "filter", "notify"),
		cond("filter", "create"),
		action("create", "wait"),
		delay("wait", "followup"),
		action("followup"),
		action("notify"),
	)

	require.NoError(t, Validate(wf, connectors()))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		wf     *models.Workflow
		kind   ErrorKind
		nodeID string
	}{
		{
			name: "empty",
			wf:   workflow(),
			kind: KindEmptyWorkflow,
		},
		{
			name:   "cycle",
			wf:     workflow(trigger("t", "a"), action("a", "b"), action("b", "a")),
			kind:   KindCycle,
			nodeID: "a",
		},
		{
			name:   "self loop",
			wf:     workflow(trigger("t", "a"), action("a", "a")),
			kind:   KindCycle,
			nodeID: "a",
		},
		{
			name:   "multiple triggers",
			wf:     workflow(trigger("t1", "a"), action("a"), trigger("t2")),
			kind:   KindMultipleRoots,
			nodeID: "t2",
		},
		{
			name:   "multiple parentless non-triggers",
			wf:     workflow(action("a"), action("b")),
			kind:   KindMultipleRoots,
			nodeID: "b",
		},
		{
			name:   "orphan",
			wf:     workflow(trigger("t", "a"), action("a"), action("lonely")),
			kind:   KindOrphan,
			nodeID: "lonely",
		},
		{
			name:   "duplicate id",
			wf:     workflow(trigger("t", "a"), action("a"), action("a")),
			kind:   KindDuplicateNode,
			nodeID: "a",
		},
		{
			name:   "unknown child",
			wf:     workflow(trigger("t", "ghost")),
			kind:   KindUnknownNode,
			nodeID: "t",
		},
		{
			name:   "diamond",
			wf:     workflow(trigger("t", "a", "b"), action("a", "c"), action("b", "c"), action("c")),
			kind:   KindMultipleParents,
			nodeID: "c",
		},
		{
			name:   "root is not a trigger",
			wf:     workflow(action("a", "b"), action("b")),
			kind:   KindInvalidNode,
			nodeID: "a",
		},
		{
			name:   "delay without child",
			wf:     workflow(trigger("t", "d"), delay("d")),
			kind:   KindInvalidNode,
			nodeID: "d",
		},
		{
			name: "bad predicate",
			wf: workflow(trigger("t", "c"), &models.WorkflowNode{
				ID: "c", Type: models.NodeTypeCondition,
				Condition: &models.ConditionConfig{Predicate: models.Predicate{Field: "x", Operator: "roughly"}},
			}),
			kind:   KindInvalidNode,
			nodeID: "c",
		},
		{
			name: "config mismatch",
			wf: workflow(trigger("t", "a"), &models.WorkflowNode{
				ID: "a", Type: models.NodeTypeAction, Delay: &models.DelayConfig{Duration: models.Duration(time.Second)},
			}),
			kind:   KindInvalidNode,
			nodeID: "a",
		},
		{
			name: "unknown connector",
			wf: workflow(trigger("t", "a"), &models.WorkflowNode{
				ID: "a", Type: models.NodeTypeAction, Action: &models.ActionConfig{TargetID: "hubspot"},
			}),
			kind:   KindUnknownConnector,
			nodeID: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.wf, connectors())
			require.Error(t, err)

			var graphErr *GraphError

			require.ErrorAs(t, err, &graphErr)
			assert.Equal(t, tt.kind, graphErr.Kind)
			assert.Equal(t, tt.nodeID, graphErr.NodeID)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestValidate_InvalidSettings(t *testing.T) {
	c := connectors()
	c.reject = "http"

	err := Validate(workflow(trigger("t", "a"), action("a")), c)
	require.Error(t, err)
	assert.Equal(t, KindInvalidSettings, KindOf(err))
	assert.Contains(t, err.Error(), "url is required")
}

func TestValidate_WithoutConnectors(t *testing.T) {
	wf := workflow(trigger("t", "a"), &models.WorkflowNode{
		ID: "a", Type: models.NodeTypeAction, Action: &models.ActionConfig{TargetID: "anything"},
	})

	assert.NoError(t, Validate(wf, nil))
}

func TestGraph_Traversal(t *testing.T) {
	g, err := New(workflow(
		trigger("t", "filter", "notify"),
		cond("filter", "create", "tag"),
		action("create", "wait"),
		delay("wait", "followup"),
		action("followup"),
		action("tag"),
		action("notify"),
	))
	require.NoError(t, err)

	assert.Equal(t, "t", g.Root().ID)
	assert.Equal(t, "filter", g.Parent("create"))
	assert.Empty(t, g.Parent("t"))

	ids := func(nodes []*models.WorkflowNode) []string {
		out := make([]string, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, n.ID)
		}

		return out
	}

	assert.Equal(t, []string{"create", "tag"}, ids(g.TraverseChildren("filter")))
	assert.Equal(t, []string{"create", "wait", "followup", "tag"}, ids(g.Descendants("filter")))
	assert.Equal(t, []string{"filter", "create", "wait", "followup", "tag", "notify"}, ids(g.Descendants("t")))
	assert.Nil(t, g.TraverseChildren("missing"))

	plan := g.Plan()
	require.Len(t, plan, 6)
	assert.Equal(t, 0, plan[0].Index)
	assert.Equal(t, 5, plan[0].End)
	assert.Equal(t, 4, plan[1].End)
	assert.Equal(t, 6, plan[5].End)
	assert.Equal(t, 3, g.IndexOf("followup"))
	assert.Equal(t, -1, g.IndexOf("t"))
}

func TestGraph_PlanIsStable(t *testing.T) {
	build := func() []string {
		g, err := New(workflow(trigger("t", "b", "a"), action("a"), action("b", "c"), action("c")))
		require.NoError(t, err)

		order := make([]string, 0, len(g.Plan()))
		for _, entry := range g.Plan() {
			order = append(order, entry.Node.ID)
		}

		return order
	}

	first := build()
	assert.Equal(t, []string{"b", "c", "a"}, first)

	for range 10 {
		assert.Equal(t, first, build())
	}
}
