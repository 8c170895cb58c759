// Package graph validates workflow node trees and provides ordered traversal over them.
package graph

import (
	"github.com/dukex/autoflow/pkg/condition"
	"github.com/dukex/autoflow/pkg/models"
)

// Connectors is the part of the connector registry the validator needs.
type Connectors interface {
	HasTrigger(id string) bool
	HasAction(id string) bool
	ValidateSettings(kind models.NodeType, id string, settings map[string]any) error
}

// PlanEntry is one node in execution order. End is the index just past the
// node's subtree, so skipping a subtree means jumping to End.
type PlanEntry struct {
	Node  *models.WorkflowNode
	Index int
	End   int
}

// Graph is a validated, indexed view of a workflow's node arena.
type Graph struct {
	workflow *models.Workflow
	nodes    map[string]*models.WorkflowNode
	parents  map[string]string
	root     *models.WorkflowNode
	plan     []PlanEntry
	position map[string]int
}

// New indexes a workflow after checking its structure. Connector existence and
// settings are not checked; use Validate for that.
func New(workflow *models.Workflow) (*Graph, error) {
	return build(workflow)
}

// Validate checks structure and, when connectors is non-nil, that every
// trigger and action names a registered connector that accepts its settings.
func Validate(workflow *models.Workflow, connectors Connectors) error {
	g, err := build(workflow)
	if err != nil {
		return err
	}

	if connectors == nil {
		return nil
	}

	return g.validateConnectors(connectors)
}

// Workflow returns the workflow the graph was built from.
func (g *Graph) Workflow() *models.Workflow {
	return g.workflow
}

// Root returns the trigger node.
func (g *Graph) Root() *models.WorkflowNode {
	return g.root
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *models.WorkflowNode {
	return g.nodes[id]
}

// Parent returns the id of the node's parent, or "" for the root.
func (g *Graph) Parent(id string) string {
	return g.parents[id]
}

// TraverseChildren returns the node's children in authored order.
func (g *Graph) TraverseChildren(id string) []*models.WorkflowNode {
	node := g.nodes[id]
	if node == nil {
		return nil
	}

	children := make([]*models.WorkflowNode, 0, len(node.Children))
	for _, childID := range node.Children {
		children = append(children, g.nodes[childID])
	}

	return children
}

// Descendants returns every node below id in preorder.
func (g *Graph) Descendants(id string) []*models.WorkflowNode {
	if id == g.root.ID {
		descendants := make([]*models.WorkflowNode, 0, len(g.plan))
		for _, entry := range g.plan {
			descendants = append(descendants, entry.Node)
		}

		return descendants
	}

	index, ok := g.position[id]
	if !ok {
		return nil
	}

	entry := g.plan[index]
	descendants := make([]*models.WorkflowNode, 0, entry.End-index-1)

	for _, below := range g.plan[index+1 : entry.End] {
		descendants = append(descendants, below.Node)
	}

	return descendants
}

// Plan returns all non-trigger nodes in depth-first preorder, children in authored order.
func (g *Graph) Plan() []PlanEntry {
	return g.plan
}

// IndexOf returns the plan position of a node, or -1 for the root or an unknown id.
func (g *Graph) IndexOf(id string) int {
	index, ok := g.position[id]
	if !ok {
		return -1
	}

	return index
}

func build(workflow *models.Workflow) (*Graph, error) {
	if workflow == nil || len(workflow.Nodes) == 0 {
		return nil, newError(KindEmptyWorkflow, "", "workflow has no nodes")
	}

	g := &Graph{
		workflow: workflow,
		nodes:    make(map[string]*models.WorkflowNode, len(workflow.Nodes)),
		parents:  make(map[string]string, len(workflow.Nodes)),
		position: make(map[string]int, len(workflow.Nodes)),
	}

	for i, node := range workflow.Nodes {
		if node == nil || node.ID == "" {
			return nil, newError(KindInvalidNode, "", "node at index %d has no id", i)
		}

		if _, exists := g.nodes[node.ID]; exists {
			return nil, newError(KindDuplicateNode, node.ID, "node id is used more than once")
		}

		g.nodes[node.ID] = node
	}

	for _, node := range workflow.Nodes {
		for _, childID := range node.Children {
			if _, ok := g.nodes[childID]; !ok {
				return nil, newError(KindUnknownNode, node.ID, "child %q does not exist", childID)
			}
		}
	}

	err := g.checkCycles()
	if err != nil {
		return nil, err
	}

	for _, node := range workflow.Nodes {
		for _, childID := range node.Children {
			if parent, ok := g.parents[childID]; ok {
				return nil, newError(KindMultipleParents, childID, "node has parents %s and %s", parent, node.ID)
			}

			g.parents[childID] = node.ID
		}
	}

	err = g.findRoot()
	if err != nil {
		return nil, err
	}

	for _, node := range workflow.Nodes {
		err = checkNode(node, node.ID == g.root.ID)
		if err != nil {
			return nil, err
		}
	}

	g.plan = make([]PlanEntry, 0, len(workflow.Nodes)-1)
	for _, childID := range g.root.Children {
		g.appendPlan(childID)
	}

	return g, nil
}

func (g *Graph) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(g.nodes))

	var visit func(id string) error

	visit = func(id string) error {
		state[id] = visiting

		for _, childID := range g.nodes[id].Children {
			switch state[childID] {
			case visiting:
				return newError(KindCycle, childID, "node is reachable from itself via %s", id)
			case unvisited:
				err := visit(childID)
				if err != nil {
					return err
				}
			}
		}

		state[id] = done

		return nil
	}

	for _, node := range g.workflow.Nodes {
		if state[node.ID] != unvisited {
			continue
		}

		err := visit(node.ID)
		if err != nil {
			return err
		}
	}

	return nil
}

func (g *Graph) findRoot() error {
	var (
		triggers []*models.WorkflowNode
		roots    []*models.WorkflowNode
	)

	for _, node := range g.workflow.Nodes {
		if node.Type == models.NodeTypeTrigger {
			triggers = append(triggers, node)
		}

		if _, hasParent := g.parents[node.ID]; !hasParent {
			roots = append(roots, node)
		}
	}

	if len(triggers) > 1 {
		return newError(KindMultipleRoots, triggers[1].ID, "workflow has %d trigger nodes", len(triggers))
	}

	if len(triggers) == 0 {
		if len(roots) > 1 {
			return newError(KindMultipleRoots, roots[1].ID, "workflow has %d parentless nodes", len(roots))
		}

		return newError(KindInvalidNode, roots[0].ID, "root node must be a trigger")
	}

	trigger := triggers[0]
	if parent, hasParent := g.parents[trigger.ID]; hasParent {
		return newError(KindInvalidNode, trigger.ID, "trigger must be the root but has parent %s", parent)
	}

	for _, root := range roots {
		if root.ID != trigger.ID {
			return newError(KindOrphan, root.ID, "node is not reachable from trigger %s", trigger.ID)
		}
	}

	g.root = trigger

	return nil
}

func (g *Graph) appendPlan(id string) {
	index := len(g.plan)
	g.position[id] = index
	g.plan = append(g.plan, PlanEntry{Node: g.nodes[id], Index: index})

	for _, childID := range g.nodes[id].Children {
		g.appendPlan(childID)
	}

	g.plan[index].End = len(g.plan)
}

func checkNode(node *models.WorkflowNode, isRoot bool) error {
	err := node.VariantMatches()
	if err != nil {
		return &GraphError{Kind: KindInvalidNode, NodeID: node.ID, Err: err}
	}

	switch node.Type {
	case models.NodeTypeTrigger:
		if node.Trigger.SourceID == "" {
			return newError(KindInvalidNode, node.ID, "trigger has no source_id")
		}
	case models.NodeTypeAction:
		if node.Action.TargetID == "" {
			return newError(KindInvalidNode, node.ID, "action has no target_id")
		}
	case models.NodeTypeDelay:
		if len(node.Children) != 1 {
			return newError(KindInvalidNode, node.ID, "delay must have exactly one child, has %d", len(node.Children))
		}

		if node.Delay.Until == nil && node.Delay.Duration <= 0 {
			return newError(KindInvalidNode, node.ID, "delay needs a positive duration or an until time")
		}
	case models.NodeTypeCondition:
		err = condition.Validate(node.Condition.Predicate)
		if err != nil {
			return &GraphError{Kind: KindInvalidNode, NodeID: node.ID, Message: "invalid predicate", Err: err}
		}
	}

	if isRoot && node.Type != models.NodeTypeTrigger {
		return newError(KindInvalidNode, node.ID, "root node must be a trigger")
	}

	return nil
}

func (g *Graph) validateConnectors(connectors Connectors) error {
	for _, node := range g.workflow.Nodes {
		var (
			id       string
			settings map[string]any
			known    bool
		)

		switch node.Type {
		case models.NodeTypeTrigger:
			id, settings = node.Trigger.SourceID, node.Trigger.FilterSettings
			known = connectors.HasTrigger(id)
		case models.NodeTypeAction:
			id, settings = node.Action.TargetID, node.Action.Parameters
			known = connectors.HasAction(id)
		default:
			continue
		}

		if !known {
			return newError(KindUnknownConnector, node.ID, "no %s connector registered as %q", node.Type, id)
		}

		err := connectors.ValidateSettings(node.Type, id, settings)
		if err != nil {
			return &GraphError{Kind: KindInvalidSettings, NodeID: node.ID, Message: "connector " + id + " rejected settings", Err: err}
		}
	}

	return nil
}
