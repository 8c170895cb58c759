package models

import (
	"fmt"
	"time"
)

// NodeType tags the variant held by a WorkflowNode.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeDelay     NodeType = "delay"
)

// WorkflowNode is one node of a workflow tree. Exactly one of the variant
// configs must be set and it must match Type.
type WorkflowNode struct {
	ID       string   `json:"id"                 yaml:"id"                 validate:"required"`
	Type     NodeType `json:"type"               yaml:"type"               validate:"required,oneof=trigger condition action delay"`
	Name     string   `json:"name,omitempty"     yaml:"name,omitempty"`
	Children []string `json:"children,omitempty" yaml:"children,omitempty"`

	Trigger   *TriggerConfig   `json:"trigger,omitempty"   yaml:"trigger,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty" yaml:"condition,omitempty"`
	Action    *ActionConfig    `json:"action,omitempty"    yaml:"action,omitempty"`
	Delay     *DelayConfig     `json:"delay,omitempty"     yaml:"delay,omitempty"`
}

// TriggerConfig subscribes a workflow to a connector's events.
type TriggerConfig struct {
	SourceID       string         `json:"source_id"                 yaml:"source_id"`
	FilterSettings map[string]any `json:"filter_settings,omitempty" yaml:"filter_settings,omitempty"`
}

// ConditionConfig filters the pipeline: children only run when the predicate holds.
type ConditionConfig struct {
	Predicate Predicate `json:"predicate" yaml:"predicate"`
}

// ActionConfig performs one side effect through a connector.
type ActionConfig struct {
	TargetID   string         `json:"target_id"            yaml:"target_id"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// DelayConfig suspends a run for a fixed duration or until a wall-clock time.
type DelayConfig struct {
	Duration Duration   `json:"duration,omitempty" yaml:"duration,omitempty"`
	Until    *time.Time `json:"until,omitempty"    yaml:"until,omitempty"`
}

// ResumeAt computes when a run suspended at from may continue.
func (d DelayConfig) ResumeAt(from time.Time) time.Time {
	if d.Until != nil {
		if d.Until.Before(from) {
			return from
		}

		return d.Until.UTC()
	}

	return from.Add(time.Duration(d.Duration))
}

// Predicate is the boolean expression held by a condition node.
// A predicate is either a comparison (Field/Operator/Value), a template
// Expression, or a combinator (All, Any, Not).
type Predicate struct {
	Field      string      `json:"field,omitempty"      yaml:"field,omitempty"`
	Operator   string      `json:"operator,omitempty"   yaml:"operator,omitempty"`
	Value      any         `json:"value,omitempty"      yaml:"value,omitempty"`
	Expression string      `json:"expression,omitempty" yaml:"expression,omitempty"`
	All        []Predicate `json:"all,omitempty"        yaml:"all,omitempty"`
	Any        []Predicate `json:"any,omitempty"        yaml:"any,omitempty"`
	Not        *Predicate  `json:"not,omitempty"        yaml:"not,omitempty"`
}

// VariantMatches reports whether exactly the config for the node's type is set.
func (n *WorkflowNode) VariantMatches() error {
	set := 0
	for _, present := range []bool{n.Trigger != nil, n.Condition != nil, n.Action != nil, n.Delay != nil} {
		if present {
			set++
		}
	}

	if set != 1 {
		return fmt.Errorf("node %s must define exactly one of trigger, condition, action, delay (found %d)", n.ID, set)
	}

	var ok bool

	switch n.Type {
	case NodeTypeTrigger:
		ok = n.Trigger != nil
	case NodeTypeCondition:
		ok = n.Condition != nil
	case NodeTypeAction:
		ok = n.Action != nil
	case NodeTypeDelay:
		ok = n.Delay != nil
	default:
		return fmt.Errorf("node %s has unknown type %q", n.ID, n.Type)
	}

	if !ok {
		return fmt.Errorf("node %s of type %s carries a config for another type", n.ID, n.Type)
	}

	return nil
}
