package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a workflow graph was rejected.
type ErrorKind string

const (
	KindCycle            ErrorKind = "cycle"
	KindOrphan           ErrorKind = "orphan"
	KindMultipleRoots    ErrorKind = "multipleRoots"
	KindUnknownConnector ErrorKind = "unknownConnector"
	KindEmptyWorkflow    ErrorKind = "emptyWorkflow"
	KindDuplicateNode    ErrorKind = "duplicateNode"
	KindUnknownNode      ErrorKind = "unknownNode"
	KindMultipleParents  ErrorKind = "multipleParents"
	KindInvalidNode      ErrorKind = "invalidNode"
	KindInvalidSettings  ErrorKind = "invalidSettings"
)

// GraphError reports the first structural problem found in a workflow.
type GraphError struct {
	Kind    ErrorKind
	NodeID  string
	Message string
	Err     error
}

func (e *GraphError) Error() string {
	msg := string(e.Kind)
	if e.NodeID != "" {
		msg += " at node " + e.NodeID
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, nodeID, format string, args ...any) *GraphError {
	return &GraphError{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// IsGraphError reports whether err is or wraps a *GraphError.
func IsGraphError(err error) bool {
	var graphErr *GraphError

	return errors.As(err, &graphErr)
}

// KindOf returns the kind of the GraphError wrapped by err, or "".
func KindOf(err error) ErrorKind {
	var graphErr *GraphError
	if errors.As(err, &graphErr) {
		return graphErr.Kind
	}

	return ""
}
