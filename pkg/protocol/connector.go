// Package protocol defines the contracts between the engine and pluggable connectors.
package protocol

import "context"

// Connector describes an external integration. A connector offers a
// capability by also implementing TriggerConnector, ActionConnector or both.
type Connector interface {
	// ID is the value workflows use in source_id / target_id.
	ID() string

	Name() string

	Description() string
}

// HealthChecker is implemented by connectors that hold external connections.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
