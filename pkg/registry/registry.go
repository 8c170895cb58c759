// Package registry keeps the connectors available to workflows.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

var (
	ErrConnectorNotFound = errors.New("connector not registered")
	ErrNoCapability      = errors.New("connector implements neither trigger nor action")
)

// ConnectorInfo describes a registered connector for listings.
type ConnectorInfo struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Capabilities  []string       `json:"capabilities"`
	TriggerSchema map[string]any `json:"trigger_schema,omitempty"`
	ActionSchema  map[string]any `json:"action_schema,omitempty"`
}

type Registry struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	triggers map[string]protocol.TriggerConnector
	actions  map[string]protocol.ActionConnector
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:   log,
		triggers: make(map[string]protocol.TriggerConnector),
		actions:  make(map[string]protocol.ActionConnector),
	}
}

// Register adds every capability the connector implements. A later
// registration with the same id replaces the earlier one.
func (r *Registry) Register(connector protocol.Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	registered := false

	if trigger, ok := connector.(protocol.TriggerConnector); ok {
		r.triggers[connector.ID()] = trigger
		registered = true
	}

	if action, ok := connector.(protocol.ActionConnector); ok {
		r.actions[connector.ID()] = action
		registered = true
	}

	if !registered {
		return fmt.Errorf("%w: %s", ErrNoCapability, connector.ID())
	}

	r.logger.Debug("Registered connector", "connector_id", connector.ID())

	return nil
}

func (r *Registry) Trigger(id string) (protocol.TriggerConnector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trigger, ok := r.triggers[id]
	if !ok {
		return nil, fmt.Errorf("trigger connector '%s': %w", id, ErrConnectorNotFound)
	}

	return trigger, nil
}

func (r *Registry) Action(id string) (protocol.ActionConnector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[id]
	if !ok {
		return nil, fmt.Errorf("action connector '%s': %w", id, ErrConnectorNotFound)
	}

	return action, nil
}

func (r *Registry) HasTrigger(id string) bool {
	_, err := r.Trigger(id)

	return err == nil
}

func (r *Registry) HasAction(id string) bool {
	_, err := r.Action(id)

	return err == nil
}

// ValidateSettings checks trigger filter settings or action parameters
// against the schema the connector publishes.
func (r *Registry) ValidateSettings(kind models.NodeType, id string, settings map[string]any) error {
	var schema map[string]any

	switch kind {
	case models.NodeTypeTrigger:
		trigger, err := r.Trigger(id)
		if err != nil {
			return err
		}

		schema = trigger.TriggerSchema()
	case models.NodeTypeAction:
		action, err := r.Action(id)
		if err != nil {
			return err
		}

		schema = action.ActionSchema()
	default:
		return fmt.Errorf("node type %s has no connector settings", kind)
	}

	return protocol.ValidateSchema(schema, settings)
}

// Connectors lists registered connectors sorted by id.
func (r *Registry) Connectors() []ConnectorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make(map[string]*ConnectorInfo)
	info := func(c protocol.Connector) *ConnectorInfo {
		if existing, ok := infos[c.ID()]; ok {
			return existing
		}

		created := &ConnectorInfo{ID: c.ID(), Name: c.Name(), Description: c.Description()}
		infos[c.ID()] = created

		return created
	}

	for _, trigger := range r.triggers {
		i := info(trigger)
		i.Capabilities = append(i.Capabilities, string(models.NodeTypeTrigger))
		i.TriggerSchema = trigger.TriggerSchema()
	}

	for _, action := range r.actions {
		i := info(action)
		i.Capabilities = append(i.Capabilities, string(models.NodeTypeAction))
		i.ActionSchema = action.ActionSchema()
	}

	list := make([]ConnectorInfo, 0, len(infos))
	for _, i := range infos {
		list = append(list, *i)
	}

	slices.SortFunc(list, func(a, b ConnectorInfo) int {
		return strings.Compare(a.ID, b.ID)
	})

	return list
}

// HealthCheck probes every connector that implements protocol.HealthChecker
// and returns the failures keyed by connector id.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()

	checkers := make(map[string]protocol.HealthChecker)

	for id, trigger := range r.triggers {
		if checker, ok := trigger.(protocol.HealthChecker); ok {
			checkers[id] = checker
		}
	}

	for id, action := range r.actions {
		if checker, ok := action.(protocol.HealthChecker); ok {
			checkers[id] = checker
		}
	}

	r.mu.RUnlock()

	failures := make(map[string]error)

	for id, checker := range checkers {
		err := checker.HealthCheck(ctx)
		if err != nil {
			r.logger.WarnContext(ctx, "Connector health check failed", "connector_id", id, "error", err)
			failures[id] = err
		}
	}

	return failures
}

// LoadPlugins opens every .so under pluginsPath and registers the value
// each exports as "Connector".
func (r *Registry) LoadPlugins(pluginsPath string) error {
	connectors, err := loadPlugin[protocol.Connector](r.logger, pluginsPath, "Connector")
	if err != nil {
		return err
	}

	for _, connector := range connectors {
		err = r.Register(connector)
		if err != nil {
			return err
		}
	}

	return nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	if pluginsPath == "" {
		return nil, nil
	}

	if _, err := os.Stat(pluginsPath); errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Plugins path does not exist", "path", pluginsPath)

		return nil, nil
	}

	root := os.DirFS(pluginsPath)

	var pluginPathList []string

	for _, pattern := range []string{"*.so", "*/*.so"} {
		matches, err := fs.Glob(root, pattern)
		if err != nil {
			return nil, err
		}

		pluginPathList = append(pluginPathList, matches...)
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("symbol", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(pluginsPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p, err)
		}

		switch symbol := v.(type) {
		case T:
			pluginList = append(pluginList, symbol)
		case *T:
			pluginList = append(pluginList, *symbol)
		default:
			return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
		}

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
