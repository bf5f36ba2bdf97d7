// Package state mirrors the water usage aggregate onto Home Assistant helper
// entities and keeps a local cache of their values.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"watersmart/internal/ha"

	"go.uber.org/zap"
)

// ErrReadOnlyMode is returned by setters when writes to Home Assistant are
// disabled. The local cache is still updated.
var ErrReadOnlyMode = errors.New("state manager is in read-only mode")

// StateChangeHandler is called after a variable changes.
type StateChangeHandler func(key string, oldValue, newValue interface{})

// Subscription cancels a StateChangeHandler.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	key     string
	id      uint64
	manager *Manager
}

func (s *subscription) Unsubscribe() {
	s.manager.unsubscribe(s.key, s.id)
}

// Manager caches the variables in AllVariables and writes changes to Home
// Assistant. A nil client keeps everything local.
type Manager struct {
	client   ha.HAClient
	logger   *zap.Logger
	readOnly bool

	cacheMu     sync.RWMutex
	cache       map[string]interface{}
	variables   map[string]StateVariable
	entityToKey map[string]string

	subsMu      sync.RWMutex
	subscribers map[string]map[uint64]StateChangeHandler
	nextSubID   uint64

	haSubsMu sync.Mutex
	haSubs   map[string]ha.Subscription
}

// NewManager creates a manager. In read-only mode nothing is written to Home Assistant.
func NewManager(client ha.HAClient, logger *zap.Logger, readOnly bool) *Manager {
	variables := VariablesByKey()
	entityToKey := make(map[string]string, len(variables))
	for key, v := range variables {
		entityToKey[v.EntityID] = key
	}

	return &Manager{
		client:      client,
		logger:      logger.Named("state"),
		readOnly:    readOnly,
		cache:       make(map[string]interface{}),
		variables:   variables,
		entityToKey: entityToKey,
		subscribers: make(map[string]map[uint64]StateChangeHandler),
		haSubs:      make(map[string]ha.Subscription),
	}
}

// IsReadOnly reports whether writes to Home Assistant are disabled.
func (m *Manager) IsReadOnly() bool {
	return m.readOnly
}

// SyncFromHA loads every variable from Home Assistant and subscribes to its
// changes. Missing or unparsable entities fall back to their default.
func (m *Manager) SyncFromHA(ctx context.Context) error {
	if m.client == nil {
		return errors.New("no home assistant client configured")
	}

	m.logger.Info("Syncing state from Home Assistant")

	states, err := m.client.GetAllStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to get states: %w", err)
	}

	byEntity := make(map[string]*ha.State, len(states))
	for _, s := range states {
		byEntity[s.EntityID] = s
	}

	synced := 0
	for _, variable := range AllVariables {
		value := variable.Default

		if s, ok := byEntity[variable.EntityID]; !ok {
			m.logger.Warn("Entity not found in HA, using default",
				zap.String("entity_id", variable.EntityID),
				zap.String("key", variable.Key))
		} else if parsed, err := parseStateValue(s.State, variable.Type); err != nil {
			m.logger.Warn("Failed to parse state value, using default",
				zap.String("entity_id", variable.EntityID),
				zap.String("state", s.State),
				zap.Error(err))
		} else {
			value = parsed
			synced++
		}

		m.cacheMu.Lock()
		m.cache[variable.Key] = value
		m.cacheMu.Unlock()

		if err := m.subscribeToEntity(variable); err != nil {
			m.logger.Warn("Failed to subscribe to entity",
				zap.String("entity_id", variable.EntityID),
				zap.Error(err))
		}
	}

	m.logger.Info("State sync complete",
		zap.Int("synced", synced),
		zap.Int("total", len(AllVariables)))
	return nil
}

func parseStateValue(raw string, t StateType) (interface{}, error) {
	switch t {
	case TypeNumber:
		return strconv.ParseFloat(raw, 64)
	case TypeString:
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown type: %s", t)
	}
}

func (m *Manager) subscribeToEntity(variable StateVariable) error {
	m.haSubsMu.Lock()
	defer m.haSubsMu.Unlock()

	if _, ok := m.haSubs[variable.EntityID]; ok {
		return nil
	}

	sub, err := m.client.SubscribeStateChanges(variable.EntityID, func(entityID string, oldState, newState *ha.State) {
		if newState == nil {
			return
		}
		value, err := parseStateValue(newState.State, variable.Type)
		if err != nil {
			m.logger.Debug("Ignoring unparsable state change",
				zap.String("entity_id", entityID),
				zap.String("state", newState.State))
			return
		}
		m.store(variable.Key, value)
	})
	if err != nil {
		return err
	}
	m.haSubs[variable.EntityID] = sub
	return nil
}

// store updates the cache and notifies subscribers when the value changed.
// It returns the previous value.
func (m *Manager) store(key string, value interface{}) interface{} {
	m.cacheMu.Lock()
	old, had := m.cache[key]
	m.cache[key] = value
	m.cacheMu.Unlock()

	if !had || old != value {
		m.notifySubscribers(key, old, value)
	}
	return old
}

func (m *Manager) restore(key string, old interface{}) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if old == nil {
		delete(m.cache, key)
		return
	}
	m.cache[key] = old
}

func (m *Manager) lookup(key string, want StateType) (StateVariable, error) {
	variable, ok := m.variables[key]
	if !ok {
		return StateVariable{}, fmt.Errorf("variable %s not found", key)
	}
	if variable.Type != want {
		return StateVariable{}, fmt.Errorf("variable %s is not a %s", key, want)
	}
	return variable, nil
}

func (m *Manager) cached(variable StateVariable) interface{} {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	if value, ok := m.cache[variable.Key]; ok {
		return value
	}
	return variable.Default
}

// GetNumber returns a number variable.
func (m *Manager) GetNumber(key string) (float64, error) {
	variable, err := m.lookup(key, TypeNumber)
	if err != nil {
		return 0, err
	}
	value, ok := m.cached(variable).(float64)
	if !ok {
		return 0, fmt.Errorf("cached value for %s is not a number", key)
	}
	return value, nil
}

// SetNumber caches value and writes it to the input_number entity. The cache
// is rolled back if Home Assistant rejects the write.
func (m *Manager) SetNumber(ctx context.Context, key string, value float64) error {
	variable, err := m.lookup(key, TypeNumber)
	if err != nil {
		return err
	}
	return m.set(variable, value, func(name string) error {
		return m.client.SetInputNumber(ctx, name, value)
	})
}

// GetString returns a string variable.
func (m *Manager) GetString(key string) (string, error) {
	variable, err := m.lookup(key, TypeString)
	if err != nil {
		return "", err
	}
	value, ok := m.cached(variable).(string)
	if !ok {
		return "", fmt.Errorf("cached value for %s is not a string", key)
	}
	return value, nil
}

// SetString caches value and writes it to the input_text entity.
func (m *Manager) SetString(ctx context.Context, key string, value string) error {
	variable, err := m.lookup(key, TypeString)
	if err != nil {
		return err
	}
	return m.set(variable, value, func(name string) error {
		return m.client.SetInputText(ctx, name, value)
	})
}

func (m *Manager) set(variable StateVariable, value interface{}, write func(name string) error) error {
	m.cacheMu.RLock()
	current, had := m.cache[variable.Key]
	m.cacheMu.RUnlock()
	if had && current == value {
		return nil
	}

	old := m.store(variable.Key, value)

	if m.readOnly {
		return ErrReadOnlyMode
	}
	if m.client == nil {
		return nil
	}

	if err := write(extractEntityName(variable.EntityID)); err != nil {
		m.restore(variable.Key, old)
		return fmt.Errorf("failed to set HA value for %s: %w", variable.EntityID, err)
	}
	return nil
}

// Subscribe registers handler for changes of key.
func (m *Manager) Subscribe(key string, handler StateChangeHandler) (Subscription, error) {
	if _, ok := m.variables[key]; !ok {
		return nil, fmt.Errorf("variable %s not found", key)
	}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	if m.subscribers[key] == nil {
		m.subscribers[key] = make(map[uint64]StateChangeHandler)
	}
	m.subscribers[key][id] = handler

	return &subscription{key: key, id: id, manager: m}, nil
}

func (m *Manager) unsubscribe(key string, id uint64) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	delete(m.subscribers[key], id)
	if len(m.subscribers[key]) == 0 {
		delete(m.subscribers, key)
	}
}

// notifySubscribers runs handlers synchronously. A panicking handler is
// logged and does not stop the others.
func (m *Manager) notifySubscribers(key string, oldValue, newValue interface{}) {
	m.subsMu.RLock()
	handlers := make([]StateChangeHandler, 0, len(m.subscribers[key]))
	for _, h := range m.subscribers[key] {
		handlers = append(handlers, h)
	}
	m.subsMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("State change handler panicked",
						zap.String("key", key),
						zap.Any("panic", r))
				}
			}()
			handler(key, oldValue, newValue)
		}()
	}
}

// GetAllValues returns a copy of every cached value, with defaults for
// variables never set.
func (m *Manager) GetAllValues() map[string]interface{} {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	values := make(map[string]interface{}, len(m.variables))
	for key, v := range m.variables {
		values[key] = v.Default
	}
	for key, v := range m.cache {
		values[key] = v
	}
	return values
}

// extractEntityName strips the domain: "input_text.watersmart_last_read" -> "watersmart_last_read".
func extractEntityName(entityID string) string {
	if i := strings.LastIndexByte(entityID, '.'); i >= 0 {
		return entityID[i+1:]
	}
	return entityID
}
