package ha

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ServiceCall records a service call made through MockClient.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// MockClient is an in-memory HAClient for tests. Service calls against
// input_number and input_text update the stored state and notify subscribers.
type MockClient struct {
	mu        sync.Mutex
	states    map[string]*State
	connected bool
	calls     []ServiceCall
	// failNext makes the next n service calls return serviceErr.
	failNext   int
	serviceErr error

	subsMu sync.Mutex
	subs   subscribers
}

var _ HAClient = (*MockClient)(nil)

// NewMockClient returns a disconnected mock with no entities.
func NewMockClient() *MockClient {
	return &MockClient{states: make(map[string]*State)}
}

func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return ErrAlreadyConnected
	}
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockClient) GetState(ctx context.Context, entityID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	copied := *state
	return &copied, nil
}

func (m *MockClient) GetAllStates(ctx context.Context) ([]*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		copied := *state
		states = append(states, &copied)
	}
	return states, nil
}

// CallService records the call and applies set_value to the stored state.
func (m *MockClient) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	m.mu.Lock()
	if m.failNext > 0 {
		m.failNext--
		err := m.serviceErr
		m.mu.Unlock()
		return err
	}
	m.calls = append(m.calls, ServiceCall{Domain: domain, Service: service, Data: data, Time: time.Now()})
	m.mu.Unlock()

	entityID, _ := data["entity_id"].(string)
	if entityID == "" || service != "set_value" {
		return nil
	}

	var value string
	switch v := data["value"].(type) {
	case float64:
		value = strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		value = v
	default:
		return nil
	}
	m.SetState(entityID, value, nil)
	return nil
}

func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	id := m.subs.add(entityID, handler)
	m.subsMu.Unlock()

	return &subscription{unsubscribe: func() {
		m.subsMu.Lock()
		m.subs.remove(entityID, id)
		m.subsMu.Unlock()
	}}, nil
}

func (m *MockClient) SetInputNumber(ctx context.Context, name string, value float64) error {
	return m.CallService(ctx, "input_number", "set_value", map[string]interface{}{
		"entity_id": "input_number." + name,
		"value":     value,
	})
}

func (m *MockClient) SetInputText(ctx context.Context, name string, value string) error {
	return m.CallService(ctx, "input_text", "set_value", map[string]interface{}{
		"entity_id": "input_text." + name,
		"value":     value,
	})
}

// SetState stores a state and notifies subscribers, as if it changed in Home Assistant.
func (m *MockClient) SetState(entityID, value string, attributes map[string]interface{}) {
	now := time.Now()

	m.mu.Lock()
	old := m.states[entityID]
	if attributes == nil && old != nil {
		attributes = old.Attributes
	}
	next := &State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = next
	m.mu.Unlock()

	m.subsMu.Lock()
	handlers := m.subs.handlers(entityID)
	m.subsMu.Unlock()

	for _, handler := range handlers {
		handler(entityID, old, next)
	}
}

// FailServiceCalls makes the next n service calls return err.
func (m *MockClient) FailServiceCalls(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.serviceErr = err
}

// GetServiceCalls returns a copy of the recorded calls.
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceCall(nil), m.calls...)
}

// ClearServiceCalls forgets the recorded calls.
func (m *MockClient) ClearServiceCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
