// Package testutil provides fakes of the services the monitor talks to: a Home
// Assistant websocket server and a WaterSmart portal.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"watersmart/internal/state"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// MockHAServer simulates the parts of the Home Assistant websocket API the
// state mirror uses: auth, get_states, subscribe_events and set_value calls
// on input_number and input_text helpers.
type MockHAServer struct {
	server *httptest.Server
	token  string
	logger *zap.Logger

	statesMu sync.RWMutex
	states   map[string]*EntityState

	connsMu     sync.Mutex
	connections []*connWrapper

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
	failDomains  map[string]bool
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// ErrorBody is the error of a failed command.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

type stateChangedData struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

type request struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	AccessToken string                 `json:"access_token,omitempty"`
	Domain      string                 `json:"domain,omitempty"`
	Service     string                 `json:"service,omitempty"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// NewMockHAServer starts a server that accepts token.
func NewMockHAServer(token string, logger *zap.Logger) *MockHAServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MockHAServer{
		token:       token,
		logger:      logger.Named("mock_ha"),
		states:      make(map[string]*EntityState),
		failDomains: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL is the websocket endpoint.
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Close drops every connection and stops the server.
func (s *MockHAServer) Close() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes all client connections without stopping the server.
func (s *MockHAServer) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
}

// InitializeStates creates every mirrored helper entity with its default.
func (s *MockHAServer) InitializeStates() {
	for _, v := range state.AllVariables {
		value := ""
		switch d := v.Default.(type) {
		case float64:
			value = strconv.FormatFloat(d, 'f', 2, 64)
		case string:
			value = d
		}
		s.SetState(v.EntityID, value, map[string]interface{}{
			"friendly_name": v.Key,
		})
	}
}

// SetState sets a state and broadcasts change event
func (s *MockHAServer) SetState(entityID, value string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]
	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       value,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// FailDomain makes every call_service for domain return an error.
func (s *MockHAServer) FailDomain(domain string, fail bool) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.failDomains[domain] = fail
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	wrapper := &connWrapper{conn: conn}

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var auth request
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			s.logger.Debug("Connection closed", zap.Error(err))
			return
		}

		switch req.Type {
		case "subscribe_events":
			wrapper.write(success(req.ID, nil))
		case "get_states":
			wrapper.write(success(req.ID, s.allStates()))
		case "call_service":
			s.handleCallService(wrapper, req)
		default:
			wrapper.write(failure(req.ID, "unknown_command", "unknown command "+req.Type))
		}
	}
}

func success(id int, result interface{}) Message {
	ok := true
	msg := Message{ID: id, Type: "result", Success: &ok}
	if result != nil {
		msg.Result, _ = json.Marshal(result)
	}
	return msg
}

func failure(id int, code, message string) Message {
	ok := false
	return Message{ID: id, Type: "result", Success: &ok, Error: &ErrorBody{Code: code, Message: message}}
}

func (s *MockHAServer) allStates() []*EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	states := make([]*EntityState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	return states
}

// handleCallService records the call and applies set_value to the entity.
func (s *MockHAServer) handleCallService(wrapper *connWrapper, req request) {
	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	fail := s.failDomains[req.Domain]
	s.callsMu.Unlock()

	if fail {
		wrapper.write(failure(req.ID, "home_assistant_error", "service "+req.Domain+"."+req.Service+" failed"))
		return
	}

	entityID, _ := req.ServiceData["entity_id"].(string)
	if old := s.GetState(entityID); old != nil && req.Service == "set_value" {
		switch req.Domain {
		case "input_number":
			if value, ok := req.ServiceData["value"].(float64); ok {
				s.SetState(entityID, strconv.FormatFloat(value, 'f', 2, 64), old.Attributes)
			}
		case "input_text":
			if value, ok := req.ServiceData["value"].(string); ok {
				s.SetState(entityID, value, old.Attributes)
			}
		}
	}

	wrapper.write(success(req.ID, nil))
}

func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	data, _ := json.Marshal(stateChangedData{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})
	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// ConnectionCount is the number of authenticated connections.
func (s *MockHAServer) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}
