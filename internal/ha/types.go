package ha

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types exchanged over the websocket API.
const (
	typeAuthRequired    = "auth_required"
	typeAuth            = "auth"
	typeAuthOK          = "auth_ok"
	typeAuthInvalid     = "auth_invalid"
	typeResult          = "result"
	typeEvent           = "event"
	typeGetStates       = "get_states"
	typeCallService     = "call_service"
	typeSubscribeEvents = "subscribe_events"

	eventStateChanged = "state_changed"
)

// Message is any frame received from Home Assistant.
type Message struct {
	ID        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *APIError       `json:"error,omitempty"`
	Event     *Event          `json:"event,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

// APIError is the error object of a failed result frame.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("home assistant error %s: %s", e.Code, e.Message)
}

// AuthMessage is the auth frame sent after auth_required.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event is the payload of an event frame.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the data of a state_changed event.
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is an entity state as returned by get_states.
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// command is implemented by every request that expects a result frame.
type command interface {
	setID(id int)
	commandID() int
}

type commandHeader struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

func (h *commandHeader) setID(id int) { h.ID = id }
func (h *commandHeader) commandID() int { return h.ID }

// CallServiceRequest is a call_service command.
type CallServiceRequest struct {
	commandHeader
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// GetStatesRequest is a get_states command.
type GetStatesRequest struct {
	commandHeader
}

// SubscribeEventsRequest is a subscribe_events command.
type SubscribeEventsRequest struct {
	commandHeader
	EventType string `json:"event_type,omitempty"`
}

// StateChangeHandler is called for every state_changed event of a subscribed entity.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription cancels a state change handler.
type Subscription interface {
	Unsubscribe() error
}

// subscriberEntry pairs a handler with its subscription id.
type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscribers is shared by Client and MockClient.
type subscribers struct {
	next    int
	entries map[string][]subscriberEntry
}

func (s *subscribers) add(entityID string, handler StateChangeHandler) int {
	if s.entries == nil {
		s.entries = make(map[string][]subscriberEntry)
	}
	id := s.next
	s.next++
	s.entries[entityID] = append(s.entries[entityID], subscriberEntry{subID: id, handler: handler})
	return id
}

func (s *subscribers) remove(entityID string, subID int) {
	list := s.entries[entityID]
	for i, entry := range list {
		if entry.subID != subID {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(s.entries, entityID)
		} else {
			s.entries[entityID] = list
		}
		return
	}
}

func (s *subscribers) handlers(entityID string) []StateChangeHandler {
	list := s.entries[entityID]
	result := make([]StateChangeHandler, len(list))
	for i, entry := range list {
		result[i] = entry.handler
	}
	return result
}

type subscription struct {
	unsubscribe func()
}

func (s *subscription) Unsubscribe() error {
	s.unsubscribe()
	return nil
}
