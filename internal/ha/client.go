// Package ha is a small Home Assistant websocket API client covering what the
// water usage mirror needs: authentication, get_states, call_service and
// state_changed subscriptions, with automatic reconnect.
package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = 30 * time.Second
)

var (
	ErrNotConnected     = errors.New("not connected to home assistant")
	ErrAlreadyConnected = errors.New("already connected")
	ErrAuthInvalid      = errors.New("authentication failed: invalid token")
)

// HAClient is the part of the websocket API used by the state manager.
type HAClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	GetState(ctx context.Context, entityID string) (*State, error)
	GetAllStates(ctx context.Context) ([]*State, error)
	CallService(ctx context.Context, domain, service string, data map[string]interface{}) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SetInputNumber(ctx context.Context, name string, value float64) error
	SetInputText(ctx context.Context, name string, value string) error
}

// Config holds connection settings. Zero durations use the defaults.
type Config struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// Client implements HAClient over a single websocket connection.
type Client struct {
	cfg    Config
	logger *zap.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	reconnect bool
	// done is closed when the current connection goes away.
	done chan struct{}

	writeMu sync.Mutex

	msgIDMu sync.Mutex
	msgID   int

	pendingMu sync.Mutex
	pending   map[int]chan Message

	subsMu sync.RWMutex
	subs   subscribers

	onReconnect func()
}

// NewClient creates a client. Call Connect before issuing commands.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.Named("ha"),
		pending: make(map[int]chan Message),
	}
}

// OnReconnect registers fn to run after every successful automatic reconnect.
func (c *Client) OnReconnect(fn func()) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.onReconnect = fn
}

// Connect dials, authenticates and subscribes to state_changed events.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return ErrAlreadyConnected
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	c.connected = true
	c.reconnect = true
	c.done = make(chan struct{})
	go c.receiveMessages(conn, c.done)
	c.connMu.Unlock()

	c.logger.Info("Connected to Home Assistant", zap.String("url", c.cfg.URL))

	sub := &SubscribeEventsRequest{
		commandHeader: commandHeader{Type: typeSubscribeEvents},
		EventType:     eventStateChanged,
	}
	if _, err := c.send(ctx, sub); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}
	return nil
}

// dial opens the websocket and runs the auth handshake.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.RequestTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.RequestTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if hello.Type != typeAuthRequired {
		return fmt.Errorf("expected %s, got %s", typeAuthRequired, hello.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: typeAuth, AccessToken: c.cfg.Token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch reply.Type {
	case typeAuthOK:
		c.logger.Debug("Authenticated", zap.String("ha_version", reply.HAVersion))
		return nil
	case typeAuthInvalid:
		return ErrAuthInvalid
	default:
		return fmt.Errorf("expected %s, got %s", typeAuthOK, reply.Type)
	}
}

// Disconnect closes the connection and disables reconnect.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	if !c.connected {
		return nil
	}
	c.closeLocked()

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

func (c *Client) closeLocked() {
	c.connected = false
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}
}

// IsConnected reports whether the client holds an authenticated connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// send writes cmd and waits for its result frame.
func (c *Client) send(ctx context.Context, cmd command) (*Message, error) {
	c.connMu.RLock()
	conn, done := c.conn, c.done
	connected := c.connected
	c.connMu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	cmd.setID(c.nextMsgID())
	id := cmd.commandID()

	respCh := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(cmd)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, fmt.Errorf("request %d failed", id)
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response to request %d", id)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrNotConnected
	}
}

func (c *Client) receiveMessages(conn *websocket.Conn, done chan struct{}) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-done:
				// Closed by Disconnect.
			default:
				c.logger.Error("Failed to read message", zap.Error(err))
				c.handleDisconnect(conn)
			}
			return
		}

		switch msg.Type {
		case typeEvent:
			c.handleEvent(&msg)
		case typeResult:
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != eventStateChanged {
		return
	}

	var data StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	handlers := c.subs.handlers(data.EntityID)
	c.subsMu.RUnlock()

	for _, handler := range handlers {
		handler(data.EntityID, data.OldState, data.NewState)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.closeLocked()
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection to Home Assistant lost")
	if reconnect {
		go c.attemptReconnect()
	}
}

// attemptReconnect retries Connect with exponential backoff until it succeeds
// or Disconnect is called.
func (c *Client) attemptReconnect() {
	backoff := c.cfg.ReconnectMin

	for {
		time.Sleep(backoff)

		c.connMu.RLock()
		reconnect, connected := c.reconnect, c.connected
		c.connMu.RUnlock()
		if !reconnect || connected {
			return
		}

		c.logger.Info("Attempting to reconnect", zap.Duration("backoff", backoff))

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.Connect(ctx)
		cancel()
		if err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > c.cfg.ReconnectMax {
				backoff = c.cfg.ReconnectMax
			}
			continue
		}

		c.logger.Info("Reconnected successfully")

		c.connMu.RLock()
		fn := c.onReconnect
		c.connMu.RUnlock()
		if fn != nil {
			fn()
		}
		return
	}
}

// GetState returns the state of a single entity.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	states, err := c.GetAllStates(ctx)
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}
	return nil, fmt.Errorf("entity %s not found", entityID)
}

// GetAllStates returns every entity state.
func (c *Client) GetAllStates(ctx context.Context) ([]*State, error) {
	resp, err := c.send(ctx, &GetStatesRequest{commandHeader: commandHeader{Type: typeGetStates}})
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}
	return states, nil
}

// CallService invokes domain.service with data.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	_, err := c.send(ctx, &CallServiceRequest{
		commandHeader: commandHeader{Type: typeCallService},
		Domain:        domain,
		Service:       service,
		ServiceData:   data,
	})
	return err
}

// SubscribeStateChanges registers handler for state_changed events of entityID.
// Subscriptions survive reconnects.
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	c.subsMu.Lock()
	id := c.subs.add(entityID, handler)
	c.subsMu.Unlock()

	return &subscription{unsubscribe: func() {
		c.subsMu.Lock()
		c.subs.remove(entityID, id)
		c.subsMu.Unlock()
	}}, nil
}

// SetInputNumber sets input_number.<name>.
func (c *Client) SetInputNumber(ctx context.Context, name string, value float64) error {
	return c.CallService(ctx, "input_number", "set_value", map[string]interface{}{
		"entity_id": "input_number." + name,
		"value":     value,
	})
}

// SetInputText sets input_text.<name>.
func (c *Client) SetInputText(ctx context.Context, name string, value string) error {
	return c.CallService(ctx, "input_text", "set_value", map[string]interface{}{
		"entity_id": "input_text." + name,
		"value":     value,
	})
}
