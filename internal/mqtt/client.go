// Package mqtt announces the water usage sensors to Home Assistant through
// MQTT discovery and publishes their states.
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher is the subset of a broker connection the discovery sink needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Options configures the broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// WillTopic receives WillPayload (retained) if the connection drops.
	WillTopic      string
	WillPayload    string
	ConnectTimeout time.Duration
}

// Client wraps a paho client.
type Client struct {
	raw    paho.Client
	logger *zap.Logger
}

// Connect dials the broker. An empty ClientID gets a random suffix so
// several instances can share a broker.
func Connect(opts Options, logger *zap.Logger) (*Client, error) {
	logger = logger.Named("mqtt")
	if opts.ClientID == "" {
		opts.ClientID = "watersmart-" + uuid.NewString()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	o := paho.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetUsername(opts.Username)
	o.SetPassword(opts.Password)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetConnectTimeout(opts.ConnectTimeout)
	if opts.WillTopic != "" {
		o.SetWill(opts.WillTopic, opts.WillPayload, 1, true)
	}
	o.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	o.SetOnConnectHandler(func(_ paho.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", opts.BrokerURL))
	})

	c := paho.NewClient(o)
	token := c.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		c.Disconnect(0)
		return nil, fmt.Errorf("timed out connecting to %s", opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.BrokerURL, err)
	}

	logger.Debug("MQTT client ready", zap.String("client_id", opts.ClientID))
	return &Client{raw: c, logger: logger}, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Close disconnects, waiting up to 250ms for in-flight messages.
func (c *Client) Close() {
	c.raw.Disconnect(250)
}
