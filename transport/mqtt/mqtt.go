// Package mqtt provides an MQTT channel for brokers that bridge the chat
// server.
//
// Events travel as JSON envelopes (see package wire). The session subscribes
// to its inbox topic "{prefix}/inbox/{user}" for session-scoped events
// (delivery confirmations, restrictions, errors) and to
// "{prefix}/{kind}/{id}" for each joined context. Outbound events are
// published to "{prefix}/up/{user}".
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/kabili207/chatsync-go/auth"
	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/event"
	"github.com/kabili207/chatsync-go/transport"
	"github.com/kabili207/chatsync-go/transport/wire"
)

// Compile-time interface check.
var _ transport.Channel = (*Channel)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix for chat events.
	DefaultTopicPrefix = "chat"

	// DefaultQoS is used for every publish and subscription. At-least-once
	// delivery is safe because the reconciliation engine deduplicates.
	DefaultQoS byte = 1

	publishTimeout = 10 * time.Second
)

// Config holds the configuration for an MQTT channel.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "chat").
	TopicPrefix string
	// User is the local user. It names the inbox and uplink topics and is
	// sent as the MQTT username; the credential token is the password.
	User core.UserID
	// ConnectTimeout bounds the CONNECT handshake. Default: 30s.
	ConnectTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Channel implements transport.Channel over MQTT.
type Channel struct {
	cfg          Config
	client       paho.Client
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	closing      bool
	subscribed   map[string]bool
	eventHandler transport.EventHandler
	stateHandler transport.StateHandler
}

// New creates a new MQTT channel with the given configuration.
func New(cfg Config) *Channel {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Channel{
		cfg:        cfg,
		log:        cfg.Logger.WithGroup("mqtt"),
		subscribed: make(map[string]bool),
	}
}

// Connect connects to the MQTT broker and subscribes to the inbox topic.
// Reconnection is left to the caller; the paho client does not retry.
func (c *Channel) Connect(ctx context.Context, cred auth.Credential) error {
	if c.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if c.cfg.User == "" {
		return errors.New("user is required")
	}
	if c.IsConnected() {
		return nil
	}

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "chatsync-" + uuid.NewString()
	}

	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(clientID).
		SetUsername(string(c.cfg.User)).
		SetPassword(cred.Token).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(c.onConnectionLost)

	if c.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	client := paho.NewClient(opts)
	token := client.Connect()

	timeout := c.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		if errors.Is(err, packets.ErrorRefusedNotAuthorised) || errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
			return fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
		}
		return fmt.Errorf("connecting to broker: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.connected = true
	c.closing = false
	c.subscribed = make(map[string]bool)
	handler := c.stateHandler
	c.mu.Unlock()

	if err := c.subscribe(c.inboxTopic()); err != nil {
		c.Close()
		return err
	}
	c.log.Info("connected to MQTT broker", "broker", c.cfg.Broker)

	if handler != nil {
		handler(c, transport.EventConnected, nil)
	}
	return nil
}

// Close gracefully disconnects from the MQTT broker.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.closing = true
		c.client.Disconnect(250)
		c.connected = false
	}
	return nil
}

// IsConnected returns true if the channel is connected to the broker.
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// SetEventHandler sets the callback for inbound events.
func (c *Channel) SetEventHandler(fn transport.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = fn
}

// SetStateHandler sets the callback for connection state changes.
func (c *Channel) SetStateHandler(fn transport.StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandler = fn
}

// Send publishes an outbound event to the uplink topic. Join and Leave also
// adjust the local subscription to the context topic.
func (c *Channel) Send(ev event.Outbound) error {
	if !c.IsConnected() {
		return transport.ErrNotConnected
	}

	switch e := ev.(type) {
	case event.Join:
		if err := c.subscribe(c.contextTopic(e.Context)); err != nil {
			return err
		}
	case event.Leave:
		defer c.unsubscribe(c.contextTopic(e.Context))
	}

	data, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	token := c.client.Publish(c.uplinkTopic(), DefaultQoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (c *Channel) inboxTopic() string {
	return c.cfg.TopicPrefix + "/inbox/" + string(c.cfg.User)
}

func (c *Channel) uplinkTopic() string {
	return c.cfg.TopicPrefix + "/up/" + string(c.cfg.User)
}

func (c *Channel) contextTopic(ctx core.ContextID) string {
	return c.cfg.TopicPrefix + "/" + ctx.Kind.String() + "/" + ctx.ID
}

func (c *Channel) subscribe(topic string) error {
	c.mu.Lock()
	if c.subscribed[topic] {
		c.mu.Unlock()
		return nil
	}
	c.subscribed[topic] = true
	client := c.client
	c.mu.Unlock()

	token := client.Subscribe(topic, DefaultQoS, c.handleMessage)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timeout subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		c.mu.Lock()
		delete(c.subscribed, topic)
		c.mu.Unlock()
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	c.log.Debug("subscribed", "topic", topic)
	return nil
}

func (c *Channel) unsubscribe(topic string) {
	c.mu.Lock()
	if !c.subscribed[topic] {
		c.mu.Unlock()
		return
	}
	delete(c.subscribed, topic)
	client := c.client
	c.mu.Unlock()

	client.Unsubscribe(topic)
	c.log.Debug("unsubscribed", "topic", topic)
}

func (c *Channel) handleMessage(_ paho.Client, message paho.Message) {
	c.mu.RLock()
	handler := c.eventHandler
	c.mu.RUnlock()

	if handler == nil {
		return
	}

	ev, err := wire.Decode(message.Payload())
	if err != nil {
		c.log.Debug("failed to decode event", "topic", message.Topic(), "error", err)
		return
	}
	handler(ev)
}

func (c *Channel) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	wasConnected := c.connected && !c.closing
	c.connected = false
	handler := c.stateHandler
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	c.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(c, transport.EventDisconnected, err)
	}
}
