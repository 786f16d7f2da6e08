// Package websocket provides a WebSocket channel for the chat server.
//
// The credential is presented as a bearer token on the upgrade request; a
// 401 or 403 handshake response is reported as transport.ErrUnauthorized.
// Frames are JSON envelopes (see package wire) sent as text messages.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kabili207/chatsync-go/auth"
	"github.com/kabili207/chatsync-go/event"
	"github.com/kabili207/chatsync-go/transport"
	"github.com/kabili207/chatsync-go/transport/wire"
)

// Compile-time interface check.
var _ transport.Channel = (*Channel)(nil)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 64 * 1024
	DefaultSendBuffer       = 256
)

// ErrSendBufferFull is returned by Send when the write pump is saturated.
var ErrSendBufferFull = errors.New("send buffer full")

// Config holds the configuration for a WebSocket channel.
type Config struct {
	// URL is the channel endpoint (e.g., "wss://chat.example.com/ws").
	URL string
	// Header holds extra headers for the upgrade request.
	Header http.Header
	// HandshakeTimeout bounds the upgrade handshake. Default: 10s.
	HandshakeTimeout time.Duration
	// PingInterval is the interval between WebSocket pings. Default: 30s.
	PingInterval time.Duration
	// PongWait is the read deadline extended by every pong. Default: 60s.
	PongWait time.Duration
	// WriteWait bounds every write. Default: 10s.
	WriteWait time.Duration
	// MaxMessageSize is the read limit for inbound frames. Default: 64 KiB.
	MaxMessageSize int64
	// SendBuffer is the capacity of the outbound frame queue. Default: 256.
	SendBuffer int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Channel implements transport.Channel over a WebSocket.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger

	mu           sync.RWMutex
	cur          *conn
	eventHandler transport.EventHandler
	stateHandler transport.StateHandler
}

// conn is the state of one established connection.
type conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// New creates a WebSocket channel with the given configuration.
func New(cfg Config) *Channel {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: cfg.Logger.WithGroup("websocket"),
	}
}

// Connect dials the endpoint and starts the read and write pumps. Calling
// Connect on a connected channel is a no-op.
func (c *Channel) Connect(ctx context.Context, cred auth.Credential) error {
	if c.cfg.URL == "" {
		return errors.New("channel URL is required")
	}
	if c.IsConnected() {
		return nil
	}

	header := http.Header{}
	for k, v := range c.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	if !cred.IsZero() {
		header.Set("Authorization", "Bearer "+cred.Token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake status %d", transport.ErrUnauthorized, resp.StatusCode)
		}
		return fmt.Errorf("dialing channel: %w", err)
	}

	ws.SetReadLimit(c.cfg.MaxMessageSize)
	cn := &conn{
		ws:   ws,
		send: make(chan []byte, c.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.cur != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		cn.close()
		return nil
	}
	c.cur = cn
	handler := c.stateHandler
	c.mu.Unlock()

	go c.readPump(cn)
	go c.writePump(cn)

	c.log.Info("connected to chat server", "url", c.cfg.URL)
	if handler != nil {
		handler(c, transport.EventConnected, nil)
	}
	return nil
}

// Close gracefully closes the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	cn := c.cur
	c.cur = nil
	c.mu.Unlock()

	if cn == nil {
		return nil
	}
	deadline := time.Now().Add(c.cfg.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := cn.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.log.Debug("failed to write close frame", "error", err)
	}
	cn.close()
	return nil
}

// IsConnected returns true while a connection is established.
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur != nil
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

// Send encodes an outbound event and queues it for the write pump.
func (c *Channel) Send(ev event.Outbound) error {
	c.mu.RLock()
	cn := c.cur
	c.mu.RUnlock()
	if cn == nil {
		return transport.ErrNotConnected
	}

	data, err := wire.Encode(ev)
	if err != nil {
		return err
	}

	select {
	case <-cn.done:
		return transport.ErrNotConnected
	default:
	}
	select {
	case cn.send <- data:
		return nil
	case <-cn.done:
		return transport.ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

func (c *Channel) readPump(cn *conn) {
	cn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			c.dropped(cn, err)
			return
		}

		ev, err := wire.Decode(data)
		if err != nil {
			c.log.Debug("failed to decode frame", "error", err)
			c.mu.RLock()
			handler := c.stateHandler
			c.mu.RUnlock()
			if handler != nil {
				handler(c, transport.EventError, err)
			}
			continue
		}

		c.mu.RLock()
		handler := c.eventHandler
		c.mu.RUnlock()
		if handler != nil {
			handler(ev)
		}
	}
}

func (c *Channel) writePump(cn *conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cn.done:
			return
		case data := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", "error", err)
				// Closing the socket unblocks the read pump, which reports the drop.
				cn.ws.Close()
				return
			}
		case <-ticker.C:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cn.ws.Close()
				return
			}
		}
	}
}

// dropped handles the end of a read pump. Drops of the current connection
// fire EventDisconnected; a connection already replaced or closed by the
// caller ends silently.
func (c *Channel) dropped(cn *conn, err error) {
	c.mu.Lock()
	current := c.cur == cn
	if current {
		c.cur = nil
	}
	handler := c.stateHandler
	c.mu.Unlock()

	cn.close()
	if !current {
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Warn("connection lost", "error", err)
	} else {
		c.log.Info("connection closed by server", "error", err)
	}
	if handler != nil {
		handler(c, transport.EventDisconnected, err)
	}
}
