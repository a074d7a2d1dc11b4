// Package client is a WebSocket client for load testing the lobby. It dials
// with gobwas/ws like the server, joins the room under a given nickname and
// tracks per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> server message types.
const (
	TypeJoin      = "join"
	TypeHeartbeat = "heartbeat"
	TypeLeave     = "leave"
	TypePost      = "post"
	TypePrivate   = "private"
	TypePing      = "ping"
)

// Server -> client message types.
const (
	TypeJoined         = "joined"
	TypeMessage        = "message"
	TypePrivateMessage = "private_message"
	TypePresence       = "presence"
	TypeHistory        = "history"
	TypeError          = "error"
	TypePong           = "pong"
)

// ErrClosed is returned by WaitJoined when the connection ends first.
var ErrClosed = errors.New("connection closed before join completed")

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	JoinLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
	Rejections       map[string]int // error frames by code
}

// Options configure a Client.
type Options struct {
	URL      string
	Username string

	// ForwardedFor is sent as X-Forwarded-For so that the server sees each
	// simulated user on its own address. Without it every client shares
	// one IP and trips the per-IP rate limit. The server only honours the
	// header when the generator's address is in LOBBY_TRUSTED_PROXIES.
	ForwardedFor string
}

// Client is one simulated user.
type Client struct {
	conn     net.Conn
	username string

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	joinErr  error
	dialedAt time.Time

	joined    chan struct{}
	joinOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New connects and sends the join message. Call WaitJoined before posting.
func New(ctx context.Context, opts Options) (*Client, error) {
	dialer := ws.Dialer{}
	if opts.ForwardedFor != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"X-Forwarded-For": []string{opts.ForwardedFor},
		})
	}

	start := time.Now()
	conn, _, _, err := dialer.Dial(ctx, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		username: opts.Username,
		handlers: make(map[string]func(json.RawMessage)),
		joined:   make(chan struct{}),
		done:     make(chan struct{}),
		dialedAt: time.Now(),
	}
	c.metrics.ConnectLatency = time.Since(start)
	c.metrics.Rejections = make(map[string]int)

	go c.readLoop()

	if err := c.Send(map[string]string{"type": TypeJoin, "username": opts.Username}); err != nil {
		c.Close()
		return nil, fmt.Errorf("join: %w", err)
	}
	return c, nil
}

// Username returns the nickname the client joined with.
func (c *Client) Username() string {
	return c.username
}

// Send writes a JSON message. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// Post sends a public message.
func (c *Client) Post(body string) error {
	return c.Send(map[string]string{"type": TypePost, "body": body})
}

// Private sends a private message to another nickname.
func (c *Client) Private(to, body string) error {
	return c.Send(map[string]string{"type": TypePrivate, "to": to, "body": body})
}

// Heartbeat refreshes the session on the server.
func (c *Client) Heartbeat() error {
	return c.Send(map[string]string{"type": TypeHeartbeat})
}

// On registers the handler for a server message type, replacing any
// previous one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitJoined blocks until the server confirms the join, rejects it, or ctx
// ends.
func (c *Client) WaitJoined(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case <-c.joined:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.joinErr
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.Rejections = make(map[string]int, len(c.metrics.Rejections))
	for k, v := range c.metrics.Rejections {
		m.Rejections[k] = v
	}
	return m
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var envelope struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch envelope.Type {
		case TypeJoined:
			c.metrics.JoinLatency = time.Since(c.dialedAt)
			c.joinOnce.Do(func() { close(c.joined) })
		case TypeError:
			c.metrics.Rejections[envelope.Code]++
			c.joinOnce.Do(func() {
				c.joinErr = fmt.Errorf("join rejected: %s: %s", envelope.Code, envelope.Message)
				close(c.joined)
			})
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
