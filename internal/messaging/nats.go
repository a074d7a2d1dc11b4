// Package messaging provides publish/subscribe fan-out for live room
// events. NATSClient spreads events across server processes through NATS
// subjects lobby.<channel>; Hub does the same inside one process.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/lobby/internal/logging"
)

// SubjectPrefix namespaces every lobby channel on NATS.
const SubjectPrefix = "lobby."

// Subject returns the NATS subject for a logical channel.
func Subject(channel string) string {
	return SubjectPrefix + channel
}

// NATSClient wraps the NATS connection and implements Broadcaster.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "lobby",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := logging.Component("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[*nats.Subscription]struct{}),
	}, nil
}

// Publish sends data on the subject for channel.
func (c *NATSClient) Publish(_ context.Context, channel string, data []byte) error {
	if err := c.conn.Publish(Subject(channel), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe streams events on channel until ctx is cancelled or the
// subscription is closed.
func (c *NATSClient) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	in := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := c.conn.ChanSubscribe(Subject(channel), in)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, subscriptionBuffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		defer c.unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{C: out, cancel: cancel, done: done}, nil
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	log := logging.Component("nats")

	c.mu.Lock()
	for sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("drain failed")
		}
	}
	c.subs = make(map[*nats.Subscription]struct{})
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("connection drain failed")
	}

	log.Info().Msg("client closed")
}

func (c *NATSClient) unsubscribe(sub *nats.Subscription) {
	c.mu.Lock()
	_, ok := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil && c.conn.IsConnected() {
		log := logging.Component("nats")
		log.Warn().Err(err).Str("subject", sub.Subject).Msg("unsubscribe failed")
	}
}
