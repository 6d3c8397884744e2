package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection and its JetStream context
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	reconnects int
	connected  bool
}

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// ErrNoMessages is returned by Fetch when the wait elapsed without messages
var ErrNoMessages = errors.New("no messages")

// NewClient connects to NATS
func NewClient(cfg Config) (*Client, error) {
	client := &Client{subs: make(map[string]*nats.Subscription)}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectHandler(func(*nats.Conn) {
			client.mu.Lock()
			client.reconnects++
			client.connected = true
			client.mu.Unlock()
		}),
		nats.DisconnectErrHandler(func(*nats.Conn, error) {
			client.mu.Lock()
			client.connected = false
			client.mu.Unlock()
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client.conn = conn
	client.js = js
	client.connected = true
	return client, nil
}

// EnsureStream creates the stream if it does not exist yet
func (c *Client) EnsureStream(name string, subjects ...string) error {
	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}
	if _, err := c.js.AddStream(&nats.StreamConfig{Name: name, Subjects: subjects}); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return nil
}

// Request sends data as JSON and decodes the JSON reply into reply
func (c *Client) Request(ctx context.Context, subject string, data, reply interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	msg, err := c.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("failed to decode reply from %s: %w", subject, err)
	}
	return nil
}

// Fetch pulls up to batch messages from a durable consumer on subject,
// waiting at most wait. Messages are acknowledged before they are returned.
func (c *Client) Fetch(ctx context.Context, subject, durable string, batch int, wait time.Duration) ([][]byte, error) {
	sub, err := c.pullSubscription(subject, durable)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := sub.Fetch(batch, nats.Context(fetchCtx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrNoMessages
		}
		return nil, fmt.Errorf("failed to fetch from %s: %w", subject, err)
	}

	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		if err := m.AckSync(); err != nil {
			return out, fmt.Errorf("failed to ack message on %s: %w", subject, err)
		}
		out = append(out, m.Data)
	}
	return out, nil
}

func (c *Client) pullSubscription(subject, durable string) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + durable
	if sub, ok := c.subs[key]; ok {
		return sub, nil
	}

	sub, err := c.js.PullSubscribe(subject, durable, nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.subs[key] = sub
	return sub, nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns number of reconnections
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Close drains subscriptions and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, key)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	return nil
}
