// Package messaging provides a NATS client wrapper for relaying realtime
// events between gateway nodes. It handles connection lifecycle, subject
// naming, and tracked subscriptions for cleanup.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the gateway cluster.
const (
	SubjectMessage      = "gw.msg"    // + .<identity>
	SubjectNotification = "gw.notify" // + .<identity>
	SubjectBroadcast    = "gw.broadcast"
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "realtime-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *Client) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// RelayMessage publishes a private-message relay event for an identity.
func (c *Client) RelayMessage(identity string, data []byte) error {
	return c.Publish(SubjectMessage+"."+identity, data)
}

// RelayNotification publishes a notification relay event for an identity.
func (c *Client) RelayNotification(identity string, data []byte) error {
	return c.Publish(SubjectNotification+"."+identity, data)
}

// RelayBroadcast publishes a broadcast relay event for the whole cluster.
func (c *Client) RelayBroadcast(data []byte) error {
	return c.Publish(SubjectBroadcast, data)
}

// SubscribeMessages subscribes to private-message relay events for all
// identities (gw.msg.>). Each node filters for locally connected recipients.
func (c *Client) SubscribeMessages(handler func(data []byte)) error {
	return c.Subscribe(SubjectMessage+".>", handler)
}

// SubscribeNotifications subscribes to notification relay events for all
// identities (gw.notify.>).
func (c *Client) SubscribeNotifications(handler func(data []byte)) error {
	return c.Subscribe(SubjectNotification+".>", handler)
}

// SubscribeBroadcasts subscribes to cluster broadcast relay events.
func (c *Client) SubscribeBroadcasts(handler func(data []byte)) error {
	return c.Subscribe(SubjectBroadcast, handler)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
