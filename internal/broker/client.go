// Package broker adapts an embedded NATS server and client into a
// best-effort cross-process relay for the event bus. It does not provide
// cross-host consistency: an event a process misses while disconnected
// is not delivered to it later, and each process keeps only its own
// local history.
package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"
)

// Message is a thin wrapper around a received NATS message.
type Message struct {
	Subject string
	Data    []byte
}

// Client wraps a NATS connection with the reconnect handling the relay
// needs; it is deliberately narrower than a general-purpose NATS client
// since the relay only ever publishes/subscribes JSON event payloads.
type Client struct {
	conn *nc.Conn
}

// NewClient connects to url with indefinite reconnect.
func NewClient(url string) (*Client, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[BROKER] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Printf("[BROKER] reconnected to %s", conn.ConnectedUrl())
		}),
		nc.ClosedHandler(func(*nc.Conn) {
			log.Printf("[BROKER] connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: connect to %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection without draining pending messages.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// PublishJSON marshals v and publishes it to subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("broker: marshal for %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers an async handler on subject.
func (c *Client) Subscribe(subject string, handler func(Message)) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(Message{Subject: msg.Subject, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("broker: subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
