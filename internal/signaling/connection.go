package signaling

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mossy-p/airband/config"
	"github.com/mossy-p/airband/internal/bus"
	"github.com/mossy-p/airband/internal/protocol"
)

// DialFunc opens a fresh transport. Swapped for a mock in tests.
type DialFunc func() (Transport, error)

// Connection maintains one logical signaling session across transport
// drops. Subscribers attach to the Connection, not the underlying
// Client, so their streams survive a reconnect. Reconnection re-runs
// the login handshake with the stored credentials, up to the configured
// attempt budget; a refused login ends the session for good.
type Connection struct {
	cfg      config.ClientConfig
	dial     DialFunc
	shutdown *bus.Shutdown
	hub      *bus.Broadcaster[protocol.Message]

	mu     sync.Mutex
	client *Client
	id     string
	token  string
}

func NewConnection(cfg config.ClientConfig) *Connection {
	conn := &Connection{
		cfg:      cfg,
		shutdown: bus.NewShutdown(),
		hub:      bus.NewBroadcaster[protocol.Message](100),
	}
	conn.dial = func() (Transport, error) {
		return Dial(cfg.ServerURL)
	}
	return conn
}

// WithDialer overrides how transports are opened.
func (c *Connection) WithDialer(dial DialFunc) *Connection {
	c.dial = dial
	return c
}

// Connect dials the server and performs the login handshake. On
// success the connection begins forwarding messages to subscribers and
// watching for transport drops.
func (c *Connection) Connect(ctx context.Context, id, token string) ([]protocol.ClientIdentity, error) {
	client, sub, clients, err := c.establish(ctx, id, token)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.client = client
	c.id = id
	c.token = token
	c.mu.Unlock()

	go c.supervise(client, sub)
	return clients, nil
}

// establish dials, subscribes, then logs in. Subscribing before the
// handshake completes means messages the server sends right after the
// client list cannot fall between login and the forwarding loop.
func (c *Connection) establish(ctx context.Context, id, token string) (*Client, *bus.Subscription[protocol.Message], []protocol.ClientIdentity, error) {
	transport, err := c.dial()
	if err != nil {
		return nil, nil, nil, err
	}

	client := NewClient(transport, c.shutdown, WithLoginTimeout(c.cfg.LoginTimeout))
	sub := client.Subscribe()
	clients, err := client.Login(ctx, id, token)
	if err != nil {
		sub.Cancel()
		transport.Close()
		return nil, nil, nil, err
	}
	return client, sub, clients, nil
}

// supervise forwards the client's messages into the stable hub and
// reconnects when the transport drops out from under us.
func (c *Connection) supervise(client *Client, sub *bus.Subscription[protocol.Message]) {
	for {
		for msg := range sub.C() {
			c.hub.Publish(msg)
		}
		<-client.Done()

		if c.shutdown.Fired() {
			c.hub.Close()
			return
		}

		log.Printf("Signaling connection dropped, reconnecting")
		next, nextSub, ok := c.reconnect()
		if !ok {
			c.hub.Close()
			return
		}
		client, sub = next, nextSub
	}
}

func (c *Connection) reconnect() (*Client, *bus.Subscription[protocol.Message], bool) {
	c.mu.Lock()
	id, token := c.id, c.token
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-c.shutdown.Done():
			return nil, nil, false
		case <-time.After(c.cfg.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LoginTimeout+c.cfg.ReconnectDelay)
		client, sub, _, err := c.establish(ctx, id, token)
		cancel()
		if err == nil {
			log.Printf("Reconnected to signaling server (attempt %d)", attempt)
			c.mu.Lock()
			c.client = client
			c.mu.Unlock()
			return client, sub, true
		}

		var loginErr *LoginError
		if errors.As(err, &loginErr) && loginErr.Reason != protocol.ReasonTimeout {
			// The server refused us; retrying with the same token
			// will not help.
			log.Printf("Reconnect refused: %v", err)
			return nil, nil, false
		}
		log.Printf("Reconnect attempt %d/%d failed: %v", attempt, c.cfg.ReconnectAttempts, err)
	}

	log.Printf("Giving up after %d reconnect attempts", c.cfg.ReconnectAttempts)
	return nil, nil, false
}

// Subscribe returns a message stream that survives reconnects. It
// closes when the session ends permanently.
func (c *Connection) Subscribe() *bus.Subscription[protocol.Message] {
	return c.hub.Subscribe()
}

// Send writes to the current transport.
func (c *Connection) Send(msg protocol.Message) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return ErrDisconnected
	}
	return client.Send(msg)
}

// Disconnect ends the session. Idempotent.
func (c *Connection) Disconnect() error {
	c.shutdown.Fire()

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		c.hub.Close()
		return nil
	}
	return client.Close()
}

// Shutdown exposes the connection's shutdown signal so collaborating
// tasks can terminate with it.
func (c *Connection) Shutdown() *bus.Shutdown {
	return c.shutdown
}
