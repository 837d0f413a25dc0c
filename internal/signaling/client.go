package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/mossy-p/airband/internal/bus"
	"github.com/mossy-p/airband/internal/protocol"
)

const defaultLoginTimeout = 10 * time.Second

// LoginError is a login refused by the server (or timed out locally).
type LoginError struct {
	Reason protocol.LoginFailureReason
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed: %s", e.Reason)
}

// Client owns one transport connection to the signaling server. After
// a successful Login every inbound message is fanned out to all
// Subscribe streams; lagging subscribers lose the oldest unread
// messages rather than stalling the read loop.
type Client struct {
	transport Transport
	shutdown  *bus.Shutdown

	loginTimeout time.Duration
	busCapacity  int

	hub    *bus.Broadcaster[protocol.Message]
	closed atomic.Bool

	// done closes when the read loop ends, for whatever reason.
	done chan struct{}
}

// Option configures a Client.
type Option func(*Client)

func WithLoginTimeout(d time.Duration) Option {
	return func(c *Client) { c.loginTimeout = d }
}

func WithBusCapacity(n int) Option {
	return func(c *Client) { c.busCapacity = n }
}

func NewClient(transport Transport, shutdown *bus.Shutdown, opts ...Option) *Client {
	c := &Client{
		transport:    transport,
		shutdown:     shutdown,
		loginTimeout: defaultLoginTimeout,
		busCapacity:  100,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hub = bus.NewBroadcaster[protocol.Message](c.busCapacity)
	return c
}

// Login performs the handshake: it sends Login and waits for either the
// ClientList (success), a LoginFailure, the login timeout, or loss of
// the transport. On success the read loop starts and Subscribe streams
// become live.
func (c *Client) Login(ctx context.Context, id, token string) ([]protocol.ClientIdentity, error) {
	if err := c.transport.Send(protocol.Login(id, token)); err != nil {
		return nil, err
	}

	type recvResult struct {
		msg protocol.Message
		err error
	}
	results := make(chan recvResult, 1)
	// One receive at a time; the goroutine exits after delivering.
	recvOne := func() {
		msg, err := c.transport.Recv()
		results <- recvResult{msg, err}
	}

	timer := time.NewTimer(c.loginTimeout)
	defer timer.Stop()

	go recvOne()
	for {
		select {
		case res := <-results:
			if res.err != nil {
				var protoErr *ProtocolError
				if errors.As(res.err, &protoErr) {
					// A bad frame while waiting is skipped, not an answer.
					log.Printf("Skipping frame during login: %v", res.err)
					go recvOne()
					continue
				}
				return nil, res.err
			}

			switch res.msg.Type {
			case protocol.TypeClientList:
				go c.readLoop()
				return res.msg.Clients, nil
			case protocol.TypeLoginFailure:
				return nil, &LoginError{Reason: res.msg.Reason}
			default:
				// Not an answer to the handshake; skip it.
				log.Printf("Skipping %s message during login", res.msg.Type)
				go recvOne()
			}

		case <-timer.C:
			return nil, &LoginError{Reason: protocol.ReasonTimeout}

		case <-ctx.Done():
			return nil, ctx.Err()

		case <-c.shutdown.Done():
			return nil, ErrDisconnected
		}
	}
}

// readLoop publishes every post-login message to the hub. It ends when
// the transport drops or the client shuts down.
func (c *Client) readLoop() {
	defer close(c.done)
	defer c.hub.Close()

	// Unblock the pending Recv when shutdown fires.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-c.shutdown.Done():
			c.transport.Close()
		case <-stopped:
		}
	}()

	for {
		msg, err := c.transport.Recv()
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				log.Printf("Discarding message: %v", err)
				continue
			}
			if !c.closed.Load() && !c.shutdown.Fired() {
				log.Printf("Signaling connection lost: %v", err)
			}
			c.closed.Store(true)
			return
		}
		c.hub.Publish(msg)
	}
}

// Subscribe returns an independent stream of post-login messages. The
// stream closes when the connection ends.
func (c *Client) Subscribe() *bus.Subscription[protocol.Message] {
	return c.hub.Subscribe()
}

// Send writes a message to the server.
func (c *Client) Send(msg protocol.Message) error {
	if c.closed.Load() {
		return ErrDisconnected
	}
	return c.transport.Send(msg)
}

// Close tears the connection down. Idempotent; subscribers observe
// their streams closing.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.transport.Close()
}

// Done closes when the read loop has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close was called or the transport dropped.
func (c *Client) Closed() bool {
	return c.closed.Load()
}
