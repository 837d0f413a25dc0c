package signaling

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/airband/internal/protocol"
)

// ErrDisconnected indicates the signaling transport dropped. In-flight
// call negotiations are failed by the call manager when it observes
// this; the connection may be re-established with fresh credentials.
var ErrDisconnected = errors.New("signaling connection lost")

// ProtocolError marks a single malformed or unknown inbound frame. The
// offending frame is discarded; the connection stays up.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Transport is one bidirectional message pipe to the signaling server.
// Recv returns *ProtocolError for a bad frame (recoverable) and
// ErrDisconnected once the pipe is gone (terminal).
type Transport interface {
	Send(msg protocol.Message) error
	Recv() (protocol.Message, error)
	Close() error
}

// WSTransport carries signaling messages over a WebSocket.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  sync.Once
}

// Dial opens a WebSocket to the signaling server.
func Dial(url string) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSTransport(conn), nil
}

func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) Send(msg protocol.Message) error {
	text, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (t *WSTransport) Recv() (protocol.Message, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return protocol.Message{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		if msgType != websocket.TextMessage {
			// Binary frames are not part of the protocol; skip them.
			continue
		}

		msg, err := protocol.Decode(string(data))
		if err != nil {
			return protocol.Message{}, &ProtocolError{Err: err}
		}
		return msg, nil
	}
}

func (t *WSTransport) Close() error {
	var err error
	t.closed.Do(func() {
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = t.conn.Close()
	})
	return err
}

// MockTransport is an in-process Transport for tests. The handle side
// plays the server: it reads what the client sent from Outgoing and
// injects server messages through Incoming.
type MockTransport struct {
	outgoing chan protocol.Message
	incoming chan protocol.Message
	done     chan struct{}
	once     sync.Once
}

// MockHandle is the server-side view of a MockTransport.
type MockHandle struct {
	Outgoing <-chan protocol.Message
	Incoming chan<- protocol.Message
	Done     <-chan struct{}

	transport *MockTransport
}

func NewMockTransport() (*MockTransport, *MockHandle) {
	t := &MockTransport{
		outgoing: make(chan protocol.Message, 32),
		incoming: make(chan protocol.Message, 32),
		done:     make(chan struct{}),
	}
	h := &MockHandle{
		Outgoing:  t.outgoing,
		Incoming:  t.incoming,
		Done:      t.done,
		transport: t,
	}
	return t, h
}

// Drop severs the transport from the server side, as if the socket died.
func (h *MockHandle) Drop() {
	h.transport.Close()
}

func (t *MockTransport) Send(msg protocol.Message) error {
	select {
	case t.outgoing <- msg:
		return nil
	case <-t.done:
		return ErrDisconnected
	}
}

func (t *MockTransport) Recv() (protocol.Message, error) {
	select {
	case msg := <-t.incoming:
		return msg, nil
	case <-t.done:
		return protocol.Message{}, ErrDisconnected
	}
}

func (t *MockTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
