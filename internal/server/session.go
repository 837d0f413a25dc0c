package server

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/airband/internal/auth"
	"github.com/mossy-p/airband/internal/bus"
	"github.com/mossy-p/airband/internal/protocol"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	sendQueueLen = 16
)

// Session drives one WebSocket connection through its lifecycle:
// awaiting login, authenticated relay, terminated. Login is bounded by
// the configured timeout; after authentication the session runs the
// read and write pumps until the socket closes, the client logs out, or the
// server shuts down.
type Session struct {
	connID   string
	conn     *websocket.Conn
	registry *Registry
	shutdown *bus.Shutdown

	loginTimeout time.Duration
}

func NewSession(connID string, conn *websocket.Conn, registry *Registry, shutdown *bus.Shutdown, loginTimeout time.Duration) *Session {
	return &Session{
		connID:       connID,
		conn:         conn,
		registry:     registry,
		shutdown:     shutdown,
		loginTimeout: loginTimeout,
	}
}

// Run blocks until the session terminates. The caller owns neither the
// connection nor the registry entry afterwards; both are released here.
func (s *Session) Run() {
	defer s.conn.Close()

	// Unblock any pending read when the server shuts down.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-s.shutdown.Done():
			s.conn.Close()
		case <-stopped:
		}
	}()

	adm, ok := s.awaitLogin()
	if !ok {
		return
	}
	defer s.registry.Remove(adm.Identity.ID)
	defer adm.Broadcast.Cancel()

	if !s.write(protocol.ClientList(adm.Clients)) {
		return
	}

	writeDone := make(chan struct{})
	go s.writePump(adm, writeDone)

	s.readLoop(adm.Identity.ID)

	// Stop the write pump and wait for it to release the socket. The
	// pump may be parked on the broadcast stream with no traffic due for
	// most of a ping period, so cancel the subscription to wake it now
	// rather than after the next ping.
	adm.Broadcast.Cancel()
	s.conn.Close()
	<-writeDone

	log.Printf("Session %s for client %s terminated", s.connID, adm.Identity.ID)
}

// awaitLogin accepts exactly one Login message within the login
// timeout. Control frames are handled by the transport and never reach
// this loop.
func (s *Session) awaitLogin() (*Admission, bool) {
	deadline := time.Now().Add(s.loginTimeout)
	s.conn.SetReadDeadline(deadline)

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			log.Printf("Session %s: no login within %s", s.connID, s.loginTimeout)
			s.write(protocol.LoginFailure(protocol.ReasonTimeout))
		}
		return nil, false
	}

	msg, err := protocol.Decode(string(data))
	if err != nil {
		log.Printf("Session %s: malformed frame during login: %v", s.connID, err)
		s.closeWithCode(websocket.CloseProtocolError, "malformed login")
		return nil, false
	}

	if msg.Type != protocol.TypeLogin {
		log.Printf("Session %s: %s message before login", s.connID, msg.Type)
		s.write(protocol.LoginFailure(protocol.ReasonUnauthorized))
		return nil, false
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	adm, err := s.registry.Admit(ctx, msg.ID, msg.Token)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateID):
			log.Printf("Session %s: duplicate login for %s", s.connID, msg.ID)
			s.write(protocol.LoginFailure(protocol.ReasonDuplicateID))
			s.closeWithCode(websocket.ClosePolicyViolation, "login failure")
		case errors.Is(err, auth.ErrInvalidToken):
			log.Printf("Session %s: invalid credentials for %s", s.connID, msg.ID)
			s.write(protocol.LoginFailure(protocol.ReasonInvalidCredentials))
		default:
			log.Printf("Session %s: admit failed: %v", s.connID, err)
			s.write(protocol.LoginFailure(protocol.ReasonUnauthorized))
		}
		return nil, false
	}

	return adm, true
}

// readLoop forwards inbound socket messages to the registry in socket
// order. It returns when the socket closes or the client logs out.
func (s *Session) readLoop(clientID string) {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Session %s: read error: %v", s.connID, err)
			}
			return
		}

		msg, err := protocol.Decode(string(data))
		if err != nil {
			// A single bad message is discarded, not fatal.
			log.Printf("Session %s: discarding message: %v", s.connID, err)
			continue
		}

		switch {
		case msg.Directed():
			s.registry.Relay(clientID, msg)
		case msg.Type == protocol.TypeLogout:
			log.Printf("Session %s: client %s logged out", s.connID, clientID)
			return
		default:
			log.Printf("Session %s: unexpected %s message from %s", s.connID, msg.Type, clientID)
		}
	}
}

// writePump forwards relayed and broadcast messages to the socket and
// keeps the connection alive with pings. Presence events about the
// session's own client are filtered out here.
func (s *Session) writePump(adm *Admission, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var lastMissed uint64
	for {
		select {
		case msg, ok := <-adm.Inbox:
			if !ok {
				return
			}
			if !s.write(msg) {
				return
			}

		case msg, ok := <-adm.Broadcast.C():
			if !ok {
				return
			}
			if missed := adm.Broadcast.Missed(); missed > lastMissed {
				log.Printf("Session %s: client %s missed %d broadcast messages", s.connID, adm.Identity.ID, missed-lastMissed)
				lastMissed = missed
			}
			if s.aboutSelf(msg, adm.Identity.ID) {
				continue
			}
			if !s.write(msg) {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.shutdown.Done():
			s.closeWithCode(websocket.CloseGoingAway, "server shutdown")
			return
		}
	}
}

func (s *Session) aboutSelf(msg protocol.Message, clientID string) bool {
	switch msg.Type {
	case protocol.TypeClientConnected:
		return msg.Client != nil && msg.Client.ID == clientID
	case protocol.TypeClientDisconnected:
		return msg.ID == clientID
	}
	return false
}

func (s *Session) write(msg protocol.Message) bool {
	text, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Session %s: failed to encode %s message: %v", s.connID, msg.Type, err)
		return true
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		log.Printf("Session %s: failed to write message: %v", s.connID, err)
		return false
	}
	return true
}

func (s *Session) closeWithCode(code int, reason string) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
