package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType tags a signaling message on the wire
type MessageType string

const (
	TypeLogin              MessageType = "login"
	TypeLoginFailure       MessageType = "login_failure"
	TypeClientList         MessageType = "client_list"
	TypeClientConnected    MessageType = "client_connected"
	TypeClientDisconnected MessageType = "client_disconnected"
	TypeCallOffer          MessageType = "call_offer"
	TypeCallAnswer         MessageType = "call_answer"
	TypeCallIceCandidate   MessageType = "call_ice_candidate"
	TypeCallEnd            MessageType = "call_end"
	TypeLogout             MessageType = "logout"
	TypeError              MessageType = "error"
)

// LoginFailureReason is the closed set of reasons a login can be refused
type LoginFailureReason string

const (
	ReasonInvalidCredentials LoginFailureReason = "invalid_credentials"
	ReasonUnauthorized       LoginFailureReason = "unauthorized"
	ReasonTimeout            LoginFailureReason = "timeout"
	ReasonDuplicateID        LoginFailureReason = "duplicate_id"
)

// ErrUnknownType marks a message whose type tag is not part of the
// protocol. Receivers log and skip these instead of dropping the
// connection, so newer peers can keep talking to older ones.
var ErrUnknownType = errors.New("unknown message type")

// ClientIdentity describes one authenticated peer
type ClientIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Frequency   string `json:"frequency"`
}

// Message is a signaling message. Exactly the fields belonging to the
// tagged variant are populated; everything else stays at its zero value.
type Message struct {
	Type MessageType `json:"type"`

	// Login
	ID    string `json:"id,omitempty"`
	Token string `json:"token,omitempty"`

	// LoginFailure
	Reason LoginFailureReason `json:"reason,omitempty"`

	// ClientList
	Clients []ClientIdentity `json:"clients,omitempty"`

	// ClientConnected
	Client *ClientIdentity `json:"client,omitempty"`

	// CallOffer, CallAnswer, CallIceCandidate, CallEnd
	PeerID    string `json:"peer_id,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
}

// Constructors for the directed variants keep call sites terse.

func Login(id, token string) Message {
	return Message{Type: TypeLogin, ID: id, Token: token}
}

func LoginFailure(reason LoginFailureReason) Message {
	return Message{Type: TypeLoginFailure, Reason: reason}
}

func ClientList(clients []ClientIdentity) Message {
	// An empty list is normalized to nil so the encoded form (which
	// omits the field either way) decodes back to an equal message.
	if len(clients) == 0 {
		clients = nil
	}
	return Message{Type: TypeClientList, Clients: clients}
}

func ClientConnected(client ClientIdentity) Message {
	return Message{Type: TypeClientConnected, Client: &client}
}

func ClientDisconnected(id string) Message {
	return Message{Type: TypeClientDisconnected, ID: id}
}

func CallOffer(peerID, sdp string) Message {
	return Message{Type: TypeCallOffer, PeerID: peerID, SDP: sdp}
}

func CallAnswer(peerID, sdp string) Message {
	return Message{Type: TypeCallAnswer, PeerID: peerID, SDP: sdp}
}

func CallIceCandidate(peerID, candidate string) Message {
	return Message{Type: TypeCallIceCandidate, PeerID: peerID, Candidate: candidate}
}

func CallEnd(peerID string) Message {
	return Message{Type: TypeCallEnd, PeerID: peerID}
}

func Logout() Message {
	return Message{Type: TypeLogout}
}

func Error(message string) Message {
	return Message{Type: TypeError, Message: message}
}

var knownTypes = map[MessageType]struct{}{
	TypeLogin:              {},
	TypeLoginFailure:       {},
	TypeClientList:         {},
	TypeClientConnected:    {},
	TypeClientDisconnected: {},
	TypeCallOffer:          {},
	TypeCallAnswer:         {},
	TypeCallIceCandidate:   {},
	TypeCallEnd:            {},
	TypeLogout:             {},
	TypeError:              {},
}

// Directed reports whether the message is addressed to a single peer
// and must be relayed rather than broadcast.
func (m Message) Directed() bool {
	switch m.Type {
	case TypeCallOffer, TypeCallAnswer, TypeCallIceCandidate, TypeCallEnd:
		return true
	}
	return false
}

// Encode serializes the message to its wire form.
func Encode(m Message) (string, error) {
	if _, ok := knownTypes[m.Type]; !ok {
		return "", fmt.Errorf("encode: %w: %q", ErrUnknownType, m.Type)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return string(data), nil
}

// Decode parses a wire frame. An unrecognized type tag yields an error
// wrapping ErrUnknownType so callers can skip the frame.
func Decode(text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, errors.New("decode: empty message")
	}
	var m Message
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if _, ok := knownTypes[m.Type]; !ok {
		return Message{}, fmt.Errorf("decode: %w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}
