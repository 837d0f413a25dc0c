package call

import (
	"context"

	"github.com/mossy-p/airband/internal/audio"
)

// ConnectionState mirrors the media layer's view of a negotiation.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// EventKind tags a media-session event.
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventICECandidate
	EventError
)

// Event is one asynchronous occurrence on a media session.
type Event struct {
	Kind      EventKind
	State     ConnectionState
	Candidate string
	Err       error
}

// Session is one peer-to-peer media negotiation. SDP and ICE payloads
// are opaque strings exchanged over signaling. Events delivers
// connection-state changes, locally gathered ICE candidates, and
// errors; the channel closes when the session is closed.
type Session interface {
	// CreateOffer starts the negotiation from the calling side and
	// returns the local SDP offer.
	CreateOffer(ctx context.Context) (string, error)

	// HandleOffer accepts a remote offer on the answering side and
	// returns the local SDP answer.
	HandleOffer(ctx context.Context, sdp string) (string, error)

	// HandleAnswer completes the negotiation on the calling side.
	HandleAnswer(ctx context.Context, sdp string) error

	// AddRemoteICECandidate feeds a candidate received over signaling
	// into the negotiation.
	AddRemoteICECandidate(candidate string) error

	// Start begins moving audio once connected: frames read from input
	// are sent to the peer, frames received from the peer are written
	// to output.
	Start(input <-chan audio.Frame, output chan<- audio.Frame) error

	// Close tears the negotiation down. Idempotent.
	Close() error

	Events() <-chan Event
}

// Engine creates media sessions. The production implementation wraps
// pion; tests use MockEngine.
type Engine interface {
	NewSession(ctx context.Context) (Session, error)
}
