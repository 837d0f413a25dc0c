package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/airband/internal/audio"
)

// MockEngine hands out scripted media sessions for tests. Each created
// session is retained so the test can drive its events.
type MockEngine struct {
	mu       sync.Mutex
	sessions []*MockSession
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (e *MockEngine) NewSession(_ context.Context) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &MockSession{
		events:     make(chan Event, eventBufferSize),
		Candidates: make(chan string, 16),
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Session returns the i-th created session.
func (e *MockEngine) Session(i int) *MockSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[i]
}

// Count reports how many sessions were created.
func (e *MockEngine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// MockSession records negotiation calls and lets the test inject
// events via Emit.
type MockSession struct {
	mu         sync.Mutex
	events     chan Event
	closed     bool
	started    bool
	offers     int
	answers    []string
	remoteICE  []string
	offerSDPs  []string
	Candidates chan string
}

func (s *MockSession) CreateOffer(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers++
	return fmt.Sprintf("offer-sdp-%d", s.offers), nil
}

func (s *MockSession) HandleOffer(_ context.Context, sdp string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerSDPs = append(s.offerSDPs, sdp)
	return "answer-sdp", nil
}

func (s *MockSession) HandleAnswer(_ context.Context, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sdp)
	return nil
}

func (s *MockSession) AddRemoteICECandidate(candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteICE = append(s.remoteICE, candidate)
	return nil
}

func (s *MockSession) Start(input <-chan audio.Frame, output chan<- audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *MockSession) Events() <-chan Event {
	return s.events
}

// Emit injects an event as if the media layer produced it. Emitting on
// a closed session is a no-op so teardown races stay harmless in tests.
func (s *MockSession) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *MockSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSession) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// RemoteCandidates returns the ICE candidates fed into the session.
func (s *MockSession) RemoteCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.remoteICE...)
}

// Answers returns the SDP answers applied to the session.
func (s *MockSession) Answers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.answers...)
}

// HandledOffers returns the remote offers applied to the session.
func (s *MockSession) HandledOffers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.offerSDPs...)
}
