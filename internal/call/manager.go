package call

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mossy-p/airband/internal/audio"
	"github.com/mossy-p/airband/internal/bus"
	"github.com/mossy-p/airband/internal/protocol"
)

const frameBufferSize = 512

// ErrCallActive is returned by StartCall while another call is in
// progress.
var ErrCallActive = errors.New("another call is already active")

// ErrUnknownPeer is returned for operations on a peer with no tracked
// call.
var ErrUnknownPeer = errors.New("unknown peer")

type callState int

const (
	callOffering  callState = iota // outgoing offer sent, awaiting answer
	callRinging                    // incoming offer answered, awaiting connection
	callConnected                  // foreground call, audio attached
	callHeld                       // connected but backgrounded, audio detached
)

type callEntry struct {
	peerID   string
	session  Session
	state    callState
	incoming bool

	// Frame channels live as long as the entry; audio attach/detach
	// only changes what is plugged into their far ends. While a call
	// is held nothing drains output, so inbound frames are dropped at
	// the media layer instead of piling up.
	input  chan audio.Frame
	output chan audio.Frame
}

// NotificationKind tags call lifecycle notifications.
type NotificationKind int

const (
	NotifyIncomingCall NotificationKind = iota
	NotifyCallConnected
	NotifyCallHeld
	NotifyCallEnded
	NotifyCallFailed
)

// Notification surfaces call lifecycle changes to the application.
type Notification struct {
	Kind   NotificationKind
	PeerID string
	Err    error
}

// Snapshot is a point-in-time view of the manager's call table.
type Snapshot struct {
	Active        string
	Held          []string
	Pending       []string
	IncomingOffer []string
}

// Sender is the outbound half of the signaling connection.
type Sender interface {
	Send(msg protocol.Message) error
}

type cmdKind int

const (
	cmdStartCall cmdKind = iota
	cmdAcceptCall
	cmdRejectCall
	cmdEndCall
	cmdSwitchCall
	cmdSnapshot
)

type command struct {
	kind   cmdKind
	peerID string
	reply  chan error
	snap   chan Snapshot
}

type peerEvent struct {
	peerID string
	ev     Event
}

// Manager owns every Call entry and serializes all mutation through its
// Run loop. Other goroutines (signaling reader, media event pumps,
// command callers) only enqueue; nothing outside the loop touches the
// call table. At most one call is foregrounded with audio attached;
// other connected calls are held.
type Manager struct {
	engine    Engine
	signaling Sender
	audio     audio.Manager
	shutdown  *bus.Shutdown

	inputCfg     audio.InputConfig
	outputVolume float64
	outputGain   float64

	cmds    chan command
	events  chan peerEvent
	notices *bus.Broadcaster[Notification]

	// Loop-owned state. Never read or written outside Run.
	active        *callEntry
	calls         map[string]*callEntry
	pendingOffers map[string]string // peer_id -> remote offer SDP
}

func NewManager(engine Engine, signaling Sender, audioMgr audio.Manager, shutdown *bus.Shutdown) *Manager {
	return &Manager{
		engine:       engine,
		signaling:    signaling,
		audio:        audioMgr,
		shutdown:     shutdown,
		inputCfg:     audio.InputConfig{Volume: 1.0, Gain: 1.0},
		outputVolume: 1.0,
		outputGain:   1.0,
		cmds:         make(chan command),
		events:       make(chan peerEvent, 64),
		notices:      bus.NewBroadcaster[Notification](32),

		calls:         make(map[string]*callEntry),
		pendingOffers: make(map[string]string),
	}
}

// SetAudioConfig adjusts the device configuration used on attach.
func (m *Manager) SetAudioConfig(input audio.InputConfig, outputVolume, outputGain float64) {
	m.inputCfg = input
	m.outputVolume = outputVolume
	m.outputGain = outputGain
}

// Notifications returns a stream of call lifecycle events.
func (m *Manager) Notifications() *bus.Subscription[Notification] {
	return m.notices.Subscribe()
}

// StartCall places an outgoing call. It fails while another call is
// active or an offer of ours is still pending.
func (m *Manager) StartCall(ctx context.Context, peerID string) error {
	return m.do(ctx, command{kind: cmdStartCall, peerID: peerID})
}

// AcceptCall answers a pending incoming offer from peerID.
func (m *Manager) AcceptCall(ctx context.Context, peerID string) error {
	return m.do(ctx, command{kind: cmdAcceptCall, peerID: peerID})
}

// RejectCall declines a pending incoming offer from peerID.
func (m *Manager) RejectCall(ctx context.Context, peerID string) error {
	return m.do(ctx, command{kind: cmdRejectCall, peerID: peerID})
}

// EndCall terminates the call with peerID, active or held. Ending an
// unknown peer returns ErrUnknownPeer and leaves other calls untouched.
func (m *Manager) EndCall(ctx context.Context, peerID string) error {
	return m.do(ctx, command{kind: cmdEndCall, peerID: peerID})
}

// SwitchCall foregrounds a held call. The current active call, if any,
// is demoted to held with its audio detached; its negotiation stays
// live.
func (m *Manager) SwitchCall(ctx context.Context, peerID string) error {
	return m.do(ctx, command{kind: cmdSwitchCall, peerID: peerID})
}

// Calls returns a snapshot of the call table.
func (m *Manager) Calls(ctx context.Context) (Snapshot, error) {
	cmd := command{kind: cmdSnapshot, snap: make(chan Snapshot, 1)}
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-m.shutdown.Done():
		return Snapshot{}, errors.New("call manager stopped")
	}
	select {
	case snap := <-cmd.snap:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-m.shutdown.Done():
		return Snapshot{}, errors.New("call manager stopped")
	}
}

func (m *Manager) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown.Done():
		return errors.New("call manager stopped")
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown.Done():
		return errors.New("call manager stopped")
	}
}

// Run is the manager's event loop. It consumes user commands, media
// events, and signaling messages until the shutdown signal fires or the
// signaling stream closes. Every Call mutation happens here.
func (m *Manager) Run(messages *bus.Subscription[protocol.Message]) {
	defer m.notices.Close()

	for {
		select {
		case <-m.shutdown.Done():
			m.closeAll(nil)
			return

		case cmd := <-m.cmds:
			m.handleCommand(cmd)

		case ev := <-m.events:
			m.handleMediaEvent(ev)

		case msg, ok := <-messages.C():
			if !ok {
				// Transport gone: every in-flight negotiation fails.
				m.closeAll(fmt.Errorf("signaling connection lost"))
				return
			}
			m.handleSignaling(msg)
		}
	}
}

func (m *Manager) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdStartCall:
		cmd.reply <- m.startCall(cmd.peerID)
	case cmdAcceptCall:
		cmd.reply <- m.acceptCall(cmd.peerID)
	case cmdRejectCall:
		cmd.reply <- m.rejectCall(cmd.peerID)
	case cmdEndCall:
		cmd.reply <- m.endCall(cmd.peerID)
	case cmdSwitchCall:
		cmd.reply <- m.switchCall(cmd.peerID)
	case cmdSnapshot:
		cmd.snap <- m.snapshot()
	}
}

func (m *Manager) startCall(peerID string) error {
	if m.active != nil {
		return ErrCallActive
	}
	for _, e := range m.calls {
		if e.state == callOffering {
			return ErrCallActive
		}
	}
	if _, tracked := m.calls[peerID]; tracked {
		return fmt.Errorf("call with %s already in progress", peerID)
	}

	session, err := m.engine.NewSession(context.Background())
	if err != nil {
		return fmt.Errorf("create media session: %w", err)
	}

	sdp, err := session.CreateOffer(context.Background())
	if err != nil {
		session.Close()
		return fmt.Errorf("create offer: %w", err)
	}

	if err := m.signaling.Send(protocol.CallOffer(peerID, sdp)); err != nil {
		session.Close()
		return fmt.Errorf("send offer: %w", err)
	}

	e := &callEntry{peerID: peerID, session: session, state: callOffering}
	m.calls[peerID] = e
	go m.pumpEvents(peerID, session)

	log.Printf("Outgoing call to %s started", peerID)
	return nil
}

func (m *Manager) acceptCall(peerID string) error {
	sdp, ok := m.pendingOffers[peerID]
	if !ok {
		return fmt.Errorf("%w: no incoming call from %s", ErrUnknownPeer, peerID)
	}
	delete(m.pendingOffers, peerID)

	session, err := m.engine.NewSession(context.Background())
	if err != nil {
		return fmt.Errorf("create media session: %w", err)
	}

	answer, err := session.HandleOffer(context.Background(), sdp)
	if err != nil {
		session.Close()
		return fmt.Errorf("answer offer: %w", err)
	}

	if err := m.signaling.Send(protocol.CallAnswer(peerID, answer)); err != nil {
		session.Close()
		return fmt.Errorf("send answer: %w", err)
	}

	e := &callEntry{peerID: peerID, session: session, state: callRinging, incoming: true}
	m.calls[peerID] = e
	go m.pumpEvents(peerID, session)

	log.Printf("Accepted incoming call from %s", peerID)
	return nil
}

func (m *Manager) rejectCall(peerID string) error {
	if _, ok := m.pendingOffers[peerID]; !ok {
		return fmt.Errorf("%w: no incoming call from %s", ErrUnknownPeer, peerID)
	}
	delete(m.pendingOffers, peerID)

	if err := m.signaling.Send(protocol.CallEnd(peerID)); err != nil {
		log.Printf("Failed to send call end for rejected offer from %s: %v", peerID, err)
	}
	return nil
}

func (m *Manager) endCall(peerID string) error {
	if _, ok := m.pendingOffers[peerID]; ok {
		return m.rejectCall(peerID)
	}

	e, ok := m.calls[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	if err := m.signaling.Send(protocol.CallEnd(peerID)); err != nil {
		log.Printf("Failed to send call end to %s: %v", peerID, err)
	}

	m.cleanup(e, nil)
	return nil
}

func (m *Manager) switchCall(peerID string) error {
	e, ok := m.calls[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if e.state != callHeld {
		return fmt.Errorf("call with %s is not held", peerID)
	}

	if m.active != nil {
		m.audio.DetachCallOutput()
		m.audio.DetachInputDevice()
		m.active.state = callHeld
		m.notify(Notification{Kind: NotifyCallHeld, PeerID: m.active.peerID})
		m.active = nil
	}

	m.promote(e)
	return nil
}

// cleanup is the single teardown path for a tracked call. Whatever
// triggered it (user command, media disconnect, remote CallEnd, peer
// presence loss), the entry is released exactly once: it is gone from
// the table before any side effect runs.
func (m *Manager) cleanup(e *callEntry, failure error) {
	if _, tracked := m.calls[e.peerID]; !tracked {
		return
	}
	delete(m.calls, e.peerID)

	if m.active == e {
		m.audio.DetachCallOutput()
		m.audio.DetachInputDevice()
		m.active = nil
	}

	if err := e.session.Close(); err != nil {
		log.Printf("Failed to close media session for %s: %v", e.peerID, err)
	}

	if failure != nil {
		m.notify(Notification{Kind: NotifyCallFailed, PeerID: e.peerID, Err: failure})
	} else {
		m.notify(Notification{Kind: NotifyCallEnded, PeerID: e.peerID})
	}
	log.Printf("Call with %s ended", e.peerID)
}

func (m *Manager) handleMediaEvent(ev peerEvent) {
	e, ok := m.calls[ev.peerID]
	if !ok {
		// Raced with cleanup; the call is already gone.
		return
	}

	switch ev.ev.Kind {
	case EventConnectionState:
		m.handleStateChange(e, ev.ev.State)

	case EventICECandidate:
		if err := m.signaling.Send(protocol.CallIceCandidate(e.peerID, ev.ev.Candidate)); err != nil {
			log.Printf("Failed to send ICE candidate for %s: %v", e.peerID, err)
		}

	case EventError:
		log.Printf("Media error on call with %s: %v", e.peerID, ev.ev.Err)
	}
}

func (m *Manager) handleStateChange(e *callEntry, state ConnectionState) {
	switch state {
	case StateConnected:
		if m.active != nil && m.active != e {
			// Another call holds the foreground; this one waits.
			e.state = callHeld
			m.notify(Notification{Kind: NotifyCallHeld, PeerID: e.peerID})
			log.Printf("Call with %s connected and held", e.peerID)
			return
		}
		m.promote(e)

	case StateDisconnected, StateClosed:
		m.cleanup(e, nil)

	case StateFailed:
		m.cleanup(e, fmt.Errorf("media connection to %s failed", e.peerID))

	default:
		log.Printf("Call with %s: media state %s", e.peerID, state)
	}
}

// promote makes e the foreground call, starting the media flow on
// first promotion and attaching audio to the entry's frame channels.
func (m *Manager) promote(e *callEntry) {
	if e.input == nil {
		e.input = make(chan audio.Frame, frameBufferSize)
		e.output = make(chan audio.Frame, frameBufferSize)
		if err := e.session.Start(e.input, e.output); err != nil {
			m.cleanup(e, fmt.Errorf("start media session: %w", err))
			return
		}
	}

	if err := m.audio.AttachCallOutput(e.output, m.outputVolume, m.outputGain); err != nil {
		m.cleanup(e, fmt.Errorf("attach call output: %w", err))
		return
	}
	if err := m.audio.AttachInputDevice(m.inputCfg, e.input); err != nil {
		m.audio.DetachCallOutput()
		m.cleanup(e, fmt.Errorf("attach input device: %w", err))
		return
	}

	e.state = callConnected
	m.active = e
	m.notify(Notification{Kind: NotifyCallConnected, PeerID: e.peerID})
	log.Printf("Call with %s is now active", e.peerID)
}

func (m *Manager) handleSignaling(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeCallOffer:
		if _, tracked := m.calls[msg.PeerID]; tracked {
			log.Printf("Ignoring offer from %s: call already in progress", msg.PeerID)
			return
		}
		m.pendingOffers[msg.PeerID] = msg.SDP
		m.notify(Notification{Kind: NotifyIncomingCall, PeerID: msg.PeerID})
		log.Printf("Incoming call from %s", msg.PeerID)

	case protocol.TypeCallAnswer:
		e, ok := m.calls[msg.PeerID]
		if !ok || e.state != callOffering {
			log.Printf("Ignoring unexpected answer from %s", msg.PeerID)
			return
		}
		if err := e.session.HandleAnswer(context.Background(), msg.SDP); err != nil {
			m.cleanup(e, fmt.Errorf("apply answer: %w", err))
		}

	case protocol.TypeCallIceCandidate:
		e, ok := m.calls[msg.PeerID]
		if !ok {
			log.Printf("Dropping ICE candidate for unknown peer %s", msg.PeerID)
			return
		}
		if err := e.session.AddRemoteICECandidate(msg.Candidate); err != nil {
			log.Printf("Failed to add ICE candidate from %s: %v", msg.PeerID, err)
		}

	case protocol.TypeCallEnd:
		delete(m.pendingOffers, msg.PeerID)
		if e, ok := m.calls[msg.PeerID]; ok {
			m.cleanup(e, nil)
		}

	case protocol.TypeClientDisconnected:
		// A peer leaving the network ends any call with it.
		delete(m.pendingOffers, msg.ID)
		if e, ok := m.calls[msg.ID]; ok {
			m.cleanup(e, nil)
		}

	case protocol.TypeError:
		log.Printf("Signaling error: %s", msg.Message)
	}
}

// pumpEvents forwards one session's events into the manager loop. It
// exits when the session closes or shutdown fires.
func (m *Manager) pumpEvents(peerID string, session Session) {
	for ev := range session.Events() {
		select {
		case m.events <- peerEvent{peerID: peerID, ev: ev}:
		case <-m.shutdown.Done():
			return
		}
	}
}

func (m *Manager) closeAll(failure error) {
	for _, e := range m.calls {
		m.cleanup(e, failure)
	}
	m.pendingOffers = make(map[string]string)
}

func (m *Manager) snapshot() Snapshot {
	snap := Snapshot{}
	if m.active != nil {
		snap.Active = m.active.peerID
	}
	for id, e := range m.calls {
		switch e.state {
		case callHeld:
			snap.Held = append(snap.Held, id)
		case callOffering, callRinging:
			snap.Pending = append(snap.Pending, id)
		}
	}
	for id := range m.pendingOffers {
		snap.IncomingOffer = append(snap.IncomingOffer, id)
	}
	return snap
}

func (m *Manager) notify(n Notification) {
	m.notices.Publish(n)
}
