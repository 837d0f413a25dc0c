package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/airband/config"
	"github.com/mossy-p/airband/internal/audio"
)

const (
	audioChannelLabel = "audio"
	eventBufferSize   = 32
)

// PionEngine creates WebRTC-backed media sessions.
type PionEngine struct {
	rtcConfig webrtc.Configuration
}

func NewPionEngine(cfg config.WebRTCConfig) *PionEngine {
	rtcConfig := webrtc.Configuration{}
	for _, url := range cfg.ICEServers {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}
	return &PionEngine{rtcConfig: rtcConfig}
}

func (e *PionEngine) NewSession(_ context.Context) (Session, error) {
	pc, err := webrtc.NewPeerConnection(e.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &pionSession{
		pc:     pc,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		dcOpen: make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.emit(Event{Kind: EventConnectionState, State: mapConnectionState(s)})
	})

	// Trickle ICE: each candidate goes out over signaling as gathered.
	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return
		}
		data, err := json.Marshal(ic.ToJSON())
		if err != nil {
			p.emit(Event{Kind: EventError, Err: fmt.Errorf("marshal ICE candidate: %w", err)})
			return
		}
		p.emit(Event{Kind: EventICECandidate, Candidate: string(data)})
	})

	// Answering side receives the audio channel from the offerer.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != audioChannelLabel {
			return
		}
		p.adoptChannel(dc)
	})

	return p, nil
}

// pionSession moves encoded audio frames over a WebRTC data channel.
type pionSession struct {
	pc     *webrtc.PeerConnection
	events chan Event

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	output chan<- audio.Frame

	dcOpen    chan struct{}
	dcOpenOne sync.Once

	done     chan struct{}
	doneOnce sync.Once

	// emitMu serializes emit against Close so no callback can write
	// to a closed events channel.
	emitMu sync.RWMutex
	closed bool
}

func (p *pionSession) CreateOffer(_ context.Context) (string, error) {
	dc, err := p.pc.CreateDataChannel(audioChannelLabel, nil)
	if err != nil {
		return "", fmt.Errorf("create data channel: %w", err)
	}
	p.adoptChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionSession) HandleOffer(_ context.Context, sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionSession) HandleAnswer(_ context.Context, sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *pionSession) AddRemoteICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		// Older peers send the bare candidate string.
		init = webrtc.ICECandidateInit{Candidate: candidate}
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (p *pionSession) Start(input <-chan audio.Frame, output chan<- audio.Frame) error {
	p.mu.Lock()
	p.output = output
	p.mu.Unlock()

	// On the answering side the audio channel is announced by the
	// remote peer and may not have arrived yet when the connection
	// reports itself up, so the channel is resolved after its open
	// event instead of here.
	go func() {
		select {
		case <-p.dcOpen:
		case <-p.done:
			return
		}
		p.mu.Lock()
		dc := p.dc
		p.mu.Unlock()
		for {
			select {
			case frame, ok := <-input:
				if !ok {
					return
				}
				if err := dc.Send(frame); err != nil {
					p.emit(Event{Kind: EventError, Err: fmt.Errorf("send frame: %w", err)})
					return
				}
			case <-p.done:
				return
			}
		}
	}()
	return nil
}

func (p *pionSession) Close() error {
	var err error
	p.doneOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()

		p.emitMu.Lock()
		p.closed = true
		close(p.events)
		p.emitMu.Unlock()
	})
	return err
}

func (p *pionSession) Events() <-chan Event {
	return p.events
}

func (p *pionSession) adoptChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.dcOpenOne.Do(func() { close(p.dcOpen) })
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		output := p.output
		p.mu.Unlock()
		if output == nil {
			return
		}
		select {
		case output <- audio.Frame(msg.Data):
		default:
			// The audio side is behind; a dropped frame beats a
			// stalled data channel.
		}
	})
}

// emit never blocks the pion callback goroutines. A full event buffer
// drops the event with a warning.
func (p *pionSession) emit(ev Event) {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()

	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		log.Printf("Media event buffer full, dropping %v event", ev.Kind)
	}
}

func mapConnectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateConnecting
	}
}
