// Package audio defines the contract between the call layer and the
// surrounding application's audio engine. Capture, mixing, DSP, and the
// Opus pipeline live outside this repository; the call layer only hands
// encoded frames across channel ends.
package audio

import "sync"

// Frame is one encoded audio frame, opaque to the call layer.
type Frame []byte

// InputConfig selects and scales the capture device.
type InputConfig struct {
	Device string
	Volume float64
	Gain   float64
}

// Manager attaches the foreground call's audio to the local device
// pair. AttachCallOutput receives inbound frames to decode and play;
// AttachInputDevice produces captured frames onto the given channel.
// Both detach calls must happen before the call entry is dropped.
type Manager interface {
	AttachCallOutput(frames <-chan Frame, volume, gain float64) error
	AttachInputDevice(cfg InputConfig, frames chan<- Frame) error
	DetachCallOutput()
	DetachInputDevice()
}

// NopManager satisfies Manager without touching any device. Used by the
// reference client and as a base for test doubles.
type NopManager struct {
	mu             sync.Mutex
	outputAttached bool
	inputAttached  bool
}

func (m *NopManager) AttachCallOutput(frames <-chan Frame, volume, gain float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputAttached = true

	// Drain so the producer never backs up.
	go func() {
		for range frames {
		}
	}()
	return nil
}

func (m *NopManager) AttachInputDevice(cfg InputConfig, frames chan<- Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputAttached = true
	return nil
}

func (m *NopManager) DetachCallOutput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputAttached = false
}

func (m *NopManager) DetachInputDevice() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputAttached = false
}
