package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/airband/internal/audio"
)

// On the answering side the remote peer announces the audio channel,
// which can land after the connection is already reported up. Start must
// tolerate the channel not being adopted yet.
func TestPionSessionStartBeforeChannelAdopted(t *testing.T) {
	p := &pionSession{
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		dcOpen: make(chan struct{}),
	}

	input := make(chan audio.Frame)
	output := make(chan audio.Frame, 1)
	require.NoError(t, p.Start(input, output))

	p.mu.Lock()
	assert.Nil(t, p.dc, "no channel adopted yet, Start must still succeed")
	p.mu.Unlock()

	// The sender goroutine waits for the channel to open and exits
	// cleanly on teardown without ever having seen one.
	close(p.done)
}

func TestPionSessionEmitAfterCloseIsDropped(t *testing.T) {
	p := &pionSession{
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		dcOpen: make(chan struct{}),
	}

	close(p.done)
	p.emitMu.Lock()
	p.closed = true
	close(p.events)
	p.emitMu.Unlock()

	// Late callbacks must not panic on the closed events channel.
	p.emit(Event{Kind: EventConnectionState, State: StateClosed})

	_, ok := <-p.events
	assert.False(t, ok)
}
