package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterFansOut(t *testing.T) {
	b := NewBroadcaster[int](8)
	defer b.Close()

	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, 1, <-a.C())
	assert.Equal(t, 2, <-a.C())
	assert.Equal(t, 1, <-c.C())
	assert.Equal(t, 2, <-c.C())
}

func TestBroadcasterDropsOldestForLaggard(t *testing.T) {
	b := NewBroadcaster[int](2)
	defer b.Close()

	sub := b.Subscribe()

	// Nobody reads; the two oldest values get evicted.
	for i := 1; i <= 4; i++ {
		b.Publish(i)
	}

	assert.Equal(t, uint64(2), sub.Missed())
	assert.Equal(t, 3, <-sub.C())
	assert.Equal(t, 4, <-sub.C())
}

func TestBroadcasterPublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster[int](1)
	defer b.Close()

	_ = b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBroadcasterCloseEndsSubscriptions(t *testing.T) {
	b := NewBroadcaster[string](4)
	sub := b.Subscribe()

	b.Publish("last")
	b.Close()

	// Buffered value still readable, then the channel closes.
	v, ok := <-sub.C()
	require.True(t, ok)
	assert.Equal(t, "last", v)

	_, ok = <-sub.C()
	assert.False(t, ok)

	// Subscribing after close yields a closed stream.
	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestSubscriptionCancel(t *testing.T) {
	b := NewBroadcaster[int](4)
	defer b.Close()

	sub := b.Subscribe()
	sub.Cancel()

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Cancelled subscribers no longer receive.
	b.Publish(1)
}

func TestShutdownIsIdempotentOneShot(t *testing.T) {
	s := NewShutdown()
	assert.False(t, s.Fired())

	s.Fire()
	s.Fire()

	assert.True(t, s.Fired())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done channel not closed after Fire")
	}
}
