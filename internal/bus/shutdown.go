package bus

import "sync"

// Shutdown is a one-shot broadcast signal. Fire may be called any
// number of times from any goroutine; every holder of Done observes a
// single close. Long-lived loops select on Done so teardown is bounded
// even while they are blocked on I/O or channel waits.
type Shutdown struct {
	done chan struct{}
	once sync.Once
}

func NewShutdown() *Shutdown {
	return &Shutdown{done: make(chan struct{})}
}

// Fire closes the signal. Safe to call more than once.
func (s *Shutdown) Fire() {
	s.once.Do(func() { close(s.done) })
}

// Done returns the channel closed by Fire.
func (s *Shutdown) Done() <-chan struct{} {
	return s.done
}

// Fired reports whether Fire has been called.
func (s *Shutdown) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
