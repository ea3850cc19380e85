// internal/worker/signal.go
package worker

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Signal is a boolean notification that fires once and stays set until
// Reset. Waiters select on Done().
type Signal struct {
	mu    sync.Mutex
	set   bool
	ch    chan struct{}
	fires atomic.Int64
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set fires the signal. It reports whether this call changed the state.
func (s *Signal) Set() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return false
	}
	s.set = true
	close(s.ch)
	s.fires.Inc()
	return true
}

// Reset re-arms a fired signal.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return
	}
	s.set = false
	s.ch = make(chan struct{})
}

// IsSet reports whether the signal has fired since the last Reset.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed when the signal fires. After a Reset a new
// channel is handed out, so callers must re-fetch it.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the signal fires or ctx ends.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fires counts unset-to-set transitions over the signal's lifetime.
func (s *Signal) Fires() int64 {
	return s.fires.Load()
}

// Signals groups the three notifications a worker produces. The owner
// creates them and hands references to the worker.
type Signals struct {
	NewMessage      *Signal
	CleanupComplete *Signal
	Error           *Signal
}

// NewSignals returns a set of unset signals.
func NewSignals() Signals {
	return Signals{
		NewMessage:      NewSignal(),
		CleanupComplete: NewSignal(),
		Error:           NewSignal(),
	}
}
