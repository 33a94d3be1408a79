package collector

import (
	"sync"
	"sync/atomic"
)

// Signals carries the shutdown and fault flags shared by the receive loop
// and the coordinator. Setting a flag is idempotent; a fault always implies
// a shutdown.
type Signals struct {
	shutdown atomic.Bool
	fault    atomic.Bool
	once     sync.Once
	done     chan struct{}
}

func NewSignals() *Signals {
	return &Signals{done: make(chan struct{})}
}

// Shutdown requests a cooperative stop.
func (s *Signals) Shutdown() {
	s.shutdown.Store(true)
	s.once.Do(func() { close(s.done) })
}

// Fault records a hard failure and requests a stop.
func (s *Signals) Fault() {
	s.fault.Store(true)
	s.Shutdown()
}

func (s *Signals) IsShutdown() bool { return s.shutdown.Load() }
func (s *Signals) IsFault() bool    { return s.fault.Load() }

// Done is closed once a shutdown has been requested.
func (s *Signals) Done() <-chan struct{} { return s.done }
