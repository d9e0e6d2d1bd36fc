package state

import (
	"fmt"
	"sync"
)

type Mode int

const (
	ModeLive Mode = iota
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeManual:
		return "manual"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Snapshot is a consistent view of both fields taken under one lock.
type Snapshot struct {
	Mode         Mode
	Transmitting bool
}

// AutoCaptureAllowed is the periodic trigger's gate.
func (s Snapshot) AutoCaptureAllowed() bool {
	return s.Mode == ModeLive && s.Transmitting
}

func (s Snapshot) String() string {
	return fmt.Sprintf("mode=%s transmitting=%t", s.Mode, s.Transmitting)
}

// Observer is called after a transition that changed state, outside the lock.
type Observer func(prev, next Snapshot, cause string)

// Machine owns the operating mode and the transmission flag. Every read and
// write goes through mu so that a snapshot is never torn.
type Machine struct {
	mu        sync.Mutex
	cur       Snapshot
	observers []Observer
}

// New starts in Live mode with transmission disabled.
func New() *Machine {
	return &Machine{cur: Snapshot{Mode: ModeLive, Transmitting: false}}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Observe registers fn for every subsequent change.
func (m *Machine) Observe(fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Machine) ToggleTransmission() Snapshot {
	return m.apply("toggle transmission", func(s *Snapshot) { s.Transmitting = !s.Transmitting })
}

func (m *Machine) ToggleMode() Snapshot {
	return m.apply("toggle mode", func(s *Snapshot) {
		if s.Mode == ModeLive {
			s.Mode = ModeManual
		} else {
			s.Mode = ModeLive
		}
	})
}

// SetMode is the remote command path. It reports whether the mode changed, so
// a repeated command is a no-op.
func (m *Machine) SetMode(mode Mode, cause string) (Snapshot, bool) {
	m.mu.Lock()
	prev := m.cur
	if prev.Mode == mode {
		m.mu.Unlock()
		return prev, false
	}
	m.cur.Mode = mode
	next := m.cur
	observers := m.observers
	m.mu.Unlock()

	notify(observers, prev, next, cause)
	return next, true
}

// SetTransmitting sets the flag explicitly, for hosts that track it themselves.
func (m *Machine) SetTransmitting(on bool, cause string) (Snapshot, bool) {
	m.mu.Lock()
	prev := m.cur
	if prev.Transmitting == on {
		m.mu.Unlock()
		return prev, false
	}
	m.cur.Transmitting = on
	next := m.cur
	observers := m.observers
	m.mu.Unlock()

	notify(observers, prev, next, cause)
	return next, true
}

func (m *Machine) apply(cause string, fn func(*Snapshot)) Snapshot {
	m.mu.Lock()
	prev := m.cur
	fn(&m.cur)
	next := m.cur
	observers := m.observers
	m.mu.Unlock()

	notify(observers, prev, next, cause)
	return next
}

func notify(observers []Observer, prev, next Snapshot, cause string) {
	if prev == next {
		return
	}
	for _, fn := range observers {
		fn(prev, next, cause)
	}
}
