package detector

import "sync"

// State is a detector lifecycle state.
type State int

// Lifecycle states.
const (
	StateIdle State = iota
	StateListening
	StateStopped
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Lifecycle is the idle → listening → stopped state machine shared by
// detectors. Stopped detectors may listen again; terminated is final.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// Start moves to listening. It returns false only once terminated;
// starting while already listening is a successful no-op.
func (l *Lifecycle) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateTerminated {
		return false
	}
	l.state = StateListening
	return true
}

// Stop moves a listening detector to stopped and reports whether it was
// listening.
func (l *Lifecycle) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateListening {
		return false
	}
	l.state = StateStopped
	return true
}

// Terminate moves to the final state and reports whether this call did it.
func (l *Lifecycle) Terminate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateTerminated {
		return false
	}
	l.state = StateTerminated
	return true
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsListening reports whether the state is listening.
func (l *Lifecycle) IsListening() bool {
	return l.State() == StateListening
}
