package detector

import "sync"

// StatusListener observes detector status changes. The listener is given
// the type of the detector whose status changed and must query the
// detector for its new state.
type StatusListener interface {
	DetectorStatusChanged(Type)
}

// StatusListenerFunc adapts a function to StatusListener.
type StatusListenerFunc func(Type)

// DetectorStatusChanged calls f(t).
func (f StatusListenerFunc) DetectorStatusChanged(t Type) { f(t) }

// Listeners is a set of StatusListeners. Notification iterates over a
// snapshot, so listeners may add or remove listeners while being notified.
type Listeners struct {
	mu     sync.Mutex
	nextID uint64
	items  []listenerEntry
}

type listenerEntry struct {
	id uint64
	l  StatusListener
}

// Add registers l and returns a function removing it again.
func (s *Listeners) Add(l StatusListener) (remove func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.items = append(s.items, listenerEntry{id: id, l: l})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Listeners) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.items {
		if e.id == id {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (s *Listeners) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Notify calls every registered listener with t on the calling goroutine.
func (s *Listeners) Notify(t Type) {
	s.mu.Lock()
	snapshot := make([]listenerEntry, len(s.items))
	copy(snapshot, s.items)
	s.mu.Unlock()

	for _, e := range snapshot {
		e.l.DetectorStatusChanged(t)
	}
}
