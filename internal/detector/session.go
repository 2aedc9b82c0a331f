package detector

import "sync"

// DefaultSessionRetain is how many flushed values a session keeps in
// memory by default.
const DefaultSessionRetain = 1024

// Session is the append-only buffer of formatted readings collected
// during one authorized session. Values are handed to the store in
// order and numbered by a sequence that never restarts, not even across
// Reset. Flushing advances a cursor; flushed values beyond the retain
// window are released.
type Session struct {
	mu      sync.Mutex
	values  []string
	flushed int // index into values
	base    int // sequence number of values[0]
	retain  int
}

// SetRetain sets how many flushed values stay in memory. A non-positive
// n restores DefaultSessionRetain.
func (s *Session) SetRetain(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retain = n
	s.trimLocked()
}

// Append adds v and returns the number of buffered values.
func (s *Session) Append(v string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, v)
	return len(s.values)
}

// Len returns the number of buffered values.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Seq returns the sequence number the next appended value gets.
func (s *Session) Seq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base + len(s.values)
}

// Peek returns the oldest buffered value.
func (s *Session) Peek() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return "", false
	}
	return s.values[0], true
}

// Last returns the newest value.
func (s *Session) Last() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return "", false
	}
	return s.values[len(s.values)-1], true
}

// Values returns a copy of every buffered value.
func (s *Session) Values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.values...)
}

// Pending returns the values not yet flushed and the sequence number of
// the first.
func (s *Session) Pending() (values []string, first int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.values[s.flushed:]...), s.base + s.flushed
}

// MarkFlushed records that every value numbered below end has been
// stored.
func (s *Session) MarkFlushed(end int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := end - s.base
	if idx > len(s.values) {
		idx = len(s.values)
	}
	if idx > s.flushed {
		s.flushed = idx
	}
	s.trimLocked()
}

// Reset empties the buffer. Numbering continues after the last value.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base += len(s.values)
	s.values = nil
	s.flushed = 0
}

func (s *Session) trimLocked() {
	retain := s.retain
	if retain <= 0 {
		retain = DefaultSessionRetain
	}
	drop := s.flushed - retain
	if drop <= 0 {
		return
	}
	// Copy so the dropped strings can be collected.
	s.values = append([]string(nil), s.values[drop:]...)
	s.flushed -= drop
	s.base += drop
}
