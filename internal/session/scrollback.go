package session

import "sync"

// DefaultScrollbackSize is the default scrollback capacity (1 MB).
const DefaultScrollbackSize = 1024 * 1024

// Scrollback keeps the most recent output of a session so a terminal that
// attaches late can replay it. Writes past the capacity drop the oldest bytes.
type Scrollback struct {
	mu      sync.Mutex
	data    []byte
	maxLen  int
	written int64
	closed  bool
	notify  chan struct{}
}

// NewScrollback creates a buffer holding at most maxLen bytes. If maxLen <= 0,
// DefaultScrollbackSize is used.
func NewScrollback(maxLen int) *Scrollback {
	if maxLen <= 0 {
		maxLen = DefaultScrollbackSize
	}
	return &Scrollback{maxLen: maxLen, notify: make(chan struct{}, 1)}
}

// Write appends p and wakes a waiting reader. Writes after Close are dropped.
func (s *Scrollback) Write(p []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.written += int64(len(p))
	if len(p) >= s.maxLen {
		s.data = append(s.data[:0], p[len(p)-s.maxLen:]...)
	} else {
		s.data = append(s.data, p...)
		if over := len(s.data) - s.maxLen; over > 0 {
			s.data = append(s.data[:0], s.data[over:]...)
		}
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Scrollback) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting output and wakes a waiting reader.
func (s *Scrollback) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Snapshot returns a copy of the retained output.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the number of retained bytes.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Written returns the total number of bytes ever written, including dropped
// ones.
func (s *Scrollback) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Scrollback) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Notify is signalled after writes and on Close.
func (s *Scrollback) Notify() <-chan struct{} {
	return s.notify
}
