package session

import (
	"context"
	"sync"
	"time"
)

// Transport is the outbound half of a duplex byte channel.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Handlers receive inbound events from a transport. OnMessage takes
// ownership of data. OnClose and OnError may be called more than once; only
// the first call has an effect.
type Handlers struct {
	OnMessage func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

// TransportFactory opens the transport of a new session and wires h to its
// inbound events. The transport is considered open once the factory returns.
type TransportFactory func(ctx context.Context, h Handlers) (Transport, error)

// TerminalSink displays session output.
type TerminalSink interface {
	WriteOutput(sessionID string, data []byte)
}

// HistorySink stores completed commands.
type HistorySink interface {
	RecordCommand(sessionID, command string)
}

// Session is one remote interactive channel.
type Session struct {
	ID        string
	CreatedAt time.Time

	tracker    *stateTracker
	scrollback *Scrollback

	mu            sync.Mutex
	transport     Transport
	transportOpen bool
	ended         bool

	// sendMu keeps transport writes and capture in the same order.
	sendMu  sync.Mutex
	capture CommandCapture
}

// State returns the current state. A session removed from its manager
// reports disconnected.
func (s *Session) State() State {
	st, ok := s.tracker.get(s.ID)
	if !ok {
		return StateDisconnected
	}
	return st
}

// Output returns the retained terminal output.
func (s *Session) Output() []byte {
	return s.scrollback.Snapshot()
}

// Scrollback exposes the output buffer so a terminal can follow it.
func (s *Session) Scrollback() *Scrollback {
	return s.scrollback
}

// PendingInput returns what has been typed since the last captured command.
func (s *Session) PendingInput() string {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.capture.Pending()
}

// TransportOpen reports whether input can be sent.
func (s *Session) TransportOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportOpen
}

// attach stores the transport returned by the factory. It reports false when
// the transport already ended while the factory was running.
func (s *Session) attach(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.transport = t
	s.transportOpen = true
	return true
}

// end marks the transport as gone and returns it if it still needs closing.
// Only the first call returns true.
func (s *Session) end() (Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, false
	}
	s.ended = true
	s.transportOpen = false
	t := s.transport
	s.transport = nil
	return t, true
}

func (s *Session) openTransport() (Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport, s.transportOpen
}
