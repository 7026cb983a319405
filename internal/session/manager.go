package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/termdeck/internal/logutil"
	"github.com/gluk-w/termdeck/internal/metrics"
)

// MaxInputMessageSize is the largest input accepted by Send (64 KB).
const MaxInputMessageSize = 64 * 1024

var (
	ErrDuplicateSession    = errors.New("session already exists")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotConnected = errors.New("session not connected")
	ErrInputTooLarge       = errors.New("input message too large")
)

// Options configures a Manager.
type Options struct {
	ScrollbackSize int
	Terminal       TerminalSink
	History        HistorySink
}

// Manager is the registry of live sessions. It opens transports, tracks each
// session through connecting, connected and disconnected, and routes inbound
// output to the scrollback and terminal sink and outbound input to the
// command history.
type Manager struct {
	opts    Options
	log     *zap.Logger
	tracker *stateTracker

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty manager.
func NewManager(opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		opts:     opts,
		log:      log.Named("session-mgr"),
		tracker:  newStateTracker(),
		sessions: make(map[string]*Session),
	}
	m.tracker.onChange(func(id string, from, to State) {
		metrics.RecordSessionTransition(string(from), string(to))
		m.log.Info("session state changed",
			zap.String("session", id), zap.String("from", string(from)), zap.String("to", string(to)))
	})
	return m
}

// OnStateChange registers cb for every state change. Callbacks run in
// registration order without any manager lock held.
func (m *Manager) OnStateChange(cb StateCallback) {
	m.tracker.onChange(cb)
}

// Open registers a session in the connecting state and opens its transport.
// An empty id is replaced by a random one. If id is taken the existing
// session is left untouched and ErrDuplicateSession is returned. If the
// factory fails the session is dropped again.
func (m *Manager) Open(ctx context.Context, id string, factory TransportFactory) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("open session %q: %w", id, ErrDuplicateSession)
	}
	s := &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		tracker:    m.tracker,
		scrollback: NewScrollback(m.opts.ScrollbackSize),
	}
	m.sessions[id] = s
	m.mu.Unlock()
	m.tracker.register(id)

	t, err := factory(ctx, m.handlers(s))
	if err != nil {
		m.log.Warn("transport failed to open", zap.String("session", id), zap.Error(err))
		m.teardown(s)
		return nil, fmt.Errorf("open transport for session %s: %w", id, err)
	}
	if !s.attach(t) {
		// The transport ended before the factory returned.
		_ = t.Close()
	}

	m.log.Info("opened session", zap.String("session", id))
	return s, nil
}

func (m *Manager) handlers(s *Session) Handlers {
	return Handlers{
		OnMessage: func(data []byte) {
			metrics.RecordSessionBytes("in", len(data))
			s.scrollback.Write(data)
			if m.opts.Terminal != nil {
				m.opts.Terminal.WriteOutput(s.ID, data)
			}
			// The remote side is only usable once it has said something.
			m.tracker.advance(s.ID, StateConnected)
		},
		OnClose: func() {
			m.disconnect(s, nil)
		},
		OnError: func(err error) {
			m.disconnect(s, err)
		},
	}
}

// disconnect handles the transport going away on its own. The session stays
// registered until Remove or Close.
func (m *Manager) disconnect(s *Session, cause error) {
	t, first := s.end()
	if !first {
		return
	}
	if t != nil {
		_ = t.Close()
	}
	if cause != nil {
		m.log.Warn("session transport failed", zap.String("session", s.ID), zap.Error(cause))
	} else {
		m.log.Info("session transport closed", zap.String("session", s.ID))
	}
	s.scrollback.Close()
	m.tracker.advance(s.ID, StateDisconnected)
}

// Send writes data to the session's transport and feeds it to the command
// capture. Completed commands go to the history sink.
func (m *Manager) Send(ctx context.Context, id string, data []byte) error {
	if len(data) > MaxInputMessageSize {
		return fmt.Errorf("send to session %s: %d bytes: %w", id, len(data), ErrInputTooLarge)
	}
	s := m.Get(id)
	if s == nil {
		return fmt.Errorf("send to session %s: %w", id, ErrSessionNotFound)
	}

	s.sendMu.Lock()
	t, open := s.openTransport()
	if !open || s.State() == StateDisconnected {
		s.sendMu.Unlock()
		return fmt.Errorf("send to session %s: %w", id, ErrSessionNotConnected)
	}
	if err := t.Send(ctx, data); err != nil {
		s.sendMu.Unlock()
		return fmt.Errorf("send to session %s: %w", id, err)
	}
	commands := s.capture.Feed(data)
	s.sendMu.Unlock()

	metrics.RecordSessionBytes("out", len(data))
	for _, cmd := range commands {
		metrics.RecordCommandCaptured()
		m.log.Debug("captured command", zap.String("session", id), zap.String("command", logutil.SanitizeForLog(cmd)))
		if m.opts.History != nil {
			m.opts.History.RecordCommand(id, cmd)
		}
	}
	return nil
}

// Close tears down the session and removes it. Closing an unknown or already
// closed session is a no-op.
func (m *Manager) Close(id string) error {
	s := m.Get(id)
	if s == nil {
		return nil
	}
	m.teardown(s)
	m.log.Info("closed session", zap.String("session", id))
	return nil
}

// Remove drops a session from the registry, closing its transport if it is
// still open. It is how the UI acknowledges a disconnected session.
func (m *Manager) Remove(id string) error {
	s := m.Get(id)
	if s == nil {
		return fmt.Errorf("remove session %s: %w", id, ErrSessionNotFound)
	}
	m.teardown(s)
	return nil
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	for _, s := range m.List() {
		m.teardown(s)
	}
}

func (m *Manager) teardown(s *Session) {
	m.disconnect(s, nil)

	// The tracker state goes with the registry entry so an Open reusing the
	// id never sees it.
	var last State
	var tracked bool
	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
		last, tracked = m.tracker.remove(s.ID)
	}
	m.mu.Unlock()

	if tracked {
		metrics.RecordSessionTransition(string(last), "")
	}
}

// Get returns the session with id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List returns all sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// State returns the state of session id.
func (m *Manager) State(id string) (State, bool) {
	return m.tracker.get(id)
}

// Transitions returns the recorded state history of session id.
func (m *Manager) Transitions(id string) []Transition {
	return m.tracker.history(id)
}
