package session

import (
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the defined constants.
func (s State) IsValid() bool {
	switch s {
	case StateConnecting, StateConnected, StateDisconnected:
		return true
	default:
		return false
	}
}

func (s State) rank() int {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateDisconnected:
		return 3
	default:
		return 0
	}
}

// CanAdvance reports whether a session in s may move to next. States only
// move forward and disconnected is final.
func (s State) CanAdvance(next State) bool {
	return next.IsValid() && next.rank() > s.rank()
}

// Transition records a state change for debugging.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateCallback is called when a session changes state. A session that was
// just registered is reported with an empty from.
type StateCallback func(sessionID string, from, to State)

// maxTransitionsPerSession limits the stored transition history.
const maxTransitionsPerSession = 50

// stateTracker holds the state of every registered session together with its
// transition history, and fans changes out to callbacks.
type stateTracker struct {
	mu          sync.RWMutex
	states      map[string]State
	transitions map[string][]Transition
	callbacks   []StateCallback
	now         func() time.Time
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states:      make(map[string]State),
		transitions: make(map[string][]Transition),
		now:         time.Now,
	}
}

func (t *stateTracker) get(id string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id]
	return s, ok
}

// register starts tracking id in the connecting state. A disconnected
// leftover under the same id is replaced together with its history.
func (t *stateTracker) register(id string) bool {
	return t.change(id, func(cur State, ok bool) bool { return !ok || cur == StateDisconnected }, StateConnecting)
}

// advance moves id to next if that is a forward move. It reports whether the
// state changed.
func (t *stateTracker) advance(id string, next State) bool {
	return t.change(id, func(cur State, ok bool) bool { return ok && cur.CanAdvance(next) }, next)
}

func (t *stateTracker) change(id string, allowed func(cur State, ok bool) bool, next State) bool {
	t.mu.Lock()
	cur, ok := t.states[id]
	if !allowed(cur, ok) {
		t.mu.Unlock()
		return false
	}
	t.states[id] = next

	history := t.transitions[id]
	if next == StateConnecting {
		cur, history = "", nil
	}
	history = append(history, Transition{From: cur, To: next, Timestamp: t.now()})
	if len(history) > maxTransitionsPerSession {
		history = history[len(history)-maxTransitionsPerSession:]
	}
	t.transitions[id] = history

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	// Callbacks run outside the lock so they may query the manager.
	for _, cb := range cbs {
		cb(id, cur, next)
	}
	return true
}

// remove forgets id and its history, returning the last state.
func (t *stateTracker) remove(id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	delete(t.states, id)
	delete(t.transitions, id)
	return s, ok
}

func (t *stateTracker) history(id string) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transition, len(t.transitions[id]))
	copy(out, t.transitions[id])
	return out
}

func (t *stateTracker) onChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
