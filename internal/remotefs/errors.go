package remotefs

import (
	"errors"
	"fmt"
	"strings"
)

// NotReadyPhrase is the reason fragment remote backends use when the session
// exists but its shell side is not yet able to serve filesystem requests.
const NotReadyPhrase = "not ready"

// ErrNotReady is returned when a session's remote counterpart cannot serve
// requests yet. It is the only provider failure worth retrying.
var ErrNotReady = errors.New("remote session not ready")

// ProviderError is a failed remote listing or mutation.
type ProviderError struct {
	Op        string // list, create, delete, rename, copy
	SessionID string
	Path      string
	Reason    string
	Err       error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", e.SessionID)
	}
	b.WriteString(": ")
	switch {
	case e.Reason != "":
		b.WriteString(e.Reason)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("failed")
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a ProviderError from a remote reason string. Reasons
// that mention NotReadyPhrase wrap ErrNotReady.
func NewProviderError(op, sessionID, p, reason string) *ProviderError {
	pe := &ProviderError{Op: op, SessionID: sessionID, Path: p, Reason: strings.TrimSpace(reason)}
	if strings.Contains(strings.ToLower(pe.Reason), NotReadyPhrase) {
		pe.Err = ErrNotReady
	}
	return pe
}

// WrapError attaches operation context to err. It returns nil for nil and
// leaves existing ProviderErrors untouched.
func WrapError(op, sessionID, p string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, SessionID: sessionID, Path: p, Err: err}
}

// IsNotReady reports whether err means "retry later".
func IsNotReady(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotReady) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return strings.Contains(strings.ToLower(pe.Reason), NotReadyPhrase)
	}
	return false
}
