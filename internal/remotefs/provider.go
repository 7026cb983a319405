package remotefs

import (
	"context"
	"fmt"
	"sync"
)

// ListOptions tunes a directory listing.
type ListOptions struct {
	ShowHidden bool
}

// Lister is the read side of a Provider. The cache depends only on this.
type Lister interface {
	List(ctx context.Context, sessionID, dir string, opts ListOptions) ([]Descriptor, error)
}

// Provider lists and mutates a remote filesystem on behalf of a session.
// Implementations return listings in canonical order and report failures as
// *ProviderError.
type Provider interface {
	Lister
	Create(ctx context.Context, sessionID, p string, isDir bool) error
	Delete(ctx context.Context, sessionID, p string) error
	Rename(ctx context.Context, sessionID, oldPath, newPath string) error
	Copy(ctx context.Context, sessionID, src, dst string) error
}

// Mux routes each session to the backend registered for it. Sessions without
// a backend are reported as not ready, since their transport may still be
// coming up.
type Mux struct {
	mu       sync.RWMutex
	backends map[string]Provider
}

// NewMux creates an empty router.
func NewMux() *Mux {
	return &Mux{backends: make(map[string]Provider)}
}

// Register installs p as the backend for sessionID, replacing any previous one.
func (m *Mux) Register(sessionID string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[sessionID] = p
}

// Unregister removes the backend for sessionID.
func (m *Mux) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backends, sessionID)
}

func (m *Mux) backend(op, sessionID string) (Provider, error) {
	m.mu.RLock()
	p, ok := m.backends[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, &ProviderError{Op: op, SessionID: sessionID, Err: fmt.Errorf("no file backend: %w", ErrNotReady)}
	}
	return p, nil
}

func (m *Mux) List(ctx context.Context, sessionID, dir string, opts ListOptions) ([]Descriptor, error) {
	p, err := m.backend("list", sessionID)
	if err != nil {
		return nil, err
	}
	return p.List(ctx, sessionID, dir, opts)
}

func (m *Mux) Create(ctx context.Context, sessionID, path string, isDir bool) error {
	p, err := m.backend("create", sessionID)
	if err != nil {
		return err
	}
	return p.Create(ctx, sessionID, path, isDir)
}

func (m *Mux) Delete(ctx context.Context, sessionID, path string) error {
	p, err := m.backend("delete", sessionID)
	if err != nil {
		return err
	}
	return p.Delete(ctx, sessionID, path)
}

func (m *Mux) Rename(ctx context.Context, sessionID, oldPath, newPath string) error {
	p, err := m.backend("rename", sessionID)
	if err != nil {
		return err
	}
	return p.Rename(ctx, sessionID, oldPath, newPath)
}

func (m *Mux) Copy(ctx context.Context, sessionID, src, dst string) error {
	p, err := m.backend("copy", sessionID)
	if err != nil {
		return err
	}
	return p.Copy(ctx, sessionID, src, dst)
}
