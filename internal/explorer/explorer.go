// Package explorer is the single dispatcher between the UI, the directory
// cache and the file provider. It owns the viewed location, retries loads
// while a session's remote side is still starting, and runs optimistic
// mutations with confirm or rollback.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/termdeck/internal/logutil"
	"github.com/gluk-w/termdeck/internal/remotefs"
	"github.com/gluk-w/termdeck/internal/rescache"
	"github.com/gluk-w/termdeck/internal/retry"
	"github.com/gluk-w/termdeck/internal/session"
)

var (
	ErrNothingViewed = errors.New("no location is being viewed")
	ErrInvalidName   = errors.New("invalid file name")
)

// Options configures an Explorer.
type Options struct {
	Policy retry.Policy
	// Now stamps optimistic entries. Defaults to time.Now.
	Now func() time.Time
}

// Explorer is constructed once at startup and registers itself as the
// cache's viewer.
type Explorer struct {
	cache  *rescache.Cache
	fs     remotefs.Provider
	policy retry.Policy
	now    func() time.Time
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	view     rescache.Key
	viewing  bool
	homes    map[string]string
	listener rescache.Listener
}

// New creates an explorer over cache and fs.
func New(cache *rescache.Cache, fs remotefs.Provider, opts Options, log *zap.Logger) *Explorer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Explorer{
		cache:  cache,
		fs:     fs,
		policy: opts.Policy,
		now:    opts.Now,
		log:    log.Named("explorer"),
		ctx:    ctx,
		cancel: cancel,
		homes:  make(map[string]string),
	}
	cache.SetViewer(e.Viewed)
	return e
}

// SetListener installs the render callback on the explorer and the cache.
func (e *Explorer) SetListener(l rescache.Listener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
	e.cache.SetListener(l)
}

// SetHome records the directory opened when sessionID connects.
func (e *Explorer) SetHome(sessionID, home string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.homes[sessionID] = remotefs.CleanPath(home)
}

// Home returns the home directory of sessionID, "/" if none was set.
func (e *Explorer) Home(sessionID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := e.homes[sessionID]; ok {
		return h
	}
	return "/"
}

// Viewed returns the location on screen.
func (e *Explorer) Viewed() (rescache.Key, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view, e.viewing
}

// setView makes key the view and returns the one it replaced.
func (e *Explorer) setView(key rescache.Key) (rescache.Key, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, had := e.view, e.viewing
	e.view, e.viewing = key, true
	return prev, had
}

// restoreView puts prev back unless the view moved away from key meanwhile.
func (e *Explorer) restoreView(key, prev rescache.Key, had bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.viewing && e.view == key {
		e.view, e.viewing = prev, had
	}
}

func (e *Explorer) render(key rescache.Key, data []remotefs.Descriptor) {
	e.mu.RLock()
	l := e.listener
	viewed := e.viewing && e.view == key
	e.mu.RUnlock()
	if l != nil && viewed {
		l.Render(key, data)
	}
}

// load runs GetOrLoad through the retry policy, retrying only not-ready
// failures.
func (e *Explorer) load(ctx context.Context, key rescache.Key) ([]remotefs.Descriptor, error) {
	policy := e.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		e.log.Info("session not ready, retrying",
			zap.String("session", key.SessionID),
			zap.String("path", logutil.SanitizeForLog(key.Path)),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait))
	}
	return retry.DoValue(ctx, policy, func(ctx context.Context) ([]remotefs.Descriptor, error) {
		return e.cache.GetOrLoad(ctx, key.SessionID, key.Path)
	}, remotefs.IsNotReady)
}

// Open makes path the viewed location, loads it and renders it. If the load
// fails for any reason other than the location not being ready, the previous
// view is restored.
func (e *Explorer) Open(ctx context.Context, sessionID, path string) ([]remotefs.Descriptor, error) {
	key := rescache.NewKey(sessionID, path)
	prev, had := e.setView(key)

	data, err := e.load(ctx, key)
	if err != nil {
		// A location that is merely not ready yet stays on screen so the
		// next revalidation can fill it in.
		if !remotefs.IsNotReady(err) {
			e.restoreView(key, prev, had)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	e.render(key, data)
	return data, nil
}

// Refresh refetches the viewed location and renders it.
func (e *Explorer) Refresh(ctx context.Context) ([]remotefs.Descriptor, error) {
	key, ok := e.Viewed()
	if !ok {
		return nil, ErrNothingViewed
	}
	data, err := e.cache.Refresh(ctx, key.SessionID, key.Path)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", key, err)
	}
	e.render(key, data)
	return data, nil
}

// RevalidateView revalidates the viewed location in the background. It does
// nothing when no location is viewed.
func (e *Explorer) RevalidateView() {
	if key, ok := e.Viewed(); ok {
		e.cache.RevalidateInBackground(key.SessionID, key.Path)
	}
}

// CreateFile creates an empty file named name in parent.
func (e *Explorer) CreateFile(ctx context.Context, sessionID, parent, name string) error {
	return e.create(ctx, sessionID, parent, name, false)
}

// CreateDir creates a directory named name in parent.
func (e *Explorer) CreateDir(ctx context.Context, sessionID, parent, name string) error {
	return e.create(ctx, sessionID, parent, name, true)
}

func (e *Explorer) create(ctx context.Context, sessionID, parent, name string, isDir bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	parent = remotefs.CleanPath(parent)
	p := remotefs.Join(parent, name)

	e.cache.OptimisticCreate(sessionID, parent, remotefs.Descriptor{
		Name:    name,
		Path:    p,
		IsDir:   isDir,
		ModTime: e.now(),
	})
	if err := e.fs.Create(ctx, sessionID, p, isDir); err != nil {
		e.rollback(ctx, sessionID, parent, err)
		return fmt.Errorf("create %s: %w", p, err)
	}
	e.cache.RevalidateInBackground(sessionID, parent)
	return nil
}

// Delete removes path and everything below it.
func (e *Explorer) Delete(ctx context.Context, sessionID, path string) error {
	path = remotefs.CleanPath(path)
	if path == "/" {
		return fmt.Errorf("delete /: %w", ErrInvalidName)
	}
	parent := remotefs.Parent(path)

	e.cache.OptimisticDelete(sessionID, parent, path)
	if err := e.fs.Delete(ctx, sessionID, path); err != nil {
		e.rollback(ctx, sessionID, parent, err)
		return fmt.Errorf("delete %s: %w", path, err)
	}
	e.follow(sessionID, path, func(string) string { return parent })
	return nil
}

// Rename gives oldPath the new name newName within the same directory.
func (e *Explorer) Rename(ctx context.Context, sessionID, oldPath, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}
	oldPath = remotefs.CleanPath(oldPath)
	parent := remotefs.Parent(oldPath)
	newPath := remotefs.Join(parent, newName)
	if newPath == oldPath {
		return nil
	}

	e.cache.OptimisticRename(sessionID, parent, oldPath, newPath, newName)
	if err := e.fs.Rename(ctx, sessionID, oldPath, newPath); err != nil {
		e.rollback(ctx, sessionID, parent, err)
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	e.follow(sessionID, oldPath, func(v string) string {
		return newPath + strings.TrimPrefix(v, oldPath)
	})
	return nil
}

// Copy copies src to dst. There is no optimistic step; the destination
// directory is revalidated once the copy succeeded.
func (e *Explorer) Copy(ctx context.Context, sessionID, src, dst string) error {
	src, dst = remotefs.CleanPath(src), remotefs.CleanPath(dst)
	if err := e.fs.Copy(ctx, sessionID, src, dst); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	e.cache.RevalidateInBackground(sessionID, remotefs.Parent(dst))
	return nil
}

// rollback restores the cached listing of parent after a failed mutation.
func (e *Explorer) rollback(ctx context.Context, sessionID, parent string, cause error) {
	e.log.Warn("mutation failed, rolling back",
		zap.String("session", sessionID),
		zap.String("path", logutil.SanitizeForLog(parent)),
		zap.Error(cause))
	if err := e.cache.Rollback(ctx, sessionID, parent); err != nil {
		e.log.Warn("rollback refetch failed",
			zap.String("session", sessionID),
			zap.String("path", logutil.SanitizeForLog(parent)),
			zap.Error(err))
	}
}

// follow re-points the view when it was at or below gone and opens the new
// location. to maps the old view path to the new one.
func (e *Explorer) follow(sessionID, gone string, to func(viewPath string) string) {
	e.mu.Lock()
	moved := e.viewing && e.view.SessionID == sessionID &&
		(e.view.Path == gone || strings.HasPrefix(e.view.Path, gone+"/"))
	if moved {
		e.view = rescache.NewKey(sessionID, to(e.view.Path))
	}
	key := e.view
	e.mu.Unlock()

	if moved {
		e.goOpen(key, true)
	}
}

// SessionStateChanged follows session state. A connected session gets its
// home directory loaded: opened when nothing is on screen, otherwise only
// warmed in the cache. A disconnected session loses its cached listings and,
// if it was on screen, the view.
func (e *Explorer) SessionStateChanged(id string, from, to session.State) {
	switch to {
	case session.StateConnected:
		e.mu.RLock()
		viewing := e.viewing
		e.mu.RUnlock()
		e.goOpen(rescache.NewKey(id, e.Home(id)), !viewing)

	case session.StateDisconnected:
		e.cache.ClearForSession(id)
		e.mu.Lock()
		if e.viewing && e.view.SessionID == id {
			e.view, e.viewing = rescache.Key{}, false
		}
		e.mu.Unlock()
	}
}

// goOpen loads key in the background, making it the view when show is set.
func (e *Explorer) goOpen(key rescache.Key, show bool) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		var err error
		if show {
			_, err = e.Open(e.ctx, key.SessionID, key.Path)
		} else {
			_, err = e.load(e.ctx, key)
		}
		if err != nil && e.ctx.Err() == nil {
			e.log.Warn("background open failed",
				zap.String("session", key.SessionID),
				zap.String("path", logutil.SanitizeForLog(key.Path)),
				zap.Error(err))
		}
	}()
}

// Wait blocks until background opens finish.
func (e *Explorer) Wait() {
	e.wg.Wait()
}

// Close cancels background opens and waits for them.
func (e *Explorer) Close() {
	e.cancel()
	e.wg.Wait()
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}
