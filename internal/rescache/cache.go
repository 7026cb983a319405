// Package rescache keeps directory listings of remote sessions in memory and
// serves them stale-while-revalidate.
//
// A cached listing is returned immediately and refreshed in the background.
// Concurrent requests for the same uncached directory share one fetch.
// Mutations may be applied optimistically before the remote side confirms
// them and rolled back when it does not. After every foreground fetch the
// first few subdirectories are warmed by a PreloadScheduler.
//
// All cache state is guarded by one mutex. Listener and ViewFunc callbacks are
// never invoked with that mutex held.
package rescache

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/termdeck/internal/logutil"
	"github.com/gluk-w/termdeck/internal/metrics"
	"github.com/gluk-w/termdeck/internal/remotefs"
)

const (
	DefaultPreloadLimit       = 5
	DefaultPreloadConcurrency = 5
)

// ErrClosed is returned by loads issued after Close.
var ErrClosed = errors.New("resource cache closed")

// Key identifies one cached directory.
type Key struct {
	SessionID string
	Path      string
}

// NewKey builds a Key with a cleaned absolute path.
func NewKey(sessionID, p string) Key {
	return Key{SessionID: sessionID, Path: remotefs.CleanPath(p)}
}

func (k Key) String() string {
	return k.SessionID + ":" + k.Path
}

// Listener receives listings that should be shown to the user.
type Listener interface {
	Render(key Key, entries []remotefs.Descriptor)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(key Key, entries []remotefs.Descriptor)

func (f ListenerFunc) Render(key Key, entries []remotefs.Descriptor) { f(key, entries) }

// ViewFunc reports the directory currently on screen, if any.
type ViewFunc func() (Key, bool)

// Options configures a Cache.
type Options struct {
	ShowHidden         bool
	PreloadLimit       int
	PreloadConcurrency int

	// Now stamps fetched entries. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.PreloadLimit <= 0 {
		o.PreloadLimit = DefaultPreloadLimit
	}
	if o.PreloadConcurrency <= 0 {
		o.PreloadConcurrency = DefaultPreloadConcurrency
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type fetchMode int

const (
	modeForeground fetchMode = iota
	modeRevalidate
	modePreload
)

func (m fetchMode) String() string {
	switch m {
	case modeRevalidate:
		return "revalidate"
	case modePreload:
		return "preload"
	default:
		return "foreground"
	}
}

type entry struct {
	data      []remotefs.Descriptor
	fetchedAt time.Time
	// seq is bumped on every write; a pending render only runs while it
	// still matches.
	seq uint64
}

// call is one in-flight fetch. data and err are set before done is closed.
type call struct {
	done chan struct{}
	data []remotefs.Descriptor
	err  error
}

// stamp identifies the clear generation a fetch started in.
type stamp struct {
	all     uint64
	session uint64
}

// Cache is a stale-while-revalidate store of directory listings.
type Cache struct {
	lister remotefs.Lister
	opts   Options
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// renderMu orders renders of fetch results.
	renderMu sync.Mutex

	mu         sync.Mutex
	idle       *sync.Cond
	seq        uint64
	entries    map[Key]*entry
	inflight   map[Key]*call
	active     int
	gen        uint64
	sessionGen map[string]uint64
	listener   Listener
	viewer     ViewFunc
	closed     bool

	preload *PreloadScheduler
}

// New creates a cache that fetches listings from lister.
func New(lister remotefs.Lister, opts Options, log *zap.Logger) *Cache {
	opts.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		lister:     lister,
		opts:       opts,
		log:        log.Named("rescache"),
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[Key]*entry),
		inflight:   make(map[Key]*call),
		sessionGen: make(map[string]uint64),
	}
	c.idle = sync.NewCond(&c.mu)
	c.preload = newPreloadScheduler(c, opts.PreloadLimit, opts.PreloadConcurrency, c.log)
	return c
}

// SetListener replaces the render listener. Nil disables rendering.
func (c *Cache) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// SetViewer replaces the viewed-location query.
func (c *Cache) SetViewer(v ViewFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewer = v
}

// Preloader exposes the cache's preload scheduler.
func (c *Cache) Preloader() *PreloadScheduler {
	return c.preload
}

// GetOrLoad returns the listing of path. A cached listing is returned at once
// and revalidated in the background; otherwise the caller waits for a fetch,
// sharing it with any other caller already waiting on the same key.
func (c *Cache) GetOrLoad(ctx context.Context, sessionID, p string) ([]remotefs.Descriptor, error) {
	key := NewKey(sessionID, p)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries[key]; ok {
		data := slices.Clone(e.data)
		c.startLocked(key, modeRevalidate)
		c.mu.Unlock()
		metrics.RecordCacheLookup(true)
		return data, nil
	}
	cl := c.startLocked(key, modeForeground)
	c.mu.Unlock()
	metrics.RecordCacheLookup(false)

	data, err := c.await(ctx, cl)
	if err != nil {
		return nil, err
	}
	c.preload.ScheduleFrom(key.SessionID, data)
	return data, nil
}

// RevalidateInBackground refetches path without blocking. A changed listing
// replaces the entry and is rendered if it is on screen when the fetch
// completes. Failures are logged and the cached entry stays.
func (c *Cache) RevalidateInBackground(sessionID, p string) {
	key := NewKey(sessionID, p)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.startLocked(key, modeRevalidate)
}

// Refresh discards the cached listing of path and fetches it again.
func (c *Cache) Refresh(ctx context.Context, sessionID, p string) ([]remotefs.Descriptor, error) {
	key := NewKey(sessionID, p)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.dropLocked(key)
	cl := c.startLocked(key, modeForeground)
	c.mu.Unlock()

	data, err := c.await(ctx, cl)
	if err != nil {
		return nil, err
	}
	c.preload.ScheduleFrom(key.SessionID, data)
	return data, nil
}

// Rollback discards the cached listing of path. When path is on screen it is
// fetched again and rendered.
func (c *Cache) Rollback(ctx context.Context, sessionID, p string) error {
	key := NewKey(sessionID, p)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.dropLocked(key)
	viewer, listener := c.viewer, c.listener
	c.mu.Unlock()
	metrics.RecordRollback()

	if !isViewed(viewer, key) {
		return nil
	}

	c.mu.Lock()
	cl := c.startLocked(key, modeForeground)
	c.mu.Unlock()

	data, err := c.await(ctx, cl)
	if err != nil {
		return err
	}
	if listener != nil && isViewed(viewer, key) {
		listener.Render(key, data)
	}
	return nil
}

// OptimisticCreate inserts d into the cached listing of parent, replacing an
// entry with the same name. It reports false when parent is not cached.
func (c *Cache) OptimisticCreate(sessionID, parent string, d remotefs.Descriptor) bool {
	key := NewKey(sessionID, parent)
	if d.Path == "" {
		d.Path = remotefs.Join(key.Path, d.Name)
	}

	return c.mutate(key, "create", func(data []remotefs.Descriptor) []remotefs.Descriptor {
		out := make([]remotefs.Descriptor, 0, len(data)+1)
		for _, x := range data {
			if x.Name != d.Name {
				out = append(out, x)
			}
		}
		return append(out, d)
	}, "")
}

// OptimisticDelete removes p from the cached listing of parent and forgets
// any cached listings below p.
func (c *Cache) OptimisticDelete(sessionID, parent, p string) bool {
	key := NewKey(sessionID, parent)
	p = remotefs.CleanPath(p)

	return c.mutate(key, "delete", func(data []remotefs.Descriptor) []remotefs.Descriptor {
		return slices.DeleteFunc(slices.Clone(data), func(x remotefs.Descriptor) bool {
			return x.Path == p
		})
	}, p)
}

// OptimisticRename renames oldPath to newName inside the cached listing of
// parent and forgets any cached listings below oldPath.
func (c *Cache) OptimisticRename(sessionID, parent, oldPath, newPath, newName string) bool {
	key := NewKey(sessionID, parent)
	oldPath, newPath = remotefs.CleanPath(oldPath), remotefs.CleanPath(newPath)

	return c.mutate(key, "rename", func(data []remotefs.Descriptor) []remotefs.Descriptor {
		out := make([]remotefs.Descriptor, 0, len(data))
		for _, x := range data {
			switch {
			case x.Path == oldPath:
				x.Path, x.Name = newPath, newName
			case x.Name == newName:
				continue
			}
			out = append(out, x)
		}
		return out
	}, oldPath)
}

// mutate applies fn to the cached listing of key, restores canonical order,
// drops cached listings under invalidate and renders when key is on screen.
func (c *Cache) mutate(key Key, op string, fn func([]remotefs.Descriptor) []remotefs.Descriptor, invalidate string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	data := fn(e.data)
	remotefs.SortDescriptors(data)
	e.data = data
	e.seq = c.nextSeqLocked()
	if invalidate != "" {
		c.dropSubtreeLocked(key.SessionID, invalidate)
	}
	render := c.renderLocked(key, data)
	c.mu.Unlock()

	metrics.RecordOptimistic(op)
	render()
	return true
}

// ClearAll forgets every cached listing. Fetches already running do not store
// their results and queued preloads are dropped.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.entries = make(map[Key]*entry)
	c.gen++
	c.mu.Unlock()
	metrics.SetCacheEntries(0)
	c.preload.drop("")
}

// ClearForSession forgets every cached listing of one session.
func (c *Cache) ClearForSession(sessionID string) {
	c.mu.Lock()
	for k := range c.entries {
		if k.SessionID == sessionID {
			delete(c.entries, k)
		}
	}
	c.sessionGen[sessionID]++
	n := len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheEntries(n)
	c.preload.drop(sessionID)
}

// Peek returns the cached listing of path and when it was fetched, without
// triggering any fetch.
func (c *Cache) Peek(sessionID, p string) ([]remotefs.Descriptor, time.Time, bool) {
	key := NewKey(sessionID, p)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	return slices.Clone(e.data), e.fetchedAt, true
}

// Len returns the number of cached listings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Wait blocks until no fetch is running and the preload queue is drained.
func (c *Cache) Wait() {
	for {
		c.preload.Wait()
		c.mu.Lock()
		for c.active > 0 {
			c.idle.Wait()
		}
		c.mu.Unlock()
		if c.preload.Idle() {
			return
		}
	}
}

// Close cancels running fetches and rejects new loads.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// cachedOrInFlight reports whether key needs no preload.
func (c *Cache) cachedOrInFlight(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, cached := c.entries[key]
	_, running := c.inflight[key]
	return cached || running
}

// startPreload starts a preload fetch unless key is cached or in flight.
func (c *Cache) startPreload(key Key) (*call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	if _, ok := c.entries[key]; ok {
		return nil, false
	}
	if _, ok := c.inflight[key]; ok {
		return nil, false
	}
	return c.startLocked(key, modePreload), true
}

// startLocked returns the in-flight call for key, starting one if needed.
// c.mu must be held.
func (c *Cache) startLocked(key Key, mode fetchMode) *call {
	if cl, ok := c.inflight[key]; ok {
		return cl
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.active++
	go c.run(key, cl, mode, c.stampLocked(key.SessionID))
	return cl
}

func (c *Cache) stampLocked(sessionID string) stamp {
	return stamp{all: c.gen, session: c.sessionGen[sessionID]}
}

func (c *Cache) run(key Key, cl *call, mode fetchMode, st stamp) {
	start := time.Now()
	data, err := c.lister.List(c.ctx, key.SessionID, key.Path, remotefs.ListOptions{ShowHidden: c.opts.ShowHidden})
	metrics.RecordFetch(mode.String(), time.Since(start), err == nil)
	if err == nil {
		data = slices.Clone(data)
		remotefs.SortDescriptors(data)
	}

	var render func()
	var seq uint64
	c.mu.Lock()
	if err == nil && !c.closed && c.stampLocked(key.SessionID) == st {
		render, seq = c.applyLocked(key, data, mode)
	}
	// The key leaves the in-flight set together with the write, so a Refresh
	// or Rollback issued from here on starts a new fetch.
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	cl.data, cl.err = data, err
	c.mu.Unlock()
	close(cl.done)

	if render != nil {
		c.renderMu.Lock()
		c.mu.Lock()
		e, ok := c.entries[key]
		current := ok && e.seq == seq
		c.mu.Unlock()
		if current {
			render()
		}
		c.renderMu.Unlock()
	}

	c.mu.Lock()
	c.active--
	if c.active == 0 {
		c.idle.Broadcast()
	}
	c.mu.Unlock()

	if err != nil {
		c.logFailure(key, mode, err)
	}
}

// applyLocked stores a fetched listing according to mode. It returns the
// render to perform once c.mu is released, nil if none, and the entry sequence
// the render belongs to.
func (c *Cache) applyLocked(key Key, data []remotefs.Descriptor, mode fetchMode) (func(), uint64) {
	now := c.opts.Now()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{data: data, fetchedAt: now, seq: c.nextSeqLocked()}
		c.entries[key] = e
		metrics.SetCacheEntries(len(c.entries))
		return nil, e.seq
	}

	switch mode {
	case modePreload:
	case modeForeground:
		e.data, e.fetchedAt = data, now
		e.seq = c.nextSeqLocked()
	case modeRevalidate:
		e.fetchedAt = now
		if !remotefs.SameListing(e.data, data) {
			e.data = data
			e.seq = c.nextSeqLocked()
			return c.renderLocked(key, data), e.seq
		}
	}
	return nil, e.seq
}

func (c *Cache) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

// renderLocked captures the listener and viewer so the render can run after
// c.mu is released.
func (c *Cache) renderLocked(key Key, data []remotefs.Descriptor) func() {
	listener, viewer := c.listener, c.viewer
	if listener == nil {
		return func() {}
	}
	return func() {
		if isViewed(viewer, key) {
			listener.Render(key, slices.Clone(data))
		}
	}
}

func isViewed(viewer ViewFunc, key Key) bool {
	if viewer == nil {
		return false
	}
	k, ok := viewer()
	return ok && k == key
}

func (c *Cache) dropLocked(key Key) {
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		metrics.SetCacheEntries(len(c.entries))
	}
}

func (c *Cache) dropSubtreeLocked(sessionID, root string) {
	prefix := strings.TrimSuffix(root, "/") + "/"
	for k := range c.entries {
		if k.SessionID == sessionID && (k.Path == root || strings.HasPrefix(k.Path, prefix)) {
			delete(c.entries, k)
		}
	}
	metrics.SetCacheEntries(len(c.entries))
}

func (c *Cache) await(ctx context.Context, cl *call) ([]remotefs.Descriptor, error) {
	select {
	case <-cl.done:
		if cl.err != nil {
			return nil, cl.err
		}
		return slices.Clone(cl.data), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) logFailure(key Key, mode fetchMode, err error) {
	fields := []zap.Field{
		zap.String("session", key.SessionID),
		zap.String("path", logutil.SanitizeForLog(key.Path)),
		zap.String("kind", mode.String()),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, context.Canceled):
		c.log.Debug("fetch canceled", fields...)
	case mode == modeForeground:
		c.log.Debug("fetch failed", fields...)
	default:
		metrics.RecordStaleFailure(mode.String())
		c.log.Warn("background fetch failed", append(fields, zap.Bool("stale_background_failure", true))...)
	}
}
