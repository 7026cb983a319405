package rescache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gluk-w/termdeck/internal/remotefs"
	"github.com/gluk-w/termdeck/internal/remotefs/memfs"
)

var (
	t0 = time.Unix(1700000000, 0)
	t1 = t0.Add(time.Minute)
)

// recorder is a Listener that remembers every render.
type recorder struct {
	mu      sync.Mutex
	renders []render
}

type render struct {
	key     Key
	entries []remotefs.Descriptor
}

func (r *recorder) Render(key Key, entries []remotefs.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, render{key: key, entries: entries})
}

func (r *recorder) all() []render {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]render(nil), r.renders...)
}

// viewAt returns a ViewFunc fixed on key.
func viewAt(key Key) ViewFunc {
	return func() (Key, bool) { return key, true }
}

// gate blocks list calls for path until release is called. Each blocked call
// is announced on entered.
func gate(fs *memfs.FS, path string) (entered chan struct{}, release func()) {
	entered = make(chan struct{}, 64)
	ch := make(chan struct{})
	var once sync.Once
	fs.SetHook(func(ctx context.Context, op, sessionID, p string) error {
		if op != "list" || p != path {
			return nil
		}
		entered <- struct{}{}
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return entered, func() { once.Do(func() { close(ch) }) }
}

func waitEntered(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for provider call")
	}
}

func newTestCache(t *testing.T, fs *memfs.FS) *Cache {
	t.Helper()
	c := New(fs, Options{Now: func() time.Time { return t1 }}, zaptest.NewLogger(t))
	t.Cleanup(func() {
		c.Close()
		c.Wait()
	})
	return c
}

func names(entries []remotefs.Descriptor) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestGetOrLoad_ConcurrentCallsShareOneFetch(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/srv/a.txt", 1, t0)
	fs.AddFile("/srv/b.txt", 2, t0)
	c := newTestCache(t, fs)
	entered, release := gate(fs, "/srv")

	type result struct {
		entries []remotefs.Descriptor
		err     error
	}
	results := make(chan result, 2)
	load := func() {
		entries, err := c.GetOrLoad(context.Background(), "s1", "/srv")
		results <- result{entries, err}
	}

	go load()
	waitEntered(t, entered)
	go load()
	time.Sleep(50 * time.Millisecond)
	release()

	for range 2 {
		r := <-results
		if r.err != nil {
			t.Fatalf("GetOrLoad: %v", r.err)
		}
		if len(r.entries) != 2 {
			t.Errorf("entries = %v", names(r.entries))
		}
	}
	c.Wait()

	if n := fs.Calls("list", "s1", "/srv"); n != 1 {
		t.Errorf("provider list calls = %d, want 1", n)
	}
}

func TestGetOrLoad_HitRevalidatesOnce(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/srv/a.txt", 1, t0)
	c := newTestCache(t, fs)
	ctx := context.Background()

	if _, err := c.GetOrLoad(ctx, "s1", "/srv"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}

	entered, release := gate(fs, "/srv")
	for range 3 {
		entries, err := c.GetOrLoad(ctx, "s1", "/srv")
		if err != nil || len(entries) != 1 {
			t.Fatalf("cached GetOrLoad = %v, %v", names(entries), err)
		}
	}
	waitEntered(t, entered)
	release()
	c.Wait()

	if n := fs.Calls("list", "s1", "/srv"); n != 2 {
		t.Errorf("provider list calls = %d, want 2 (load + one revalidation)", n)
	}
}

func TestGetOrLoad_FirstFetchFailureCreatesNoEntry(t *testing.T) {
	fs := memfs.New()
	c := newTestCache(t, fs)

	_, err := c.GetOrLoad(context.Background(), "s1", "/missing")
	var pe *remotefs.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestGetOrLoad_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/srv/a.txt", 1, t0)
	c := newTestCache(t, fs)
	entered, release := gate(fs, "/srv")

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(context.Background(), "s1", "/srv")
		done <- err
	}()
	waitEntered(t, entered)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.GetOrLoad(ctx, "s1", "/srv"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("impatient caller: got %v", err)
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("patient caller: %v", err)
	}
	if _, _, ok := c.Peek("s1", "/srv"); !ok {
		t.Error("expected listing to be cached")
	}
}

func TestGetOrLoad_PreloadsAtMostFiveSubdirectories(t *testing.T) {
	fs := memfs.New()
	for i := range 50 {
		dir := fmt.Sprintf("/big/d%02d", i)
		fs.AddDir(dir+"/nested", t0)
		fs.AddFile(dir+"/file", 1, t0)
	}
	c := newTestCache(t, fs)

	entries, err := c.GetOrLoad(context.Background(), "s1", "/big")
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if len(entries) != 50 {
		t.Fatalf("entries = %d", len(entries))
	}
	c.Wait()

	if n := fs.TotalCalls("list"); n != 6 {
		t.Errorf("total list calls = %d, want 6", n)
	}
	for i := range 5 {
		if _, _, ok := c.Peek("s1", fmt.Sprintf("/big/d%02d", i)); !ok {
			t.Errorf("d%02d not preloaded", i)
		}
	}
	if _, _, ok := c.Peek("s1", "/big/d05"); ok {
		t.Error("d05 should not be preloaded")
	}
	if _, _, ok := c.Peek("s1", "/big/d00/nested"); ok {
		t.Error("preload must not recurse")
	}
}

func TestRevalidate_IdenticalListingKeepsDataAndSkipsRender(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	fs.AddFile("/w/b.txt", 1, t0)
	c := newTestCache(t, fs)
	rec := &recorder{}
	key := NewKey("s1", "/w")
	c.SetListener(rec)
	c.SetViewer(viewAt(key))

	if _, err := c.GetOrLoad(context.Background(), "s1", "/w"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	c.Wait()
	c.mu.Lock()
	before := &c.entries[key].data[0]
	c.mu.Unlock()

	// A size-only change is not detected.
	fs.SetSize("/w/a.txt", 500)
	c.RevalidateInBackground("s1", "/w")
	c.Wait()

	c.mu.Lock()
	after := &c.entries[key].data[0]
	c.mu.Unlock()
	if before != after {
		t.Error("identical revalidation replaced the data slice")
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("renders = %d, want 0", n)
	}
}

func TestRevalidate_ChangedListingRendersOnce(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	c := newTestCache(t, fs)
	rec := &recorder{}
	key := NewKey("s1", "/w")
	c.SetListener(rec)
	c.SetViewer(viewAt(key))

	if _, err := c.GetOrLoad(context.Background(), "s1", "/w"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	c.Wait()

	fs.Touch("/w/a.txt", t1)
	fs.AddFile("/w/c.txt", 1, t1)
	c.RevalidateInBackground("s1", "/w")
	c.Wait()

	renders := rec.all()
	if len(renders) != 1 {
		t.Fatalf("renders = %d, want 1", len(renders))
	}
	if renders[0].key != key {
		t.Errorf("render key = %v", renders[0].key)
	}
	got := names(renders[0].entries)
	if len(got) != 2 || got[0] != "a.txt" || got[1] != "c.txt" {
		t.Errorf("rendered %v", got)
	}
	if !renders[0].entries[0].ModTime.Equal(t1) {
		t.Error("rendered stale mtime")
	}

	cached, fetchedAt, _ := c.Peek("s1", "/w")
	if len(cached) != 2 || !fetchedAt.Equal(t1) {
		t.Errorf("cache not updated: %v at %v", names(cached), fetchedAt)
	}
}

func TestRevalidate_NotViewedUpdatesWithoutRender(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	c := newTestCache(t, fs)
	rec := &recorder{}
	c.SetListener(rec)
	c.SetViewer(viewAt(NewKey("s1", "/elsewhere")))

	if _, err := c.GetOrLoad(context.Background(), "s1", "/w"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	fs.AddFile("/w/b.txt", 1, t0)
	c.RevalidateInBackground("s1", "/w")
	c.Wait()

	if n := len(rec.all()); n != 0 {
		t.Errorf("renders = %d, want 0", n)
	}
	if cached, _, _ := c.Peek("s1", "/w"); len(cached) != 2 {
		t.Errorf("cached = %v", names(cached))
	}
}

func TestRevalidate_FailureKeepsEntryAndIsLogged(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	core, logs := observer.New(zap.WarnLevel)
	c := New(fs, Options{}, zap.New(core))
	defer c.Close()

	if _, err := c.GetOrLoad(context.Background(), "s1", "/w"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	c.Wait()

	fs.SetHook(func(ctx context.Context, op, sessionID, p string) error {
		return errors.New("connection reset")
	})
	c.RevalidateInBackground("s1", "/w")
	c.Wait()

	if cached, _, ok := c.Peek("s1", "/w"); !ok || len(cached) != 1 {
		t.Errorf("entry lost after background failure: %v", cached)
	}
	entries := logs.FilterField(zap.Bool("stale_background_failure", true)).All()
	if len(entries) != 1 {
		t.Errorf("stale failure logs = %d, want 1", len(entries))
	}
}

func TestOptimisticCreate_RollbackRestoresServerListing(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	fs.AddDir("/w/src", t0)
	c := newTestCache(t, fs)
	rec := &recorder{}
	key := NewKey("s1", "/w")
	c.SetListener(rec)
	c.SetViewer(viewAt(key))
	ctx := context.Background()

	if _, err := c.GetOrLoad(ctx, "s1", "/w"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	c.Wait()

	ok := c.OptimisticCreate("s1", "/w", remotefs.Descriptor{Name: "ghost.txt", ModTime: t1})
	if !ok {
		t.Fatal("OptimisticCreate on cached parent returned false")
	}
	cached, _, _ := c.Peek("s1", "/w")
	if got := names(cached); len(got) != 3 || got[0] != "src" || got[1] != "a.txt" || got[2] != "ghost.txt" {
		t.Fatalf("optimistic listing = %v", got)
	}
	if cached[2].Path != "/w/ghost.txt" {
		t.Errorf("derived path = %q", cached[2].Path)
	}
	if n := len(rec.all()); n != 1 {
		t.Fatalf("optimistic renders = %d, want 1", n)
	}

	// The confirmation failed; the server never created ghost.txt.
	if err := c.Rollback(ctx, "s1", "/w"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	c.Wait()

	server, err := fs.List(ctx, "s1", "/w", remotefs.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	cached, _, ok = c.Peek("s1", "/w")
	if !ok || !remotefs.SameListing(cached, server) {
		t.Errorf("after rollback cache = %v, server = %v", names(cached), names(server))
	}
	renders := rec.all()
	if len(renders) != 2 || len(renders[1].entries) != 2 {
		t.Errorf("rollback should re-render the server listing, got %d renders", len(renders))
	}
}

func TestRollback_NotViewedOnlyDiscards(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	c := newTestCache(t, fs)
	ctx := context.Background()

	if _, err := c.GetOrLoad(ctx, "s1", "/w"); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	c.Wait()
	if err := c.Rollback(ctx, "s1", "/w"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, _, ok := c.Peek("s1", "/w"); ok {
		t.Error("entry should be discarded")
	}
	if n := fs.Calls("list", "s1", "/w"); n != 1 {
		t.Errorf("list calls = %d, want 1", n)
	}
}

func TestOptimistic_UncachedParentIsNoop(t *testing.T) {
	c := newTestCache(t, memfs.New())
	if c.OptimisticCreate("s1", "/nowhere", remotefs.Descriptor{Name: "x"}) {
		t.Error("create on uncached parent should report false")
	}
	if c.OptimisticDelete("s1", "/nowhere", "/nowhere/x") {
		t.Error("delete on uncached parent should report false")
	}
	if c.OptimisticRename("s1", "/nowhere", "/nowhere/x", "/nowhere/y", "y") {
		t.Error("rename on uncached parent should report false")
	}
	if c.Len() != 0 {
		t.Error("no entry should be created")
	}
}

func TestOptimisticDelete_InvalidatesSubtree(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/sub/deep/f", 1, t0)
	fs.AddFile("/w/keep.txt", 1, t0)
	fs.AddFile("/w/subway/g", 1, t0)
	c := newTestCache(t, fs)
	ctx := context.Background()

	for _, p := range []string{"/w", "/w/sub", "/w/sub/deep", "/w/subway"} {
		if _, err := c.Refresh(ctx, "s1", p); err != nil {
			t.Fatalf("Refresh %s: %v", p, err)
		}
	}
	c.Wait()

	if !c.OptimisticDelete("s1", "/w", "/w/sub") {
		t.Fatal("OptimisticDelete returned false")
	}
	cached, _, _ := c.Peek("s1", "/w")
	if got := names(cached); len(got) != 2 || got[0] != "subway" || got[1] != "keep.txt" {
		t.Errorf("parent listing = %v", got)
	}
	for _, p := range []string{"/w/sub", "/w/sub/deep"} {
		if _, _, ok := c.Peek("s1", p); ok {
			t.Errorf("%s should be invalidated", p)
		}
	}
	if _, _, ok := c.Peek("s1", "/w/subway"); !ok {
		t.Error("sibling with shared prefix must survive")
	}
}

func TestOptimisticRename_KeepsCanonicalOrder(t *testing.T) {
	fs := memfs.New()
	fs.AddDir("/w/lib", t0)
	fs.AddFile("/w/lib/x.go", 1, t0)
	fs.AddFile("/w/b.txt", 1, t0)
	fs.AddFile("/w/c.txt", 1, t0)
	c := newTestCache(t, fs)
	ctx := context.Background()

	if _, err := c.Refresh(ctx, "s1", "/w"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	if !c.OptimisticRename("s1", "/w", "/w/c.txt", "/w/a.txt", "a.txt") {
		t.Fatal("OptimisticRename returned false")
	}
	cached, _, _ := c.Peek("s1", "/w")
	if got := names(cached); len(got) != 3 || got[0] != "lib" || got[1] != "a.txt" || got[2] != "b.txt" {
		t.Errorf("listing = %v", got)
	}
	if cached[1].Path != "/w/a.txt" {
		t.Errorf("renamed path = %q", cached[1].Path)
	}

	if !c.OptimisticRename("s1", "/w", "/w/lib", "/w/pkg", "pkg") {
		t.Fatal("OptimisticRename dir returned false")
	}
	if _, _, ok := c.Peek("s1", "/w/lib"); ok {
		t.Error("renamed directory's listing should be invalidated")
	}
}

func TestRefresh_RefetchesAndReturnsFreshData(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	c := newTestCache(t, fs)
	ctx := context.Background()

	if _, err := c.GetOrLoad(ctx, "s1", "/w"); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	fs.AddFile("/w/b.txt", 1, t0)

	entries, err := c.Refresh(ctx, "s1", "/w")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Refresh = %v", names(entries))
	}
}

func TestRefresh_DuringRevalidationRenderStartsNewFetch(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	c := newTestCache(t, fs)
	ctx := context.Background()
	key := NewKey("s1", "/w")

	if _, err := c.GetOrLoad(ctx, "s1", "/w"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	rendering := make(chan struct{}, 4)
	unblock := make(chan struct{})
	defer close(unblock)
	c.SetListener(ListenerFunc(func(Key, []remotefs.Descriptor) {
		rendering <- struct{}{}
		<-unblock
	}))
	c.SetViewer(viewAt(key))

	fs.AddFile("/w/b.txt", 1, t0)
	c.RevalidateInBackground("s1", "/w")
	waitEntered(t, rendering)

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, "s1", "/w")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Refresh waited for the render")
	}

	if _, _, ok := c.Peek("s1", "/w"); !ok {
		t.Error("Refresh left the listing uncached")
	}
	if n := fs.Calls("list", "s1", "/w"); n != 3 {
		t.Errorf("list calls = %d, want 3", n)
	}
}

func TestListener_RefreshFromRenderDoesNotDeadlock(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	c := newTestCache(t, fs)
	ctx := context.Background()
	key := NewKey("s1", "/w")

	if _, err := c.GetOrLoad(ctx, "s1", "/w"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	result := make(chan error, 1)
	var once sync.Once
	c.SetListener(ListenerFunc(func(k Key, _ []remotefs.Descriptor) {
		once.Do(func() {
			_, err := c.Refresh(ctx, k.SessionID, k.Path)
			result <- err
		})
	}))
	c.SetViewer(viewAt(key))

	fs.AddFile("/w/b.txt", 1, t0)
	c.RevalidateInBackground("s1", "/w")
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Refresh from Render never returned")
	}
	c.Wait()

	entries, _, ok := c.Peek("s1", "/w")
	if !ok || len(entries) != 2 {
		t.Errorf("Peek = %v, %v", names(entries), ok)
	}
}

func TestClearForSession_DiscardsInFlightResult(t *testing.T) {
	fs := memfs.New()
	fs.AddFile("/w/a.txt", 1, t0)
	fs.AddFile("/v/a.txt", 1, t0)
	c := newTestCache(t, fs)
	ctx := context.Background()

	if _, err := c.GetOrLoad(ctx, "s2", "/v"); err != nil {
		t.Fatal(err)
	}
	entered, release := gate(fs, "/w")
	c.RevalidateInBackground("s1", "/w")
	waitEntered(t, entered)

	c.ClearForSession("s1")
	release()
	c.Wait()

	if _, _, ok := c.Peek("s1", "/w"); ok {
		t.Error("fetch started before the clear must not be stored")
	}
	if _, _, ok := c.Peek("s2", "/v"); !ok {
		t.Error("other session's entry must survive")
	}

	c.ClearAll()
	if c.Len() != 0 {
		t.Errorf("Len after ClearAll = %d", c.Len())
	}
}

func TestPreloadScheduler_SingleDrain(t *testing.T) {
	fs := memfs.New()
	fs.AddDir("/w/a", t0)
	fs.AddDir("/w/b", t0)
	c := newTestCache(t, fs)
	entered, release := gate(fs, "/w/a")

	if _, err := c.GetOrLoad(context.Background(), "s1", "/w"); err != nil {
		t.Fatal(err)
	}
	waitEntered(t, entered)

	p := c.Preloader()
	if p.Idle() {
		t.Fatal("expected a drain in progress")
	}
	finished := make(chan struct{})
	go func() {
		p.ProcessQueue()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("re-entrant ProcessQueue should return immediately")
	}

	release()
	c.Wait()
	for _, dir := range []string{"/w/a", "/w/b"} {
		if n := fs.Calls("list", "s1", dir); n != 1 {
			t.Errorf("%s fetched %d times, want 1", dir, n)
		}
	}
}

func TestPreloadScheduler_SkipsCachedAndDeduplicates(t *testing.T) {
	fs := memfs.New()
	fs.AddDir("/w/a", t0)
	fs.AddDir("/w/b", t0)
	c := newTestCache(t, fs)
	ctx := context.Background()

	if _, err := c.Refresh(ctx, "s1", "/w/a"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	listing := []remotefs.Descriptor{
		{Name: "a", Path: "/w/a", IsDir: true},
		{Name: "b", Path: "/w/b", IsDir: true},
		{Name: "f", Path: "/w/f"},
	}
	entered, release := gate(fs, "/w/b")
	if n := c.Preloader().ScheduleFrom("s1", listing); n != 1 {
		t.Errorf("first ScheduleFrom queued %d, want 1", n)
	}
	waitEntered(t, entered)
	if n := c.Preloader().ScheduleFrom("s1", listing); n != 0 {
		t.Errorf("second ScheduleFrom queued %d, want 0 (in flight)", n)
	}
	release()
	c.Wait()

	if n := fs.Calls("list", "s1", "/w/b"); n != 1 {
		t.Errorf("/w/b fetched %d times", n)
	}
}

func TestClose_RejectsLoads(t *testing.T) {
	c := New(memfs.New(), Options{}, nil)
	c.Close()
	if _, err := c.GetOrLoad(context.Background(), "s1", "/"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetOrLoad after Close = %v", err)
	}
}
