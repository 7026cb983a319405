// Package memfs is an in-memory remotefs.Provider. It backs the cache and
// explorer tests and counts every call so tests can assert on remote traffic.
package memfs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/termdeck/internal/remotefs"
)

// Hook runs before every operation. Returning an error fails the operation;
// blocking delays it.
type Hook func(ctx context.Context, op, sessionID, path string) error

// FS is a single tree shared by all sessions.
type FS struct {
	mu      sync.Mutex
	entries map[string]remotefs.Descriptor
	calls   map[string]int
	hook    Hook
	now     func() time.Time
}

// New returns an FS containing only the root directory.
func New() *FS {
	return &FS{
		entries: make(map[string]remotefs.Descriptor),
		calls:   make(map[string]int),
		now:     time.Now,
	}
}

// SetHook installs h, replacing any previous hook. Nil removes it.
func (f *FS) SetHook(h Hook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = h
}

// SetClock overrides the time stamped on created entries.
func (f *FS) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// AddDir creates a directory and any missing parents.
func (f *FS) AddDir(p string, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAll(remotefs.CleanPath(p), modTime)
}

// AddFile creates a file, creating parents as needed.
func (f *FS) AddFile(p string, size uint64, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = remotefs.CleanPath(p)
	f.mkdirAll(remotefs.Parent(p), modTime)
	f.entries[p] = remotefs.Descriptor{Name: baseName(p), Path: p, Size: size, ModTime: modTime}
}

// Touch updates the modification time of an existing entry.
func (f *FS) Touch(p string, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = remotefs.CleanPath(p)
	if d, ok := f.entries[p]; ok {
		d.ModTime = modTime
		f.entries[p] = d
	}
}

// SetSize changes the size of an existing file without touching its mtime.
func (f *FS) SetSize(p string, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = remotefs.CleanPath(p)
	if d, ok := f.entries[p]; ok {
		d.Size = size
		f.entries[p] = d
	}
}

// Exists reports whether p is present.
func (f *FS) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = remotefs.CleanPath(p)
	_, ok := f.entries[p]
	return ok || p == "/"
}

// Calls returns how often op ran for sessionID and path.
func (f *FS) Calls(op, sessionID, p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[callKey(op, sessionID, remotefs.CleanPath(p))]
}

// TotalCalls returns how often op ran across all sessions and paths.
func (f *FS) TotalCalls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for k, n := range f.calls {
		if strings.HasPrefix(k, op+"|") {
			total += n
		}
	}
	return total
}

func (f *FS) enter(ctx context.Context, op, sessionID, p string) error {
	f.mu.Lock()
	f.calls[callKey(op, sessionID, p)]++
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, op, sessionID, p); err != nil {
			return remotefs.WrapError(op, sessionID, p, err)
		}
	}
	return ctx.Err()
}

func (f *FS) List(ctx context.Context, sessionID, dir string, opts remotefs.ListOptions) ([]remotefs.Descriptor, error) {
	dir = remotefs.CleanPath(dir)
	if err := f.enter(ctx, "list", sessionID, dir); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isDir(dir) {
		return nil, remotefs.NewProviderError("list", sessionID, dir, "no such directory")
	}
	out := []remotefs.Descriptor{}
	for p, d := range f.entries {
		if p == dir || remotefs.Parent(p) != dir {
			continue
		}
		if !opts.ShowHidden && strings.HasPrefix(d.Name, ".") {
			continue
		}
		out = append(out, d)
	}
	remotefs.SortDescriptors(out)
	return out, nil
}

func (f *FS) Create(ctx context.Context, sessionID, p string, isDir bool) error {
	p = remotefs.CleanPath(p)
	if err := f.enter(ctx, "create", sessionID, p); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[p]; ok {
		return remotefs.NewProviderError("create", sessionID, p, "file exists")
	}
	if !f.isDir(remotefs.Parent(p)) {
		return remotefs.NewProviderError("create", sessionID, p, "parent directory does not exist")
	}
	f.entries[p] = remotefs.Descriptor{Name: baseName(p), Path: p, IsDir: isDir, ModTime: f.now()}
	return nil
}

func (f *FS) Delete(ctx context.Context, sessionID, p string) error {
	p = remotefs.CleanPath(p)
	if err := f.enter(ctx, "delete", sessionID, p); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[p]; !ok {
		return remotefs.NewProviderError("delete", sessionID, p, "no such file or directory")
	}
	for q := range f.entries {
		if q == p || strings.HasPrefix(q, p+"/") {
			delete(f.entries, q)
		}
	}
	return nil
}

func (f *FS) Rename(ctx context.Context, sessionID, oldPath, newPath string) error {
	oldPath, newPath = remotefs.CleanPath(oldPath), remotefs.CleanPath(newPath)
	if err := f.enter(ctx, "rename", sessionID, oldPath); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[oldPath]; !ok {
		return remotefs.NewProviderError("rename", sessionID, oldPath, "no such file or directory")
	}
	if _, ok := f.entries[newPath]; ok {
		return remotefs.NewProviderError("rename", sessionID, newPath, "file exists")
	}
	moved := f.subtree(oldPath)
	for q := range moved {
		delete(f.entries, q)
	}
	for q, d := range moved {
		np := newPath + strings.TrimPrefix(q, oldPath)
		d.Path = np
		d.Name = baseName(np)
		f.entries[np] = d
	}
	return nil
}

func (f *FS) Copy(ctx context.Context, sessionID, src, dst string) error {
	src, dst = remotefs.CleanPath(src), remotefs.CleanPath(dst)
	if err := f.enter(ctx, "copy", sessionID, src); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[src]; !ok {
		return remotefs.NewProviderError("copy", sessionID, src, "no such file or directory")
	}
	if _, ok := f.entries[dst]; ok {
		return remotefs.NewProviderError("copy", sessionID, dst, "file exists")
	}
	now := f.now()
	for q, d := range f.subtree(src) {
		np := dst + strings.TrimPrefix(q, src)
		d.Path = np
		d.Name = baseName(np)
		d.ModTime = now
		f.entries[np] = d
	}
	return nil
}

func (f *FS) subtree(root string) map[string]remotefs.Descriptor {
	out := make(map[string]remotefs.Descriptor)
	for q, d := range f.entries {
		if q == root || strings.HasPrefix(q, root+"/") {
			out[q] = d
		}
	}
	return out
}

func (f *FS) isDir(p string) bool {
	if p == "/" {
		return true
	}
	d, ok := f.entries[p]
	return ok && d.IsDir
}

func (f *FS) mkdirAll(p string, modTime time.Time) {
	for p != "/" {
		if _, ok := f.entries[p]; !ok {
			f.entries[p] = remotefs.Descriptor{Name: baseName(p), Path: p, IsDir: true, ModTime: modTime}
		}
		p = remotefs.Parent(p)
	}
}

func baseName(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

func callKey(op, sessionID, p string) string {
	return fmt.Sprintf("%s|%s|%s", op, sessionID, p)
}
