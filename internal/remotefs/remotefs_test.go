package remotefs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSortDescriptors(t *testing.T) {
	entries := []Descriptor{
		{Name: "zeta.txt"},
		{Name: "src", IsDir: true},
		{Name: "README.md"},
		{Name: ".git", IsDir: true},
		{Name: "alpha.go"},
	}
	SortDescriptors(entries)

	want := []string{".git", "src", "README.md", "alpha.go", "zeta.txt"}
	for i, name := range want {
		if entries[i].Name != name {
			t.Fatalf("position %d: got %q, want %q (full: %v)", i, entries[i].Name, name, entries)
		}
	}
}

func TestSameListing(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	t1 := t0.Add(time.Second)
	base := []Descriptor{{Name: "a", ModTime: t0, Size: 1}, {Name: "b", ModTime: t0}}

	tests := []struct {
		name  string
		other []Descriptor
		want  bool
	}{
		{"identical", []Descriptor{{Name: "a", ModTime: t0, Size: 1}, {Name: "b", ModTime: t0}}, true},
		{"size only", []Descriptor{{Name: "a", ModTime: t0, Size: 99}, {Name: "b", ModTime: t0}}, true},
		{"mtime", []Descriptor{{Name: "a", ModTime: t1, Size: 1}, {Name: "b", ModTime: t0}}, false},
		{"reordered", []Descriptor{{Name: "b", ModTime: t0}, {Name: "a", ModTime: t0, Size: 1}}, false},
		{"added", []Descriptor{{Name: "a", ModTime: t0}, {Name: "b", ModTime: t0}, {Name: "c", ModTime: t0}}, false},
		{"removed", []Descriptor{{Name: "a", ModTime: t0}}, false},
		{"same instant other zone", []Descriptor{{Name: "a", ModTime: t0.UTC(), Size: 1}, {Name: "b", ModTime: t0.In(time.FixedZone("X", 3600))}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameListing(base, tt.other); got != tt.want {
				t.Errorf("SameListing = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPathHelpers(t *testing.T) {
	if got := CleanPath(""); got != "/" {
		t.Errorf("CleanPath(\"\") = %q", got)
	}
	if got := CleanPath("home/dev/"); got != "/home/dev" {
		t.Errorf("CleanPath relative = %q", got)
	}
	if got := Join("/home/dev/", "notes.md"); got != "/home/dev/notes.md" {
		t.Errorf("Join = %q", got)
	}
	if got := Parent("/home/dev/notes.md"); got != "/home/dev" {
		t.Errorf("Parent = %q", got)
	}
	if got := Parent("/"); got != "/" {
		t.Errorf("Parent(/) = %q", got)
	}
}

func TestHumanSize(t *testing.T) {
	if got := (Descriptor{IsDir: true, Size: 4096}).HumanSize(); got != "-" {
		t.Errorf("dir HumanSize = %q", got)
	}
	if got := (Descriptor{Size: 2048}).HumanSize(); got != "2.048kB" {
		t.Errorf("file HumanSize = %q", got)
	}
}

func TestNewProviderError_ClassifiesNotReady(t *testing.T) {
	err := NewProviderError("list", "s1", "/root", "SSH connection not ready for session s1\n")
	if !IsNotReady(err) {
		t.Fatal("expected reason containing the phrase to be not-ready")
	}
	if !errors.Is(err, ErrNotReady) {
		t.Error("expected errors.Is(err, ErrNotReady)")
	}
	if err.Reason != "SSH connection not ready for session s1" {
		t.Errorf("reason not trimmed: %q", err.Reason)
	}

	other := NewProviderError("list", "s1", "/root", "permission denied")
	if IsNotReady(other) {
		t.Error("permission denied must not be retryable")
	}
}

func TestIsNotReady(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrNotReady, true},
		{"wrapped sentinel", fmt.Errorf("dial: %w", ErrNotReady), true},
		{"provider reason", &ProviderError{Op: "list", Reason: "Remote session NOT READY"}, true},
		{"plain", errors.New("boom"), false},
		{"wrapped provider", fmt.Errorf("load: %w", &ProviderError{Op: "list", Reason: "no such directory"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotReady(tt.err); got != tt.want {
				t.Errorf("IsNotReady = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProviderError_Message(t *testing.T) {
	err := &ProviderError{Op: "rename", SessionID: "web", Path: "/a", Reason: "file exists"}
	if got := err.Error(); got != "rename /a (session web): file exists" {
		t.Errorf("Error() = %q", got)
	}
	wrapped := WrapError("list", "web", "/b", context.DeadlineExceeded)
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("WrapError should keep the cause")
	}
	if WrapError("list", "web", "/b", nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}
	if WrapError("copy", "x", "/c", err) != error(err) {
		t.Error("WrapError should not re-wrap a ProviderError")
	}
}

type stubProvider struct {
	Provider
	lists int
}

func (s *stubProvider) List(ctx context.Context, sessionID, dir string, opts ListOptions) ([]Descriptor, error) {
	s.lists++
	return []Descriptor{{Name: "x", Path: "/x"}}, nil
}

func TestMux(t *testing.T) {
	mux := NewMux()
	ctx := context.Background()

	if _, err := mux.List(ctx, "s1", "/", ListOptions{}); !IsNotReady(err) {
		t.Fatalf("unregistered session should be not-ready, got %v", err)
	}

	backend := &stubProvider{}
	mux.Register("s1", backend)
	entries, err := mux.List(ctx, "s1", "/", ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || backend.lists != 1 {
		t.Errorf("expected routed call, entries=%v lists=%d", entries, backend.lists)
	}

	mux.Unregister("s1")
	if err := mux.Delete(ctx, "s1", "/x"); !IsNotReady(err) {
		t.Errorf("expected not-ready after unregister, got %v", err)
	}
}
