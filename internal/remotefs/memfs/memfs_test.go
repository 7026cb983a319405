package memfs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gluk-w/termdeck/internal/remotefs"
)

var t0 = time.Unix(1700000000, 0)

func names(entries []remotefs.Descriptor) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestFS_ListSortedAndHidden(t *testing.T) {
	fs := New()
	fs.AddFile("/root/b.txt", 3, t0)
	fs.AddDir("/root/src", t0)
	fs.AddFile("/root/.bashrc", 10, t0)
	ctx := context.Background()

	entries, err := fs.List(ctx, "s", "/root", remotefs.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := names(entries); len(got) != 2 || got[0] != "src" || got[1] != "b.txt" {
		t.Errorf("visible listing = %v", got)
	}

	entries, _ = fs.List(ctx, "s", "/root", remotefs.ListOptions{ShowHidden: true})
	if len(entries) != 3 {
		t.Errorf("hidden listing = %v", names(entries))
	}
	if fs.Calls("list", "s", "/root") != 2 {
		t.Errorf("calls = %d", fs.Calls("list", "s", "/root"))
	}
}

func TestFS_Mutations(t *testing.T) {
	fs := New()
	fs.AddDir("/w/a", t0)
	fs.AddFile("/w/a/f", 1, t0)
	ctx := context.Background()

	if err := fs.Create(ctx, "s", "/w/new", false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fs.Create(ctx, "s", "/w/new", false); err == nil {
		t.Error("expected duplicate create to fail")
	}
	if err := fs.Rename(ctx, "s", "/w/a", "/w/b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if !fs.Exists("/w/b/f") || fs.Exists("/w/a/f") {
		t.Error("rename should move the subtree")
	}
	if err := fs.Copy(ctx, "s", "/w/b", "/w/c"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if !fs.Exists("/w/c/f") || !fs.Exists("/w/b/f") {
		t.Error("copy should duplicate the subtree")
	}
	if err := fs.Delete(ctx, "s", "/w/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if fs.Exists("/w/b") || fs.Exists("/w/b/f") {
		t.Error("delete should remove the subtree")
	}
}

func TestFS_Hook(t *testing.T) {
	fs := New()
	fs.AddDir("/d", t0)
	fs.SetHook(func(ctx context.Context, op, sessionID, path string) error {
		if op == "list" {
			return remotefs.NewProviderError(op, sessionID, path, "session not ready")
		}
		return nil
	})
	_, err := fs.List(context.Background(), "s", "/d", remotefs.ListOptions{})
	if !remotefs.IsNotReady(err) {
		t.Fatalf("expected not-ready, got %v", err)
	}
	var pe *remotefs.ProviderError
	if !errors.As(err, &pe) {
		t.Fatal("expected ProviderError")
	}
}

func TestFS_ListMissing(t *testing.T) {
	fs := New()
	if _, err := fs.List(context.Background(), "s", "/nope", remotefs.ListOptions{}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
