package history

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/gluk-w/termdeck/internal/session"
)

var _ session.HistorySink = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "history.db")
	s, err := Open(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	s.RecordCommand("s1", "uptime")
	got, err := s.Recent("s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "uptime" {
		t.Errorf("got %+v", got)
	}
}

func TestRecent_NewestFirstPerSession(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, cmd := range []string{"ls", "cd /tmp", "make"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.SetNowFunc(func() time.Time { return at })
		s.RecordCommand("s1", cmd)
	}
	s.RecordCommand("s2", "top")

	got, err := s.Recent("s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "make" || got[1].Text != "cd /tmp" {
		t.Errorf("got %+v", got)
	}

	other, err := s.Recent("s2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 || other[0].SessionID != "s2" {
		t.Errorf("s2 = %+v", other)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	s.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -40) })
	s.RecordCommand("s1", "old")
	s.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -1) })
	s.RecordCommand("s1", "new")

	s.SetNowFunc(func() time.Time { return now })
	n, err := s.Prune(30 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	got, _ := s.Recent("s1", 10)
	if len(got) != 1 || got[0].Text != "new" {
		t.Errorf("left %+v", got)
	}

	n, err = s.Prune(30 * 24 * time.Hour)
	if err != nil || n != 0 {
		t.Errorf("second prune = %d, %v", n, err)
	}
}

func TestRecordCommand_ClosedStoreDoesNotPanic(t *testing.T) {
	s, err := Open(":memory:", zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	s.RecordCommand("s1", "ls")
}
