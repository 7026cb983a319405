package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "/root/project", "/root/project"},
		{"newlines", "a\nb\rc", "a b c"},
		{"tab", "a\tb", "a b"},
		{"escape", "ls\x1b[A", "ls[A"},
		{"delete", "ab\x7fc", "abc"},
		{"unicode", "/home/usér", "/home/usér"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", 1000))
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation marker, got %q", got[len(got)-10:])
	}
	if len(got) != maxLogValue+3 {
		t.Errorf("expected length %d, got %d", maxLogValue+3, len(got))
	}
}
