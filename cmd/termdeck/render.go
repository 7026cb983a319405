package main

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/gluk-w/termdeck/internal/remotefs"
	"github.com/gluk-w/termdeck/internal/rescache"
)

// listingPrinter renders the viewed directory as a table.
type listingPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *listingPrinter) Render(key rescache.Key, entries []remotefs.Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "== %s:%s (%d entries)\n", key.SessionID, key.Path, len(entries))
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, d := range entries {
		name := d.Name
		if d.IsDir {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ModTime.UTC().Format(time.DateTime), d.HumanSize(), name)
	}
	tw.Flush()
}

// terminalWriter copies the output of one session, or of all sessions when
// attached is empty, to w.
type terminalWriter struct {
	mu       sync.Mutex
	w        io.Writer
	attached string
}

func (t *terminalWriter) WriteOutput(sessionID string, data []byte) {
	if t.attached != "" && sessionID != t.attached {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.w.Write(data)
}
