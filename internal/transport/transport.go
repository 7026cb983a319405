// Package transport provides session.Transport implementations: a WebSocket
// client, an SSH PTY shell and a generic byte stream (used for tunnel
// channels).
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/gluk-w/termdeck/internal/session"
)

// Resize bounds. Larger requests are clamped.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Resizer is implemented by transports backed by a terminal.
type Resizer interface {
	Resize(ctx context.Context, cols, rows uint16) error
}

// ResizeMessage is the JSON control message announcing a new terminal size.
type ResizeMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func newResizeMessage(cols, rows uint16) (ResizeMessage, error) {
	if cols == 0 || rows == 0 {
		return ResizeMessage{}, fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return ResizeMessage{Type: "resize", Cols: min(cols, MaxResizeCols), Rows: min(rows, MaxResizeRows)}, nil
}

func checkInput(data []byte) error {
	if len(data) > session.MaxInputMessageSize {
		return fmt.Errorf("%d bytes exceeds %d: %w", len(data), session.MaxInputMessageSize, session.ErrInputTooLarge)
	}
	return nil
}
