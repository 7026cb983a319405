package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gluk-w/termdeck/internal/session"
)

// Frame markers of the tunnel terminal protocol.
const (
	frameBinary  byte = 0x01
	frameControl byte = 0x02
)

// Dialer opens the underlying byte stream of a session.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// StreamOptions selects the wire format of a stream transport.
type StreamOptions struct {
	// Framed enables the tunnel terminal protocol: a JSON size header is
	// written first, input is sent as [0x01][data], resize requests as
	// [0x02][uvarint length][json], and a leading 0x01 is stripped from
	// each inbound chunk.
	Framed bool
	Cols   uint16
	Rows   uint16
}

// StreamTransport relays a raw or framed byte stream.
type StreamTransport struct {
	rwc    io.ReadWriteCloser
	framed bool

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

// Stream returns a factory opening a stream through dial.
func Stream(dial Dialer, opts StreamOptions) session.TransportFactory {
	return func(ctx context.Context, h session.Handlers) (session.Transport, error) {
		rwc, err := dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("open stream: %w", err)
		}
		t := &StreamTransport{rwc: rwc, framed: opts.Framed}

		var decode func([]byte) []byte
		if opts.Framed {
			cols, rows := opts.Cols, opts.Rows
			if cols == 0 {
				cols = 80
			}
			if rows == 0 {
				rows = 24
			}
			header, _ := json.Marshal(struct {
				Cols uint16 `json:"cols"`
				Rows uint16 `json:"rows"`
			}{cols, rows})
			if _, err := rwc.Write(append(header, '\n')); err != nil {
				rwc.Close()
				return nil, fmt.Errorf("write terminal header: %w", err)
			}
			decode = stripFrameMarker
		}

		go relay(rwc, h, t.isClosed, decode)
		return t, nil
	}
}

func stripFrameMarker(chunk []byte) []byte {
	if len(chunk) > 0 && chunk[0] == frameBinary {
		return chunk[1:]
	}
	return chunk
}

func (t *StreamTransport) isClosed() bool {
	return t.closed.Load()
}

func (t *StreamTransport) write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	if _, err := t.rwc.Write(p); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}

// Send writes data, framed if the stream is framed.
func (t *StreamTransport) Send(ctx context.Context, data []byte) error {
	if err := checkInput(data); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.framed {
		return t.write(data)
	}
	frame := make([]byte, 1+len(data))
	frame[0] = frameBinary
	copy(frame[1:], data)
	return t.write(frame)
}

// Resize sends a control frame. Raw streams do not support resizing.
func (t *StreamTransport) Resize(ctx context.Context, cols, rows uint16) error {
	if !t.framed {
		return fmt.Errorf("resize: stream is not framed")
	}
	msg, err := newResizeMessage(cols, rows)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal resize: %w", err)
	}
	frame := []byte{frameControl}
	frame = binary.AppendUvarint(frame, uint64(len(payload)))
	frame = append(frame, payload...)
	return t.write(frame)
}

// Close closes the stream. It is safe to call more than once.
func (t *StreamTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		err = t.rwc.Close()
	})
	return err
}
