package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/termdeck/internal/session"
)

const defaultDialTimeout = 10 * time.Second

// WebSocketOptions tunes the WebSocket transport.
type WebSocketOptions struct {
	Header      http.Header
	DialTimeout time.Duration
	// ReadLimit caps inbound message size. Zero keeps the library default.
	ReadLimit int64
}

// WebSocketTransport sends input as binary frames and delivers every inbound
// message, text or binary, to OnMessage.
type WebSocketTransport struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	once    sync.Once
}

// WebSocket returns a factory dialing endpoint.
func WebSocket(endpoint string, opts WebSocketOptions) session.TransportFactory {
	return func(ctx context.Context, h session.Handlers) (session.Transport, error) {
		timeout := opts.DialTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{HTTPHeader: opts.Header})
		if err != nil {
			return nil, fmt.Errorf("dial websocket %s: %w", endpoint, err)
		}
		if opts.ReadLimit > 0 {
			conn.SetReadLimit(opts.ReadLimit)
		}

		readCtx, readCancel := context.WithCancel(context.Background())
		t := &WebSocketTransport{conn: conn, ctx: readCtx, cancel: readCancel}
		go t.readLoop(h)
		return t, nil
	}
}

func (t *WebSocketTransport) readLoop(h session.Handlers) {
	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if t.closing.Load() || websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				h.OnClose()
			} else {
				h.OnError(err)
			}
			return
		}
		h.OnMessage(data)
	}
}

// Send writes data as one binary message.
func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	if err := checkInput(data); err != nil {
		return err
	}
	if t.closing.Load() {
		return ErrClosed
	}
	if err := t.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

// Resize sends a JSON resize control message as a text frame.
func (t *WebSocketTransport) Resize(ctx context.Context, cols, rows uint16) error {
	msg, err := newResizeMessage(cols, rows)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal resize: %w", err)
	}
	if t.closing.Load() {
		return ErrClosed
	}
	return t.conn.Write(ctx, websocket.MessageText, payload)
}

// Close performs a normal closure. It is safe to call more than once.
func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closing.Store(true)
		err = t.conn.Close(websocket.StatusNormalClosure, "")
		t.cancel()
	})
	return err
}
