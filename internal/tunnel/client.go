// Package tunnel carries session traffic over one yamux session tunnelled
// through a WebSocket. Terminal and file requests each get their own stream.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a stream is requested before Dial or
// after the session closed.
var ErrNotConnected = errors.New("tunnel not connected")

// Ping defaults.
const (
	DefaultPingInterval = 30 * time.Second
	PingTimeout         = 5 * time.Second
)

// Client manages a single yamux-over-WebSocket tunnel for one session.
type Client struct {
	name string
	log  *zap.Logger

	mu      sync.Mutex
	session *yamux.Session
}

// NewClient creates an unconnected client. name identifies the session in
// logs and errors.
func NewClient(name string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{name: name, log: log.Named("tunnel").With(zap.String("session", name))}
}

// Dial connects to url over WebSocket and starts a yamux client session on
// top of it.
func (c *Client) Dial(ctx context.Context, url string, header http.Header) error {
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("websocket dial to %s: %w", url, err)
	}
	// The net.Conn must outlive the dial context.
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	if err := c.Attach(netConn); err != nil {
		wsConn.CloseNow()
		return err
	}
	c.log.Info("tunnel connected", zap.String("url", url))
	return nil
}

// Attach starts the yamux client session over an established connection.
func (c *Client) Attach(conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && !c.session.IsClosed() {
		return fmt.Errorf("tunnel %s already connected", c.name)
	}

	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = zap.NewStdLog(c.log)
	sess, err := yamux.Client(conn, cfg)
	if err != nil {
		return fmt.Errorf("yamux client init: %w", err)
	}
	c.session = sess
	return nil
}

// OpenStream opens a raw yamux stream.
func (c *Client) OpenStream(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil || s.IsClosed() {
		return nil, fmt.Errorf("tunnel %s: %w", c.name, ErrNotConnected)
	}
	stream, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("open stream on tunnel %s: %w", c.name, err)
	}
	return stream, nil
}

// OpenChannel opens a stream and writes the channel header. The returned
// conn is positioned for the caller's payload.
func (c *Client) OpenChannel(ctx context.Context, channel string) (net.Conn, error) {
	conn, err := c.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte(channel + "\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write channel header %q: %w", channel, err)
	}
	return conn, nil
}

// Dialer returns a function opening channel, suitable as a transport dialer.
func (c *Client) Dialer(channel string) func(ctx context.Context) (io.ReadWriteCloser, error) {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return c.OpenChannel(ctx, channel)
	}
}

// IsClosed reports whether the yamux session is missing or closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == nil || c.session.IsClosed()
}

// Close tears down the yamux session and the connection below it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// Ping sends "ping\n" on a fresh ping channel and expects "pong\n" within
// PingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.OpenChannel(ctx, ChannelPing)
	if err != nil {
		return fmt.Errorf("open ping channel: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(PingTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if line != "pong\n" {
		return fmt.Errorf("unexpected ping response: %q", line)
	}
	return nil
}

// StartPing pings every interval and closes the tunnel on the first failure.
// The goroutine exits when ctx is cancelled or the session closes.
func (c *Client) StartPing(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.IsClosed() {
					return
				}
				if err := c.Ping(ctx); err != nil {
					c.log.Warn("ping failed, closing tunnel", zap.Error(err))
					c.Close()
					return
				}
			}
		}
	}()
}

// ReadChannelHeader reads a newline-terminated channel name from r one byte
// at a time so nothing past the header is consumed.
func ReadChannelHeader(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > maxChannelHeader {
			return "", fmt.Errorf("channel header exceeds %d bytes", maxChannelHeader)
		}
	}
}
