// Package sshconn dials SSH servers and keeps one multiplexed connection per
// session. Terminal shells and file backends share that connection.
package sshconn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/termdeck/internal/remotefs"
)

// DefaultKeepaliveInterval is how often live connections are probed.
const DefaultKeepaliveInterval = 30 * time.Second

// Registry holds SSH connections keyed by session id.
type Registry struct {
	log       *zap.Logger
	keepalive time.Duration

	mu    sync.RWMutex
	conns map[string]*managedConn
}

// managedConn wraps an SSH client with its cancel function for stopping keepalive.
type managedConn struct {
	client      *ssh.Client
	cancel      context.CancelFunc
	connectedAt time.Time
}

// NewRegistry creates an empty registry. A non-positive keepalive uses
// DefaultKeepaliveInterval.
func NewRegistry(keepalive time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	return &Registry{
		log:       log.Named("sshconn"),
		keepalive: keepalive,
		conns:     make(map[string]*managedConn),
	}
}

// Dial establishes an SSH connection to t without registering it.
func Dial(ctx context.Context, t Target) (*ssh.Client, error) {
	cfg, err := t.ClientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.Addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, t.Addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", t.Addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Connect dials t and stores the connection for sessionID, replacing and
// closing any previous one.
func (r *Registry) Connect(ctx context.Context, sessionID string, t Target) (*ssh.Client, error) {
	client, err := Dial(ctx, t)
	if err != nil {
		return nil, err
	}
	r.Set(sessionID, client)
	r.log.Info("ssh connected", zap.String("session", sessionID), zap.String("addr", t.Addr))
	return client, nil
}

// Set registers an established client for sessionID and starts its keepalive.
func (r *Registry) Set(sessionID string, client *ssh.Client) {
	keepCtx, keepCancel := context.WithCancel(context.Background())
	mc := &managedConn{client: client, cancel: keepCancel, connectedAt: time.Now()}

	r.mu.Lock()
	if existing, ok := r.conns[sessionID]; ok {
		existing.cancel()
		existing.client.Close()
	}
	r.conns[sessionID] = mc
	r.mu.Unlock()

	go r.keepaliveLoop(keepCtx, sessionID, client)
}

// Client returns the connection of sessionID. A missing connection is
// reported as remotefs.ErrNotReady since it may still be dialing.
func (r *Registry) Client(sessionID string) (*ssh.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mc, ok := r.conns[sessionID]
	if !ok {
		return nil, fmt.Errorf("no ssh connection for session %s: %w", sessionID, remotefs.ErrNotReady)
	}
	return mc.client, nil
}

// IsConnected sends a keepalive to check the connection of sessionID.
func (r *Registry) IsConnected(sessionID string) bool {
	r.mu.RLock()
	mc, ok := r.conns[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	_, _, err := mc.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Close closes the connection of sessionID. Unknown ids are ignored.
func (r *Registry) Close(sessionID string) error {
	r.mu.Lock()
	mc, ok := r.conns[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, sessionID)
	r.mu.Unlock()

	mc.cancel()
	if err := mc.client.Close(); err != nil {
		return fmt.Errorf("close ssh connection for session %s: %w", sessionID, err)
	}
	r.log.Info("ssh disconnected", zap.String("session", sessionID),
		zap.Duration("uptime", time.Since(mc.connectedAt)))
	return nil
}

// CloseAll closes every connection. Used during shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*managedConn)
	r.mu.Unlock()

	var firstErr error
	for id, mc := range conns {
		mc.cancel()
		if err := mc.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close ssh connection for session %s: %w", id, err)
		}
	}
	r.log.Info("all ssh connections closed", zap.Int("count", len(conns)))
	return firstErr
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// keepaliveLoop probes the connection and drops it from the registry once a
// probe fails.
func (r *Registry) keepaliveLoop(ctx context.Context, sessionID string, client *ssh.Client) {
	ticker := time.NewTicker(r.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				continue
			}
			r.log.Warn("ssh keepalive failed, removing connection",
				zap.String("session", sessionID), zap.Error(err))
			r.mu.Lock()
			if mc, ok := r.conns[sessionID]; ok && mc.client == client {
				delete(r.conns, sessionID)
			}
			r.mu.Unlock()
			client.Close()
			return
		}
	}
}
