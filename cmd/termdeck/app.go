package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/termdeck/internal/config"
	"github.com/gluk-w/termdeck/internal/explorer"
	"github.com/gluk-w/termdeck/internal/history"
	"github.com/gluk-w/termdeck/internal/remotefs"
	"github.com/gluk-w/termdeck/internal/remotefs/sftpfs"
	"github.com/gluk-w/termdeck/internal/remotefs/sshfs"
	"github.com/gluk-w/termdeck/internal/remotefs/tunnelfs"
	"github.com/gluk-w/termdeck/internal/rescache"
	"github.com/gluk-w/termdeck/internal/retry"
	"github.com/gluk-w/termdeck/internal/session"
	"github.com/gluk-w/termdeck/internal/sshconn"
	"github.com/gluk-w/termdeck/internal/transport"
	"github.com/gluk-w/termdeck/internal/tunnel"
)

// app holds every long-lived component and the per-session connections that
// back a profile session.
type app struct {
	cfg config.Settings
	log *zap.Logger

	history  *history.Store
	ssh      *sshconn.Registry
	mux      *remotefs.Mux
	sshfs    *sshfs.Provider
	sftp     *sftpfs.Provider
	cache    *rescache.Cache
	explorer *explorer.Explorer
	sessions *session.Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tunnels map[string]*tunnel.Client
}

func newApp(cfg config.Settings, store *history.Store, term session.TerminalSink, view rescache.Listener, log *zap.Logger) *app {
	ctx, cancel := context.WithCancel(context.Background())
	a := &app{
		cfg:     cfg,
		log:     log,
		history: store,
		ssh:     sshconn.NewRegistry(sshconn.DefaultKeepaliveInterval, log),
		mux:     remotefs.NewMux(),
		ctx:     ctx,
		cancel:  cancel,
		tunnels: make(map[string]*tunnel.Client),
	}
	a.sshfs = sshfs.New(a.ssh, log)
	a.sftp = sftpfs.New(a.ssh, log)
	a.cache = rescache.New(a.mux, rescache.Options{
		ShowHidden:         cfg.ShowHidden,
		PreloadLimit:       cfg.PreloadLimit,
		PreloadConcurrency: cfg.PreloadConcurrency,
	}, log)
	a.explorer = explorer.New(a.cache, a.mux, explorer.Options{
		Policy: retry.Policy{MaxAttempts: cfg.LoadRetryAttempts, Delay: cfg.LoadRetryDelay},
	}, log)
	if view != nil {
		a.explorer.SetListener(view)
	}

	opts := session.Options{ScrollbackSize: cfg.ScrollbackSize, Terminal: term}
	if store != nil {
		opts.History = store
	}
	a.sessions = session.NewManager(opts, log)
	a.sessions.OnStateChange(a.explorer.SessionStateChanged)
	a.sessions.OnStateChange(func(id string, from, to session.State) {
		if to == session.StateDisconnected {
			a.release(id)
		}
	})
	return a
}

// openProfile opens every session of prof. A session that fails to open is
// logged and skipped.
func (a *app) openProfile(ctx context.Context, prof config.Profile) int {
	opened := 0
	for _, sp := range prof.Sessions {
		id, err := a.open(ctx, sp)
		if err != nil {
			a.log.Error("failed to open session", zap.String("session", sp.ID), zap.Error(err))
			continue
		}
		a.log.Info("session started", zap.String("session", id), zap.String("transport", sp.Transport), zap.String("files", sp.Files))
		opened++
	}
	return opened
}

// open connects whatever sp needs, registers its file backend and opens the
// terminal session.
func (a *app) open(ctx context.Context, sp config.SessionProfile) (string, error) {
	id := sp.ID
	if id == "" {
		id = uuid.New().String()
	}
	if a.sessions.Get(id) != nil {
		return "", fmt.Errorf("open session %q: %w", id, session.ErrDuplicateSession)
	}

	if sp.NeedsSSH() && sp.SSH != nil {
		if _, err := a.ssh.Connect(ctx, id, sshconn.TargetFromProfile(sp.SSH)); err != nil {
			return "", fmt.Errorf("connect ssh for %s: %w", id, err)
		}
	}
	var tc *tunnel.Client
	if sp.NeedsTunnel() {
		tc = tunnel.NewClient(id, a.log)
		if err := tc.Dial(ctx, sp.Tunnel, nil); err != nil {
			a.release(id)
			return "", fmt.Errorf("dial tunnel for %s: %w", id, err)
		}
		tc.StartPing(a.ctx, tunnel.DefaultPingInterval)
		a.mu.Lock()
		a.tunnels[id] = tc
		a.mu.Unlock()
	}

	switch sp.Files {
	case config.FilesSSH:
		a.mux.Register(id, a.sshfs)
	case config.FilesSFTP:
		a.mux.Register(id, a.sftp)
	case config.FilesTunnel:
		a.mux.Register(id, tunnelfs.New(tc, a.log))
	}
	a.explorer.SetHome(id, sp.Home)

	factory, err := a.factory(id, sp, tc)
	if err != nil {
		a.release(id)
		return "", err
	}
	// A failed factory moves the session to disconnected, which releases
	// everything registered above.
	if _, err := a.sessions.Open(ctx, id, factory); err != nil {
		return "", err
	}
	return id, nil
}

func (a *app) factory(id string, sp config.SessionProfile, tc *tunnel.Client) (session.TransportFactory, error) {
	switch sp.Transport {
	case config.TransportWebSocket:
		return transport.WebSocket(sp.Endpoint, transport.WebSocketOptions{}), nil
	case config.TransportSSH:
		client, err := a.ssh.Client(id)
		if err != nil {
			return nil, fmt.Errorf("ssh transport for %s: %w", id, err)
		}
		shell := transport.DefaultShell
		if sp.SSH != nil && sp.SSH.Shell != "" {
			shell = sp.SSH.Shell
		}
		return transport.SSHPTY(client, shell, transport.PTYOptions{}), nil
	case config.TransportTunnel:
		if tc == nil {
			return nil, fmt.Errorf("tunnel transport for %s: %w", id, tunnel.ErrNotConnected)
		}
		return transport.Stream(tc.Dialer(tunnel.ChannelTerminal), transport.StreamOptions{Framed: true}), nil
	}
	return nil, fmt.Errorf("session %s: unknown transport %q", id, sp.Transport)
}

// release drops the file backend and closes the connections of session id.
// It is safe to call more than once.
func (a *app) release(id string) {
	a.mux.Unregister(id)
	a.sftp.Close(id)
	if err := a.ssh.Close(id); err != nil {
		a.log.Debug("closing ssh connection", zap.String("session", id), zap.Error(err))
	}

	a.mu.Lock()
	tc := a.tunnels[id]
	delete(a.tunnels, id)
	a.mu.Unlock()
	if tc != nil {
		if err := tc.Close(); err != nil {
			a.log.Debug("closing tunnel", zap.String("session", id), zap.Error(err))
		}
	}
}

// prune deletes command history older than the configured retention.
func (a *app) prune() {
	if a.history == nil {
		return
	}
	if _, err := a.history.Prune(a.cfg.HistoryRetention); err != nil {
		a.log.Warn("history prune failed", zap.Error(err))
	}
}

// shutdown closes sessions first so their state changes still reach the
// explorer, then stops background work and drops every connection.
func (a *app) shutdown() {
	a.sessions.CloseAll()
	a.explorer.Close()
	a.cache.Close()
	a.cache.Wait()
	a.cancel()

	a.mu.Lock()
	ids := make([]string, 0, len(a.tunnels))
	for id := range a.tunnels {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.release(id)
	}
	a.sftp.CloseAll()
	if err := a.ssh.CloseAll(); err != nil {
		a.log.Warn("ssh shutdown", zap.Error(err))
	}
}
