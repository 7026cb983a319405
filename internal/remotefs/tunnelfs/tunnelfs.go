// Package tunnelfs is a remotefs.Provider that forwards each operation to the
// remote agent over a "files" tunnel channel. Every stream carries exactly one
// JSON request and one JSON response.
package tunnelfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/termdeck/internal/metrics"
	"github.com/gluk-w/termdeck/internal/remotefs"
	"github.com/gluk-w/termdeck/internal/tunnel"
)

// DefaultTimeout bounds a request when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Request is the JSON request written after the channel header.
type Request struct {
	Op         string `json:"op"`
	Path       string `json:"path"`
	Dest       string `json:"dest,omitempty"`
	IsDir      bool   `json:"is_dir,omitempty"`
	ShowHidden bool   `json:"show_hidden,omitempty"`
}

// Response is the agent's reply.
type Response struct {
	Entries []Entry `json:"entries,omitempty"`
	OK      bool    `json:"ok,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Entry is one listed file.
type Entry struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // dir, file or link
	Size    uint64 `json:"size"`
	ModTime int64  `json:"mod_time"` // unix seconds
}

// ChannelOpener opens a named tunnel channel.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, channel string) (net.Conn, error)
}

// Provider serves one session through its tunnel.
type Provider struct {
	tunnel ChannelOpener
	log    *zap.Logger
}

// New creates a provider bound to a session's tunnel.
func New(t ChannelOpener, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{tunnel: t, log: log.Named("tunnelfs")}
}

func (p *Provider) call(ctx context.Context, sessionID string, req Request) (Response, error) {
	start := time.Now()
	resp, err := p.roundTrip(ctx, req)
	metrics.RecordProviderOp("tunnel", req.Op, time.Since(start), err == nil && resp.Error == "")
	if err != nil {
		p.log.Debug("files request failed", zap.String("op", req.Op), zap.String("session", sessionID), zap.Error(err))
		if errors.Is(err, tunnel.ErrNotConnected) {
			err = fmt.Errorf("%w: %w", err, remotefs.ErrNotReady)
		}
		return Response{}, remotefs.WrapError(req.Op, sessionID, req.Path, err)
	}
	if resp.Error != "" {
		return Response{}, remotefs.NewProviderError(req.Op, sessionID, req.Path, resp.Error)
	}
	return resp, nil
}

func (p *Provider) roundTrip(ctx context.Context, req Request) (Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	conn, err := p.tunnel.OpenChannel(ctx, tunnel.ChannelFiles)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, p.ctxErr(ctx, fmt.Errorf("write files request: %w", err))
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, p.ctxErr(ctx, fmt.Errorf("read files response: %w", err))
	}
	return resp, nil
}

// ctxErr prefers the context's error over the I/O error it caused.
func (p *Provider) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Provider) List(ctx context.Context, sessionID, dir string, opts remotefs.ListOptions) ([]remotefs.Descriptor, error) {
	dir = remotefs.CleanPath(dir)
	resp, err := p.call(ctx, sessionID, Request{Op: "list", Path: dir, ShowHidden: opts.ShowHidden})
	if err != nil {
		return nil, err
	}
	entries := make([]remotefs.Descriptor, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		d := remotefs.Descriptor{
			Name:    e.Name,
			Path:    remotefs.Join(dir, e.Name),
			IsDir:   e.Type == "dir",
			ModTime: time.Unix(e.ModTime, 0),
		}
		if !d.IsDir {
			d.Size = e.Size
		}
		entries = append(entries, d)
	}
	remotefs.SortDescriptors(entries)
	return entries, nil
}

func (p *Provider) Create(ctx context.Context, sessionID, path string, isDir bool) error {
	_, err := p.call(ctx, sessionID, Request{Op: "create", Path: remotefs.CleanPath(path), IsDir: isDir})
	return err
}

func (p *Provider) Delete(ctx context.Context, sessionID, path string) error {
	_, err := p.call(ctx, sessionID, Request{Op: "delete", Path: remotefs.CleanPath(path)})
	return err
}

func (p *Provider) Rename(ctx context.Context, sessionID, oldPath, newPath string) error {
	_, err := p.call(ctx, sessionID, Request{Op: "rename", Path: remotefs.CleanPath(oldPath), Dest: remotefs.CleanPath(newPath)})
	return err
}

func (p *Provider) Copy(ctx context.Context, sessionID, src, dst string) error {
	_, err := p.call(ctx, sessionID, Request{Op: "copy", Path: remotefs.CleanPath(src), Dest: remotefs.CleanPath(dst)})
	return err
}
