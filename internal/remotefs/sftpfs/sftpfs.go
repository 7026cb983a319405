// Package sftpfs is a remotefs.Provider speaking SFTP over a session's SSH
// connection. It keeps one SFTP client per session and replaces it when the
// underlying SSH connection changes.
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/termdeck/internal/logutil"
	"github.com/gluk-w/termdeck/internal/metrics"
	"github.com/gluk-w/termdeck/internal/remotefs"
)

// ClientSource hands out the SSH connection of a session.
type ClientSource interface {
	Client(sessionID string) (*ssh.Client, error)
}

type conn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

// Provider implements remotefs.Provider over SFTP.
type Provider struct {
	source ClientSource
	log    *zap.Logger

	mu    sync.Mutex
	conns map[string]conn
}

// New creates a provider.
func New(source ClientSource, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{source: source, log: log.Named("sftpfs"), conns: make(map[string]conn)}
}

// client returns the SFTP client of sessionID, opening the subsystem on first
// use or after the SSH connection was replaced.
func (p *Provider) client(sessionID string) (*sftp.Client, error) {
	sshClient, err := p.source.Client(sessionID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[sessionID]; ok {
		if c.ssh == sshClient {
			return c.sftp, nil
		}
		c.sftp.Close()
		delete(p.conns, sessionID)
	}

	sc, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}
	p.conns[sessionID] = conn{ssh: sshClient, sftp: sc}
	p.log.Debug("sftp client opened", zap.String("session", sessionID))
	return sc, nil
}

// Close drops the SFTP client of sessionID. The SSH connection stays open.
func (p *Provider) Close(sessionID string) {
	p.mu.Lock()
	c, ok := p.conns[sessionID]
	delete(p.conns, sessionID)
	p.mu.Unlock()
	if ok {
		c.sftp.Close()
	}
}

// CloseAll drops every SFTP client.
func (p *Provider) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]conn)
	p.mu.Unlock()
	for _, c := range conns {
		c.sftp.Close()
	}
}

// do runs fn with the session's client and converts its error.
func (p *Provider) do(ctx context.Context, op, sessionID, path string, fn func(*sftp.Client) error) error {
	if err := ctx.Err(); err != nil {
		return remotefs.WrapError(op, sessionID, path, err)
	}
	c, err := p.client(sessionID)
	if err != nil {
		return remotefs.WrapError(op, sessionID, path, err)
	}

	start := time.Now()
	err = fn(c)
	metrics.RecordProviderOp("sftp", op, time.Since(start), err == nil)
	if err != nil {
		p.log.Debug("sftp operation failed",
			zap.String("op", op),
			zap.String("session", sessionID),
			zap.String("path", logutil.SanitizeForLog(path)),
			zap.Error(err))
	}
	return convertError(op, sessionID, path, err)
}

func convertError(op, sessionID, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return remotefs.WrapError(op, sessionID, path, err)
	case errors.Is(err, os.ErrNotExist):
		return &remotefs.ProviderError{Op: op, SessionID: sessionID, Path: path, Reason: "no such file or directory", Err: err}
	case errors.Is(err, os.ErrExist):
		return &remotefs.ProviderError{Op: op, SessionID: sessionID, Path: path, Reason: "file exists", Err: err}
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		pe := remotefs.NewProviderError(op, sessionID, path, se.Error())
		if pe.Err == nil {
			pe.Err = err
		}
		return pe
	}
	return remotefs.WrapError(op, sessionID, path, err)
}

func (p *Provider) List(ctx context.Context, sessionID, dir string, opts remotefs.ListOptions) ([]remotefs.Descriptor, error) {
	dir = remotefs.CleanPath(dir)
	var entries []remotefs.Descriptor
	err := p.do(ctx, "list", sessionID, dir, func(c *sftp.Client) error {
		infos, err := c.ReadDirContext(ctx, dir)
		if err != nil {
			return err
		}
		entries = make([]remotefs.Descriptor, 0, len(infos))
		for _, fi := range infos {
			if !opts.ShowHidden && strings.HasPrefix(fi.Name(), ".") {
				continue
			}
			entries = append(entries, describe(dir, fi))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	remotefs.SortDescriptors(entries)
	return entries, nil
}

func describe(dir string, fi os.FileInfo) remotefs.Descriptor {
	d := remotefs.Descriptor{
		Name:    fi.Name(),
		Path:    remotefs.Join(dir, fi.Name()),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
	}
	if !d.IsDir && fi.Size() > 0 {
		d.Size = uint64(fi.Size())
	}
	return d
}

func (p *Provider) Create(ctx context.Context, sessionID, path string, isDir bool) error {
	path = remotefs.CleanPath(path)
	return p.do(ctx, "create", sessionID, path, func(c *sftp.Client) error {
		if isDir {
			if _, err := c.Lstat(path); err == nil {
				return os.ErrExist
			}
			return c.Mkdir(path)
		}
		f, err := c.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
		if err != nil {
			return err
		}
		return f.Close()
	})
}

func (p *Provider) Delete(ctx context.Context, sessionID, path string) error {
	path = remotefs.CleanPath(path)
	if path == "/" {
		return remotefs.NewProviderError("delete", sessionID, path, "refusing to delete /")
	}
	return p.do(ctx, "delete", sessionID, path, func(c *sftp.Client) error {
		return c.RemoveAll(path)
	})
}

func (p *Provider) Rename(ctx context.Context, sessionID, oldPath, newPath string) error {
	oldPath, newPath = remotefs.CleanPath(oldPath), remotefs.CleanPath(newPath)
	return p.do(ctx, "rename", sessionID, oldPath, func(c *sftp.Client) error {
		err := c.PosixRename(oldPath, newPath)
		var se *sftp.StatusError
		if errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxOpUnsupported {
			return c.Rename(oldPath, newPath)
		}
		return err
	})
}

func (p *Provider) Copy(ctx context.Context, sessionID, src, dst string) error {
	src, dst = remotefs.CleanPath(src), remotefs.CleanPath(dst)
	return p.do(ctx, "copy", sessionID, src, func(c *sftp.Client) error {
		if _, err := c.Lstat(dst); err == nil {
			return fmt.Errorf("copy to %s: %w", dst, os.ErrExist)
		}
		return copyTree(ctx, c, src, dst)
	})
}

// copyTree copies src to dst recursively, keeping permission bits.
func copyTree(ctx context.Context, c *sftp.Client, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fi, err := c.Lstat(src)
	if err != nil {
		return err
	}

	if !fi.IsDir() {
		return copyFile(c, src, dst, fi.Mode().Perm())
	}
	if err := c.Mkdir(dst); err != nil {
		return err
	}
	if err := c.Chmod(dst, fi.Mode().Perm()); err != nil {
		return err
	}
	children, err := c.ReadDirContext(ctx, src)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := copyTree(ctx, c, remotefs.Join(src, child.Name()), remotefs.Join(dst, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(c *sftp.Client, src, dst string, perm os.FileMode) error {
	in, err := c.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := c.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return c.Chmod(dst, perm)
}
