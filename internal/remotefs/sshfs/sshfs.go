// Package sshfs is a remotefs.Provider that runs coreutils commands over SSH
// exec channels. Each operation is one round trip on the session's
// multiplexed connection.
package sshfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/termdeck/internal/logutil"
	"github.com/gluk-w/termdeck/internal/metrics"
	"github.com/gluk-w/termdeck/internal/remotefs"
)

// SlowCommandThreshold is the duration above which a command is logged as slow.
const SlowCommandThreshold = 500 * time.Millisecond

// ClientSource hands out the SSH connection of a session.
type ClientSource interface {
	Client(sessionID string) (*ssh.Client, error)
}

// Provider implements remotefs.Provider on top of ClientSource.
type Provider struct {
	clients ClientSource
	log     *zap.Logger
}

// New creates a provider.
func New(clients ClientSource, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{clients: clients, log: log.Named("sshfs")}
}

// result is the outcome of one remote command.
type result struct {
	stdout, stderr string
	exitCode       int
}

// run executes cmd in a new SSH session. A non-zero exit is not an error;
// transport failures and cancellation are.
func (p *Provider) run(ctx context.Context, op, sessionID, cmd string) (result, error) {
	client, err := p.clients.Client(sessionID)
	if err != nil {
		return result{}, err
	}

	start := time.Now()
	sess, err := client.NewSession()
	if err != nil {
		return result{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Signal(ssh.SIGKILL)
			sess.Close()
		case <-done:
		}
	}()
	runErr := sess.Run(cmd)
	close(done)
	elapsed := time.Since(start)

	if elapsed > SlowCommandThreshold {
		p.log.Warn("SLOW command",
			zap.String("session", sessionID),
			zap.Duration("elapsed", elapsed),
			zap.String("cmd", logutil.SanitizeForLog(cmd)))
	}

	res := result{stdout: outBuf.String(), stderr: errBuf.String()}
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case runErr == nil:
	default:
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.exitCode = exitErr.ExitStatus()
		} else {
			err = runErr
		}
	}
	metrics.RecordProviderOp("ssh", op, elapsed, err == nil && res.exitCode == 0)
	return res, err
}

// exec runs cmd and turns transport failures and non-zero exits into
// ProviderErrors.
func (p *Provider) exec(ctx context.Context, op, sessionID, path, cmd string) (string, error) {
	res, err := p.run(ctx, op, sessionID, cmd)
	if err != nil {
		return "", remotefs.WrapError(op, sessionID, path, err)
	}
	if res.exitCode != 0 {
		reason := res.stderr
		if strings.TrimSpace(reason) == "" {
			reason = fmt.Sprintf("exit status %d", res.exitCode)
		}
		return "", remotefs.NewProviderError(op, sessionID, path, reason)
	}
	return res.stdout, nil
}

func (p *Provider) List(ctx context.Context, sessionID, dir string, opts remotefs.ListOptions) ([]remotefs.Descriptor, error) {
	dir = remotefs.CleanPath(dir)
	cmd := "ls -l --color=never --time-style=+%s"
	if opts.ShowHidden {
		cmd += " -A"
	}
	cmd += " -- " + shellQuote(dir)

	out, err := p.exec(ctx, "list", sessionID, dir, cmd)
	if err != nil {
		return nil, err
	}
	entries := ParseListing(dir, out)
	remotefs.SortDescriptors(entries)
	return entries, nil
}

func (p *Provider) Create(ctx context.Context, sessionID, path string, isDir bool) error {
	path = remotefs.CleanPath(path)
	cmd := "set -C && : > " + shellQuote(path)
	if isDir {
		cmd = "mkdir -- " + shellQuote(path)
	}
	_, err := p.exec(ctx, "create", sessionID, path, cmd)
	return err
}

func (p *Provider) Delete(ctx context.Context, sessionID, path string) error {
	path = remotefs.CleanPath(path)
	if path == "/" {
		return remotefs.NewProviderError("delete", sessionID, path, "refusing to delete /")
	}
	_, err := p.exec(ctx, "delete", sessionID, path, "rm -rf -- "+shellQuote(path))
	return err
}

func (p *Provider) Rename(ctx context.Context, sessionID, oldPath, newPath string) error {
	oldPath, newPath = remotefs.CleanPath(oldPath), remotefs.CleanPath(newPath)
	_, err := p.exec(ctx, "rename", sessionID, oldPath, "mv -T -- "+shellQuote(oldPath)+" "+shellQuote(newPath))
	return err
}

func (p *Provider) Copy(ctx context.Context, sessionID, src, dst string) error {
	src, dst = remotefs.CleanPath(src), remotefs.CleanPath(dst)
	_, err := p.exec(ctx, "copy", sessionID, src, "cp -a -T -- "+shellQuote(src)+" "+shellQuote(dst))
	return err
}

// ParseListing parses `ls -l --time-style=+%s` output of dir. The "total"
// line and lines that do not parse are skipped. Symlink targets are dropped
// from the name.
func ParseListing(dir, out string) []remotefs.Descriptor {
	entries := []remotefs.Descriptor{}
	for _, line := range strings.Split(out, "\n") {
		d, ok := parseLine(line)
		if !ok || d.Name == "." || d.Name == ".." {
			continue
		}
		d.Path = remotefs.Join(dir, d.Name)
		entries = append(entries, d)
	}
	return entries
}

// parseLine parses one entry line:
//
//	drwxr-xr-x 2 root root 4096 1700000000 name
//	crw-rw-rw- 1 root root 1, 3 1700000000 null
func parseLine(line string) (remotefs.Descriptor, bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" || strings.HasPrefix(line, "total ") {
		return remotefs.Descriptor{}, false
	}

	fields, rest := cutFields(line, 6)
	if len(fields) < 6 {
		return remotefs.Descriptor{}, false
	}
	// Device files print "major, minor" where the size goes.
	if strings.HasSuffix(fields[4], ",") {
		var extra []string
		extra, rest = cutFields(rest, 1)
		if len(extra) != 1 {
			return remotefs.Descriptor{}, false
		}
		fields[4], fields[5] = "0", extra[0]
	}

	mode := fields[0]
	mtime, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil || rest == "" {
		return remotefs.Descriptor{}, false
	}
	size, _ := strconv.ParseUint(fields[4], 10, 64)

	name := rest
	if mode[0] == 'l' {
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[:i]
		}
	}
	return remotefs.Descriptor{
		Name:    name,
		IsDir:   mode[0] == 'd',
		Size:    size,
		ModTime: time.Unix(mtime, 0),
	}, true
}

// cutFields splits off the first n space-separated fields of s and returns
// them with the remainder. Exactly one separator is removed before the
// remainder so names keep leading spaces.
func cutFields(s string, n int) ([]string, string) {
	var fields []string
	for len(fields) < n {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return fields, ""
		}
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			fields = append(fields, s)
			return fields, ""
		}
		fields = append(fields, s[:i])
		s = s[i+1:]
	}
	return fields, s
}

// shellQuote wraps a string in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
