package transport

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/termdeck/internal/session"
)

// DefaultShell is started when a session does not name one.
const DefaultShell = "/bin/bash"

// AllowedShells is the set of shells permitted for interactive sessions.
var AllowedShells = []string{"/bin/bash", "/bin/sh", "/bin/zsh"}

// ValidateShell accepts an empty shell, a shell from AllowedShells, and the
// "su" and "su - <user>" forms as long as they carry no shell metacharacters.
func ValidateShell(shell string) error {
	if shell == "" || slices.Contains(AllowedShells, shell) {
		return nil
	}
	if shell == "su" || strings.HasPrefix(shell, "su ") || strings.HasPrefix(shell, "su\t") {
		if i := strings.IndexAny(shell, ";&|$`(){}<>\n\\\"'!"); i >= 0 {
			return fmt.Errorf("shell command %q contains forbidden character %q", shell, shell[i])
		}
		return nil
	}
	return fmt.Errorf("shell %q is not allowed; permitted shells: %v", shell, AllowedShells)
}

// PTYOptions describes the pseudo-terminal requested for an SSH shell.
type PTYOptions struct {
	Term string
	Cols uint16
	Rows uint16
}

func (o PTYOptions) withDefaults() PTYOptions {
	if o.Term == "" {
		o.Term = "xterm-256color"
	}
	if o.Cols == 0 {
		o.Cols = 80
	}
	if o.Rows == 0 {
		o.Rows = 24
	}
	return o
}

// PTYTransport is an interactive shell in an SSH session.
type PTYTransport struct {
	sess  *ssh.Session
	stdin io.WriteCloser
	done  atomic.Bool
	once  sync.Once
}

// SSHPTY returns a factory starting shell on client with a PTY attached.
func SSHPTY(client *ssh.Client, shell string, opts PTYOptions) session.TransportFactory {
	return func(ctx context.Context, h session.Handlers) (session.Transport, error) {
		if err := ValidateShell(shell); err != nil {
			return nil, fmt.Errorf("validate shell: %w", err)
		}
		if shell == "" {
			shell = DefaultShell
		}
		opts := opts.withDefaults()

		sess, err := client.NewSession()
		if err != nil {
			return nil, fmt.Errorf("create ssh session: %w", err)
		}

		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty(opts.Term, int(opts.Rows), int(opts.Cols), modes); err != nil {
			sess.Close()
			return nil, fmt.Errorf("request pty: %w", err)
		}
		stdin, err := sess.StdinPipe()
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := sess.StdoutPipe()
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := sess.Start(shell); err != nil {
			sess.Close()
			return nil, fmt.Errorf("start shell %q: %w", shell, err)
		}

		t := &PTYTransport{sess: sess, stdin: stdin}
		go relay(stdout, h, t.isClosed, nil)
		return t, nil
	}
}

func (t *PTYTransport) isClosed() bool {
	return t.done.Load()
}

// Send writes data to the shell's stdin.
func (t *PTYTransport) Send(ctx context.Context, data []byte) error {
	if err := checkInput(data); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Resize changes the PTY dimensions.
func (t *PTYTransport) Resize(ctx context.Context, cols, rows uint16) error {
	msg, err := newResizeMessage(cols, rows)
	if err != nil {
		return err
	}
	return t.sess.WindowChange(int(msg.Rows), int(msg.Cols))
}

// Close terminates the SSH session.
func (t *PTYTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.done.Store(true)
		t.stdin.Close()
		err = t.sess.Close()
		if err == io.EOF {
			err = nil
		}
	})
	return err
}

// relay copies r to OnMessage until r fails. EOF, or any error after a local
// close, ends the session normally. decode, if set, rewrites each chunk and
// may drop it by returning nil.
func relay(r io.Reader, h session.Handlers, closed func() bool, decode func([]byte) []byte) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if decode != nil {
				data = decode(data)
			}
			if len(data) > 0 {
				h.OnMessage(data)
			}
		}
		if err != nil {
			if err == io.EOF || closed() {
				h.OnClose()
			} else {
				h.OnError(err)
			}
			return
		}
	}
}
