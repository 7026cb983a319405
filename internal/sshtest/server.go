// Package sshtest runs in-process SSH servers for tests. A server can answer
// exec requests through a callback and can run a PTY echo shell.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ExecFunc runs one exec request and returns its exit status.
type ExecFunc func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int

// Options configures a Server.
type Options struct {
	// Exec handles exec requests. Nil rejects them.
	Exec ExecFunc
	// Shell enables the echo shell: it prints "PTY:<bool>\n" on start,
	// echoes input prefixed with "echo:", reports window changes as
	// "resize:<cols>x<rows>\n" and exits when it reads "exit\r".
	Shell bool
	// Password, when set, is accepted for any user.
	Password string
	// SFTP enables the sftp subsystem, served from the local filesystem.
	SFTP bool
}

// Server is a running test SSH server.
type Server struct {
	Addr         string
	HostKey      ssh.PublicKey
	ClientSigner ssh.Signer
	ClientKeyPEM []byte

	opts     Options
	listener net.Listener
	mu       sync.Mutex
	conns    []net.Conn
	done     chan struct{}
	once     sync.Once
}

// GenerateKey returns a fresh ED25519 signer and its PEM encoding.
func GenerateKey() (ssh.Signer, []byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, keyPEM, nil
}

// NewServer starts a server on a loopback port. It is stopped by t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	hostSigner, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	clientSigner, clientPEM, err := GenerateKey()
	if err != nil {
		t.Fatalf("client key: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(clientSigner.PublicKey()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	if opts.Password != "" {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:         listener.Addr().String(),
		HostKey:      hostSigner.PublicKey(),
		ClientSigner: clientSigner,
		ClientKeyPEM: clientPEM,
		opts:         opts,
		listener:     listener,
		done:         make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, netConn)
			s.mu.Unlock()
			go s.handleConn(netConn, config)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	s.once.Do(func() {
		s.listener.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		<-s.done
	})
}

// KnownHostsLine returns a known_hosts entry for the server.
func (s *Server) KnownHostsLine() string {
	return KnownHostsEntry(s.Addr, s.HostKey)
}

// KnownHostsEntry returns a known_hosts line binding key to addr.
func KnownHostsEntry(addr string, key ssh.PublicKey) string {
	return knownhosts.Line([]string{addr}, key)
}

// Dial connects with the client key. The client is closed by t.Cleanup.
func (s *Server) Dial(t testing.TB) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", s.Addr, &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.ClientSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func sendExitStatus(ch ssh.Channel, code int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var hasPTY bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			req.Reply(req.WantReply, nil)

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "exec":
			var payload struct{ Command string }
			if s.opts.Exec == nil || ssh.Unmarshal(req.Payload, &payload) != nil {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			code := s.opts.Exec(payload.Command, ch, ch, ch.Stderr())
			sendExitStatus(ch, code)
			return

		case "subsystem":
			var payload struct{ Name string }
			if !s.opts.SFTP || ssh.Unmarshal(req.Payload, &payload) != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			go func() {
				for req := range requests {
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}()
			server.Serve()
			server.Close()
			return

		case "shell":
			if !s.opts.Shell {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			fmt.Fprintf(ch, "PTY:%v\n", hasPTY)
			go s.echo(ch)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) echo(ch ssh.Channel) {
	var typed strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write([]byte("echo:"))
			ch.Write(buf[:n])
			typed.Write(buf[:n])
			if strings.Contains(typed.String(), "exit\r") {
				sendExitStatus(ch, 0)
				ch.Close()
				return
			}
		}
		if err != nil {
			return
		}
	}
}
