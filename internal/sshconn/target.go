package sshconn

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/termdeck/internal/config"
)

// connectTimeout is the default timeout for establishing SSH connections.
const connectTimeout = 30 * time.Second

// Target describes how to reach and authenticate with one SSH server.
type Target struct {
	Addr     string
	User     string
	KeyFile  string
	Password string
	// KnownHostsFile pins host keys. Empty accepts any host key.
	KnownHostsFile string
	Timeout        time.Duration

	// Signer overrides KeyFile when set.
	Signer ssh.Signer
}

// TargetFromProfile converts the ssh block of a session profile.
func TargetFromProfile(p *config.SSHProfile) Target {
	if p == nil {
		return Target{}
	}
	return Target{
		Addr:           p.Addr,
		User:           p.User,
		KeyFile:        p.KeyFile,
		Password:       p.Password,
		KnownHostsFile: p.KnownHostsFile,
	}
}

// ClientConfig builds the client configuration for t. Key authentication is
// tried before the password.
func (t Target) ClientConfig() (*ssh.ClientConfig, error) {
	if t.User == "" {
		return nil, fmt.Errorf("ssh target %s: user is required", t.Addr)
	}

	var auth []ssh.AuthMethod
	signer := t.Signer
	if signer == nil && t.KeyFile != "" {
		s, err := LoadSigner(t.KeyFile)
		if err != nil {
			return nil, err
		}
		signer = s
	}
	if signer != nil {
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh target %s: no key or password configured", t.Addr)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if t.KnownHostsFile != "" {
		cb, err := knownhosts.New(t.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", t.KnownHostsFile, err)
		}
		hostKeys = cb
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = connectTimeout
	}
	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

// LoadSigner reads a PEM-encoded private key from path.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}
