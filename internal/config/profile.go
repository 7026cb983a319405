package config

import (
	"errors"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// Transport kinds a profile session may use for its terminal channel.
const (
	TransportWebSocket = "websocket"
	TransportSSH       = "ssh"
	TransportTunnel    = "tunnel"
)

// File backends a profile session may use for directory listings.
const (
	FilesSSH    = "ssh"
	FilesSFTP   = "sftp"
	FilesTunnel = "tunnel"
)

// Profile lists the sessions opened at startup.
type Profile struct {
	Sessions []SessionProfile `yaml:"sessions"`
}

// SessionProfile describes one remote session.
type SessionProfile struct {
	ID        string      `yaml:"id"`
	Transport string      `yaml:"transport"`
	Files     string      `yaml:"files"`
	Endpoint  string      `yaml:"endpoint"`
	Tunnel    string      `yaml:"tunnel"`
	Home      string      `yaml:"home"`
	SSH       *SSHProfile `yaml:"ssh,omitempty"`
}

// SSHProfile holds what is needed to dial an SSH server. Credentials are read
// as given; termdeck does not manage keys.
type SSHProfile struct {
	Addr           string `yaml:"addr"`
	User           string `yaml:"user"`
	KeyFile        string `yaml:"key_file"`
	Password       string `yaml:"password"`
	KnownHostsFile string `yaml:"known_hosts"`
	Shell          string `yaml:"shell"`
}

// LoadProfile reads and validates the YAML profile at p. A missing file yields
// an empty profile so termdeck can start without preconfigured sessions.
func LoadProfile(p string) (Profile, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a profile document, applies defaults and validates it.
func ParseProfile(data []byte) (Profile, error) {
	var prof Profile
	if err := yaml.Unmarshal(data, &prof); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}

	seen := make(map[string]bool, len(prof.Sessions))
	for i := range prof.Sessions {
		s := &prof.Sessions[i]
		if s.Home == "" {
			s.Home = "/"
		}
		s.Home = path.Clean(s.Home)
		if s.Files == "" {
			s.Files = defaultFiles(s.Transport)
		}
		if err := s.validate(); err != nil {
			return Profile{}, fmt.Errorf("profile session %d: %w", i, err)
		}
		if s.ID != "" {
			if seen[s.ID] {
				return Profile{}, fmt.Errorf("profile session %d: duplicate id %q", i, s.ID)
			}
			seen[s.ID] = true
		}
	}
	return prof, nil
}

func defaultFiles(transport string) string {
	if transport == TransportTunnel {
		return FilesTunnel
	}
	return FilesSSH
}

func (s SessionProfile) validate() error {
	if !path.IsAbs(s.Home) {
		return fmt.Errorf("home %q must be absolute", s.Home)
	}
	switch s.Transport {
	case TransportWebSocket:
		if s.Endpoint == "" {
			return fmt.Errorf("transport websocket requires endpoint")
		}
	case TransportTunnel, TransportSSH:
	default:
		return fmt.Errorf("unknown transport %q", s.Transport)
	}
	switch s.Files {
	case FilesSSH, FilesSFTP:
		if s.SSH == nil || s.SSH.Addr == "" || s.SSH.User == "" {
			return fmt.Errorf("files backend %s requires ssh.addr and ssh.user", s.Files)
		}
	case FilesTunnel:
	default:
		return fmt.Errorf("unknown files backend %q", s.Files)
	}
	if s.Transport == TransportSSH && (s.SSH == nil || s.SSH.Addr == "") {
		return fmt.Errorf("transport ssh requires ssh.addr")
	}
	if s.NeedsTunnel() && s.Tunnel == "" {
		return fmt.Errorf("tunnel transport or files backend requires tunnel url")
	}
	return nil
}

// NeedsSSH reports whether the session requires an SSH client connection.
func (s SessionProfile) NeedsSSH() bool {
	return s.Transport == TransportSSH || s.Files == FilesSSH || s.Files == FilesSFTP
}

// NeedsTunnel reports whether the session requires a yamux tunnel.
func (s SessionProfile) NeedsTunnel() bool {
	return s.Transport == TransportTunnel || s.Files == FilesTunnel
}
