package config

import (
	"fmt"
	"path/filepath"

	"github.com/mcp-hub/hub/internal/huberr"
)

// ServerKind distinguishes the two transport families a server config
// can describe (spec §3).
type ServerKind string

const (
	KindStdio  ServerKind = "stdio"
	KindRemote ServerKind = "remote"
)

// DevConfig is the stdio-only development watch configuration.
type DevConfig struct {
	Enabled bool     `json:"enabled"`
	Watch   []string `json:"watch,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

// ServerConfig is the raw, possibly-unresolved per-server configuration
// (spec §3). Exactly one of Command/URL is set once Validate has run.
type ServerConfig struct {
	Name        string            `json:"-"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]*string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
	Dev         *DevConfig        `json:"dev,omitempty"`
	Description string            `json:"description,omitempty"`

	kind ServerKind
}

// Kind returns the derived, fixed transport kind. Only valid after
// Validate has succeeded.
func (s ServerConfig) Kind() ServerKind { return s.kind }

// Validate infers and fixes Kind, rejecting configs that set both or
// neither of Command/URL, and checks kind-specific shape requirements
// (spec §3, §4.2 step 3).
func (s *ServerConfig) Validate(name string) error {
	s.Name = name
	hasCommand := s.Command != ""
	hasURL := s.URL != ""

	switch {
	case hasCommand && hasURL:
		return huberr.New(huberr.ConfigInvalid, fmt.Sprintf("server %q: command and url are mutually exclusive", name)).WithServer(name)
	case !hasCommand && !hasURL:
		return huberr.New(huberr.ConfigInvalid, fmt.Sprintf("server %q: exactly one of command or url is required", name)).WithServer(name)
	case hasCommand:
		s.kind = KindStdio
	default:
		s.kind = KindRemote
	}

	if s.Dev != nil {
		if s.kind != KindStdio {
			return huberr.New(huberr.ConfigInvalid, fmt.Sprintf("server %q: dev is only valid for stdio servers", name)).WithServer(name)
		}
		if s.Dev.Cwd != "" && !filepath.IsAbs(s.Dev.Cwd) {
			return huberr.New(huberr.ConfigInvalid, fmt.Sprintf("server %q: dev.cwd must be an absolute path", name)).WithServer(name)
		}
	}

	return nil
}

// Clone returns a deep copy, so placeholder resolution never mutates the
// caller's configuration (spec §9 Open Question).
func (s ServerConfig) Clone() ServerConfig {
	cp := s
	cp.Args = append([]string(nil), s.Args...)
	if s.Env != nil {
		cp.Env = make(map[string]*string, len(s.Env))
		for k, v := range s.Env {
			if v == nil {
				cp.Env[k] = nil
				continue
			}
			val := *v
			cp.Env[k] = &val
		}
	}
	if s.Headers != nil {
		cp.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			cp.Headers[k] = v
		}
	}
	if s.Dev != nil {
		dev := *s.Dev
		dev.Watch = append([]string(nil), s.Dev.Watch...)
		cp.Dev = &dev
	}
	return cp
}

// ResolvedServerConfig is a ServerConfig whose every string field has
// had placeholder resolution applied (spec §3). Produced fresh on every
// connect attempt.
type ResolvedServerConfig struct {
	Name        string
	Kind        ServerKind
	Command     string
	Args        []string
	Env         map[string]string
	URL         string
	Headers     map[string]string
	Disabled    bool
	Dev         *DevConfig
	Description string
}

