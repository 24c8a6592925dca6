package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Load reads, expands, parses, and validates a configuration file in one
// shot. It is a convenience wrapper around Store for callers (such as
// cmd/mcphubd) that only need a one-time load rather than a watch.
func Load(path string) (Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	store := NewStore(FromFile(path), zerolog.Nop())
	result, err := store.Load()
	if err != nil {
		return Config{}, err
	}
	return Config{MCPServers: result.Servers}, nil
}
