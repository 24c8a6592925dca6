// Package config implements the declarative server map: parsing,
// validation, semantic diffing, and file watching (spec §4.2).
package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mcp-hub/hub/internal/huberr"
	"github.com/rs/zerolog"
)

// Config is the top-level shape of the configuration source.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// GetEnabledServers returns the subset of servers that are not disabled
// (grounded on the teacher's config.GetEnabledServers).
func (c Config) GetEnabledServers() map[string]ServerConfig {
	enabled := make(map[string]ServerConfig, len(c.MCPServers))
	for name, srv := range c.MCPServers {
		if !srv.Disabled {
			enabled[name] = srv
		}
	}
	return enabled
}

// Source describes where a Store reads its configuration from.
type Source struct {
	path string // empty when in-memory
	raw  []byte // used when path is empty
}

// FromFile builds a filesystem-backed Source.
func FromFile(path string) Source { return Source{path: path} }

// FromMemory builds an in-memory Source from raw JSONC bytes.
func FromMemory(raw []byte) Source { return Source{raw: raw} }

func (s Source) read() ([]byte, error) {
	if s.path == "" {
		return s.raw, nil
	}
	return os.ReadFile(s.path)
}

// LoadResult is returned by Store.Load.
type LoadResult struct {
	Servers map[string]ServerConfig
	Diff    Diff
}

// ChangeEvent is emitted by Store.Watch after a stable, validated reload.
type ChangeEvent struct {
	Servers map[string]ServerConfig
	Diff    Diff
}

// Store owns the last-accepted configuration snapshot and can diff
// against it on reload.
type Store struct {
	source Source
	logger zerolog.Logger

	mu       chan struct{} // binary semaphore; avoids importing sync for one field
	snapshot map[string]ServerConfig
}

// NewStore creates a Store over source. No I/O happens until Load/Watch
// is called.
func NewStore(source Source, logger zerolog.Logger) *Store {
	return &Store{
		source:   source,
		logger:   logger.With().Str("component", "config.Store").Logger(),
		mu:       make(chan struct{}, 1),
		snapshot: map[string]ServerConfig{},
	}
}

func (s *Store) lock()   { s.mu <- struct{}{} }
func (s *Store) unlock() { <-s.mu }

// Load reads, parses, validates the source, and diffs it against the
// previously-accepted snapshot (spec §4.2).
func (s *Store) Load() (LoadResult, error) {
	raw, err := s.source.read()
	if err != nil {
		return LoadResult{}, huberr.Wrap(huberr.ConfigInvalid, err, "failed to read configuration source")
	}

	doc, err := parseDocument(raw)
	if err != nil {
		return LoadResult{}, err
	}

	for name, cfg := range doc.MCPServers {
		cp := cfg
		if err := cp.Validate(name); err != nil {
			return LoadResult{}, err
		}
		doc.MCPServers[name] = cp
	}

	s.lock()
	defer s.unlock()

	diff := computeDiff(s.snapshot, doc.MCPServers)
	s.snapshot = doc.MCPServers

	return LoadResult{Servers: doc.MCPServers, Diff: diff}, nil
}

// Current returns the last-accepted snapshot.
func (s *Store) Current() map[string]ServerConfig {
	s.lock()
	defer s.unlock()
	out := make(map[string]ServerConfig, len(s.snapshot))
	for k, v := range s.snapshot {
		out[k] = v
	}
	return out
}

func parseDocument(raw []byte) (Config, error) {
	clean := stripJSONC(raw)

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(clean, &generic); err != nil {
		return Config{}, huberr.Wrap(huberr.ConfigInvalid, err, "failed to parse configuration")
	}

	serversRaw, ok := generic["mcpServers"]
	if !ok {
		return Config{}, huberr.New(huberr.ConfigInvalid, "configuration must have a top-level \"mcpServers\" mapping")
	}

	var servers map[string]ServerConfig
	if err := json.Unmarshal(serversRaw, &servers); err != nil {
		return Config{}, huberr.Wrap(huberr.ConfigInvalid, err, "failed to parse mcpServers")
	}
	if servers == nil {
		servers = map[string]ServerConfig{}
	}

	return Config{MCPServers: servers}, nil
}

// Watch observes the source file for changes, debounces rapid writes
// within a ~200ms stability window, and emits a ChangeEvent after each
// successfully reloaded and validated revision. File-watch errors are
// logged and do not terminate the watcher (spec §4.2).
//
// Watch returns a ConfigInvalid error if the Store was built FromMemory —
// there is nothing to watch.
func (s *Store) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	if s.source.path == "" {
		return nil, huberr.New(huberr.ConfigInvalid, "cannot watch an in-memory configuration source")
	}

	absPath, err := filepath.Abs(s.source.path)
	if err != nil {
		return nil, huberr.Wrap(huberr.ConfigInvalid, err, "failed to resolve config path")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, huberr.Wrap(huberr.ConfigInvalid, err, "failed to create file watcher")
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, huberr.Wrap(huberr.ConfigInvalid, err, "failed to watch config directory")
	}

	out := make(chan ChangeEvent, 1)

	go func() {
		defer fsw.Close()
		defer close(out)

		const stabilityWindow = 200 * time.Millisecond
		var timer *time.Timer
		fire := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != absPath {
					continue
				}
				if !(ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(stabilityWindow, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("config watcher error")
			case <-fire:
				result, err := s.Load()
				if err != nil {
					s.logger.Warn().Err(err).Msg("config reload failed, keeping previous snapshot")
					continue
				}
				select {
				case out <- ChangeEvent{Servers: result.Servers, Diff: result.Diff}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
