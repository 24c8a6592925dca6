// Package hub implements Hub Core (spec §4.6): it owns every managed
// server's Connection Supervisor, applies configuration diffs by
// adding/removing/reconnecting supervisors, and forwards the thin
// top-level operations (callTool, readResource, getPrompt, ...) by
// name. Grounded on the teacher's plugin.Manager (flat
// `servers map[string]*MCPServer` owned under a mutex), generalized
// onto a thejerf/suture supervisor tree so that crash isolation per
// server comes from the library (the pattern tomtom215-cartographus'
// internal/supervisor/tree.go uses) instead of hand-rolled goroutine
// bookkeeping.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcp-hub/hub/internal/config"
	"github.com/mcp-hub/hub/internal/eventbus"
	"github.com/mcp-hub/hub/internal/huberr"
	"github.com/mcp-hub/hub/internal/marketplace"
	"github.com/mcp-hub/hub/internal/protocol"
	"github.com/mcp-hub/hub/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// SupervisorFactory builds a Connection Supervisor for name/cfg.
// Overridden in tests to inject fakes without real transports.
type SupervisorFactory func(name string, cfg config.ServerConfig) *supervisor.Supervisor

// entry pairs a running supervisor with the suture token used to
// remove it from the tree.
type entry struct {
	sup   *supervisor.Supervisor
	token suture.ServiceToken
}

// Hub is Hub Core: the single owner of every managed server's
// supervisor.
type Hub struct {
	store       *config.Store
	bus         *eventbus.Bus
	market      marketplace.Provider
	logger      zerolog.Logger
	newSup      SupervisorFactory
	watchEnable bool

	root *suture.Supervisor

	mu       sync.RWMutex
	servers  map[string]*entry
}

// Options configures optional collaborators.
type Options struct {
	NewSupervisor  SupervisorFactory
	Marketplace    marketplace.Provider
	WatchEnabled   bool
}

// New creates a Hub bound to store/bus. Call Initialize to load and
// connect the configured servers.
func New(store *config.Store, bus *eventbus.Bus, logger zerolog.Logger, opts Options) *Hub {
	factory := opts.NewSupervisor
	if factory == nil {
		factory = func(name string, cfg config.ServerConfig) *supervisor.Supervisor {
			return supervisor.New(name, cfg, bus, logger, supervisor.Options{
				ClientFactory: func(n string) protocol.Client { return protocol.NewSDKClient(n) },
			})
		}
	}
	market := opts.Marketplace
	if market == nil {
		market = marketplace.NoOp{}
	}

	handler := &sutureslog.Handler{Logger: logger.With().Str("component", "suture").Logger()}
	root := suture.New("mcp-hub", suture.Spec{EventHook: handler.MustHook()})

	return &Hub{
		store:       store,
		bus:         bus,
		market:      market,
		logger:      logger.With().Str("component", "hub.Hub").Logger(),
		newSup:      factory,
		watchEnable: opts.WatchEnabled,
		root:        root,
		servers:     make(map[string]*entry),
	}
}

// Initialize implements spec §4.6 "initialize()": load config, start a
// supervisor per enabled server in parallel, optionally subscribe to
// file-watch changes.
func (h *Hub) Initialize(ctx context.Context) error {
	result, err := h.store.Load()
	if err != nil {
		return huberr.Wrap(huberr.ConfigInvalid, err, "initial config load")
	}

	go h.root.Serve(ctx)

	var wg sync.WaitGroup
	for name, cfg := range result.Servers {
		if cfg.Disabled {
			h.addSupervisor(name, cfg)
			continue
		}
		wg.Add(1)
		go func(name string, cfg config.ServerConfig) {
			defer wg.Done()
			e := h.addSupervisor(name, cfg)
			if _, err := e.sup.Start(ctx); err != nil {
				h.logger.Warn().Err(err).Str("server", name).Msg("initial connect failed")
			}
		}(name, cfg)
	}
	wg.Wait()

	if h.watchEnable {
		changes, err := h.store.Watch(ctx)
		if err != nil {
			h.logger.Warn().Err(err).Msg("config watch unavailable")
		} else {
			go h.watchLoop(ctx, changes)
		}
	}

	h.bus.PublishHubState("ready")
	return nil
}

func (h *Hub) watchLoop(ctx context.Context, changes <-chan config.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			h.handleConfigChanged(ctx, ev)
		}
	}
}

// handleConfigChanged implements spec §4.6's configChanged sequence:
// configChangeDetected -> (if significant) importantConfigChanged ->
// concurrent added/removed/modified loops -> importantConfigChangeHandled.
func (h *Hub) handleConfigChanged(ctx context.Context, ev config.ChangeEvent) {
	h.bus.PublishSubscription(eventbus.SubtypeConfigChanged, "", ev.Diff)

	if len(ev.Diff.Added) == 0 && len(ev.Diff.Removed) == 0 && len(ev.Diff.Modified) == 0 {
		return
	}

	h.bus.PublishSubscription(eventbus.SubtypeServersUpdating, "", ev.Diff)

	var wg sync.WaitGroup

	for _, name := range ev.Diff.Added {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			cfg := ev.Servers[name]
			e := h.addSupervisor(name, cfg)
			if _, err := e.sup.Start(ctx); err != nil {
				h.logger.Warn().Err(err).Str("server", name).Msg("connect on add failed")
			}
		}(name)
	}

	for _, name := range ev.Diff.Removed {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			h.removeSupervisor(name)
		}(name)
	}

	for _, name := range ev.Diff.Modified {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			h.applyModified(ctx, name, ev)
		}(name)
	}

	wg.Wait()
	h.bus.PublishSubscription(eventbus.SubtypeServersUpdated, "", ev.Diff)
}

func (h *Hub) applyModified(ctx context.Context, name string, ev config.ChangeEvent) {
	cfg := ev.Servers[name]
	detail := ev.Diff.Details[name]

	h.mu.RLock()
	e, ok := h.servers[name]
	h.mu.RUnlock()
	if !ok {
		h.addSupervisor(name, cfg)
		return
	}

	onlyDisabled := len(detail.ModifiedFields) == 1 && detail.ModifiedFields[0] == "disabled"
	if onlyDisabled {
		if cfg.Disabled {
			e.sup.Stop(true)
		} else {
			if _, err := e.sup.Start(ctx); err != nil {
				h.logger.Warn().Err(err).Str("server", name).Msg("restart after enable failed")
			}
		}
		return
	}

	e.sup.Stop(false)
	if err := e.sup.Connect(ctx, &cfg); err != nil {
		h.logger.Warn().Err(err).Str("server", name).Msg("reconnect after modification failed")
	}
}

func (h *Hub) addSupervisor(name string, cfg config.ServerConfig) *entry {
	sup := h.newSup(name, cfg)
	token := h.root.Add(sup)
	e := &entry{sup: sup, token: token}

	h.mu.Lock()
	h.servers[name] = e
	h.mu.Unlock()
	return e
}

func (h *Hub) removeSupervisor(name string) {
	h.mu.Lock()
	e, ok := h.servers[name]
	if ok {
		delete(h.servers, name)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	e.sup.Stop(false)
	_ = h.root.Remove(e.token)
}

func (h *Hub) lookup(name string) (*supervisor.Supervisor, error) {
	h.mu.RLock()
	e, ok := h.servers[name]
	h.mu.RUnlock()
	if !ok {
		return nil, huberr.New(huberr.ServerNotFound, fmt.Sprintf("server %q not found", name)).WithServer(name)
	}
	return e.sup, nil
}

// StartServer forwards to the named supervisor's Start (spec §4.6).
func (h *Hub) StartServer(ctx context.Context, name string) (supervisor.Info, error) {
	sup, err := h.lookup(name)
	if err != nil {
		return supervisor.Info{}, err
	}
	return sup.Start(ctx)
}

// StopServer forwards to the named supervisor's Stop.
func (h *Hub) StopServer(name string, disable bool) (supervisor.Info, error) {
	sup, err := h.lookup(name)
	if err != nil {
		return supervisor.Info{}, err
	}
	return sup.Stop(disable), nil
}

// RefreshServer re-runs capability discovery for one server.
func (h *Hub) RefreshServer(ctx context.Context, name string, kinds ...supervisor.CapabilityKind) error {
	sup, err := h.lookup(name)
	if err != nil {
		return err
	}
	return sup.UpdateCapabilities(ctx, kinds...)
}

// RefreshAllServers re-runs capability discovery across every server,
// concurrently, collecting but not aborting on individual failures.
func (h *Hub) RefreshAllServers(ctx context.Context) map[string]error {
	h.mu.RLock()
	entries := make(map[string]*entry, len(h.servers))
	for k, v := range h.servers {
		entries[k] = v
	}
	h.mu.RUnlock()

	results := make(map[string]error, len(entries))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, e := range entries {
		wg.Add(1)
		go func(name string, e *entry) {
			defer wg.Done()
			err := e.sup.UpdateCapabilities(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, e)
	}
	wg.Wait()
	return results
}

// CallTool forwards to the named server's CallTool.
func (h *Hub) CallTool(ctx context.Context, name, tool string, args any) (*protocol.CallToolResult, error) {
	sup, err := h.lookup(name)
	if err != nil {
		return nil, err
	}
	return sup.CallTool(ctx, tool, args)
}

// ReadResource forwards to the named server's ReadResource.
func (h *Hub) ReadResource(ctx context.Context, name, uri string) (*protocol.ReadResourceResult, error) {
	sup, err := h.lookup(name)
	if err != nil {
		return nil, err
	}
	return sup.ReadResource(ctx, uri)
}

// GetPrompt forwards to the named server's GetPrompt.
func (h *Hub) GetPrompt(ctx context.Context, name, prompt string, args any) (*protocol.GetPromptResult, error) {
	sup, err := h.lookup(name)
	if err != nil {
		return nil, err
	}
	return sup.GetPrompt(ctx, prompt, args)
}

// Authorize forwards to the named server's Authorize.
func (h *Hub) Authorize(ctx context.Context, name string) (string, error) {
	sup, err := h.lookup(name)
	if err != nil {
		return "", err
	}
	return sup.Authorize(ctx)
}

// HandleAuthCallback forwards to the named server's HandleAuthCallback.
func (h *Hub) HandleAuthCallback(ctx context.Context, name, code string) error {
	sup, err := h.lookup(name)
	if err != nil {
		return err
	}
	return sup.HandleAuthCallback(ctx, code)
}

// GetAllServerStatuses returns every supervisor's snapshot, enriched
// with a marketplace display name when one is available (spec §6.6,
// a dropped-feature restoration from the original source's status
// listing).
func (h *Hub) GetAllServerStatuses() []supervisor.Info {
	h.mu.RLock()
	entries := make(map[string]*entry, len(h.servers))
	for k, v := range h.servers {
		entries[k] = v
	}
	h.mu.RUnlock()

	out := make([]supervisor.Info, 0, len(entries))
	for name, e := range entries {
		info := e.sup.GetServerInfo()
		if display, ok := h.market.DisplayName(name); ok {
			info.DisplayName = display
		}
		out = append(out, info)
	}
	return out
}

// GetServerInfo forwards to the named supervisor's GetServerInfo.
func (h *Hub) GetServerInfo(name string) (supervisor.Info, error) {
	sup, err := h.lookup(name)
	if err != nil {
		return supervisor.Info{}, err
	}
	return sup.GetServerInfo(), nil
}

// Shutdown tears down every supervisor concurrently with allSettled
// semantics (spec §5 "Cancellation": one slow server cannot block
// others) and publishes the "stopped" hub state. It does not stop the
// suture tree; the tree stops when the context passed to Initialize is
// cancelled.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	entries := make([]*entry, 0, len(h.servers))
	for _, e := range h.servers {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.sup.Stop(false)
		}(e)
	}
	wg.Wait()

	h.bus.PublishHubState("stopped")
}
