package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mcp-hub/hub/internal/config"
	"github.com/mcp-hub/hub/internal/eventbus"
	"github.com/mcp-hub/hub/internal/huberr"
	"github.com/mcp-hub/hub/internal/oauth"
	"github.com/mcp-hub/hub/internal/placeholder"
	"github.com/mcp-hub/hub/internal/protocol"
	"github.com/mcp-hub/hub/internal/transport"
	"github.com/rs/zerolog"
)

// ClientFactory builds the protocol collaborator for a new connect
// attempt. Overridden in tests to inject a fake protocol.Client without
// touching a real subprocess or network.
type ClientFactory func(name string) protocol.Client

// Supervisor owns one managed MCP server's lifecycle (spec §4.5): its
// config, state, transport, protocol client, discovered capabilities,
// and (for remote servers) its OAuth provider.
type Supervisor struct {
	name   string
	bus    *eventbus.Bus
	logger zerolog.Logger

	newClient ClientFactory
	stateDir  string
	redirect  string // OAuth redirect URI template, e.g. http://localhost:PORT/oauth/callback/{server}
	metadata  func(ctx context.Context, serverURL string) (oauth.Metadata, error)

	mu         sync.Mutex
	cfg        config.ServerConfig
	state      ConnectionState
	client     protocol.Client
	oauthProv  *oauth.Provider
	authState  string
	lastErr    string
	authURL    string
	startTime  *time.Time
	tools      []protocol.Tool
	resources  []protocol.Resource
	templates  []protocol.ResourceTemplate
	prompts    []protocol.Prompt

	devCancel context.CancelFunc
	done      chan struct{}
	doneOnce  sync.Once
}

// Options configures optional collaborators at construction.
type Options struct {
	ClientFactory  ClientFactory
	StateDir       string
	RedirectURI    string
	MetadataLookup func(ctx context.Context, serverURL string) (oauth.Metadata, error)
}

// New creates a Supervisor for name with the given initial config.
func New(name string, cfg config.ServerConfig, bus *eventbus.Bus, logger zerolog.Logger, opts Options) *Supervisor {
	factory := opts.ClientFactory
	if factory == nil {
		factory = func(n string) protocol.Client { return protocol.NewSDKClient(n) }
	}
	lookup := opts.MetadataLookup
	if lookup == nil {
		lookup = discoverMetadata
	}
	state := StateDisconnected
	if cfg.Disabled {
		state = StateDisabled
	}
	return &Supervisor{
		name:      name,
		bus:       bus,
		logger:    logger.With().Str("server", name).Logger(),
		newClient: factory,
		stateDir:  opts.StateDir,
		redirect:  opts.RedirectURI,
		metadata:  lookup,
		cfg:       cfg,
		state:     state,
		done:      make(chan struct{}),
	}
}

// Serve satisfies suture.Service so the Hub Core's supervisor tree can
// supervise the goroutine this value represents; it blocks until the
// tree cancels ctx (on removal or tree shutdown) and then returns nil,
// without connecting or reconnecting anything itself (spec §9 "suture
// only restarts the goroutine, never silently reconnects").
func (s *Supervisor) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *Supervisor) stopDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Start brings the supervisor from its initial config state to
// connected (or disabled), returning the resulting snapshot (spec §4.5
// contract table).
func (s *Supervisor) Start(ctx context.Context) (Info, error) {
	s.mu.Lock()
	disabled := s.cfg.Disabled
	s.mu.Unlock()

	if disabled {
		s.mu.Lock()
		s.state = StateDisabled
		now := time.Now()
		s.startTime = &now
		s.mu.Unlock()
		return s.GetServerInfo(), nil
	}

	err := s.Connect(ctx, nil)
	return s.GetServerInfo(), err
}

// Stop tears the connection down. With disable=true it also flips
// cfg.Disabled and enters StateDisabled; otherwise it lands in
// StateDisconnected with disabled unchanged (spec §8 invariant). Never
// returns an error — teardown is best-effort.
func (s *Supervisor) Stop(disable bool) Info {
	s.disconnect("stopped")

	s.mu.Lock()
	if disable {
		s.cfg.Disabled = true
		s.state = StateDisabled
		now := time.Now()
		s.startTime = &now
	} else {
		s.state = StateDisconnected
		s.startTime = nil
	}
	s.mu.Unlock()

	return s.GetServerInfo()
}

// Connect runs the connect algorithm of spec §4.5. optCfg, when
// non-nil, replaces the stored config before resolution (used by Hub
// Core on a "modified" diff).
func (s *Supervisor) Connect(ctx context.Context, optCfg *config.ServerConfig) error {
	s.mu.Lock()
	if s.cfg.Disabled && optCfg == nil {
		s.mu.Unlock()
		return nil
	}
	if optCfg != nil {
		s.cfg = *optCfg
	}
	cfg := s.cfg
	s.state = StateConnecting
	s.lastErr = ""
	s.authURL = ""
	s.mu.Unlock()

	resolved, _, err := placeholder.Resolve(ctx, cfg, placeholder.Options{Mode: placeholder.Strict})
	if err != nil {
		s.fail(err)
		return huberr.Wrap(huberr.ConnectionFailed, err, "resolve config for %s", s.name).WithServer(s.name)
	}

	client := s.newClient(s.name)

	client.SetNotificationHandler(protocol.ToolListChanged, func() { s.onListChanged(ctx, KindTools) })
	client.SetNotificationHandler(protocol.ResourceListChanged, func() { s.onListChanged(ctx, KindResources) })
	client.SetNotificationHandler(protocol.PromptListChanged, func() { s.onListChanged(ctx, KindPrompts) })
	client.SetNotificationHandler(protocol.Logging, func() {})

	switch resolved.Kind {
	case config.KindStdio:
		handle, err := transport.NewStdio(transport.StdioConfig{Command: resolved.Command, Args: resolved.Args, Env: resolved.Env})
		if err != nil {
			s.fail(err)
			return huberr.Wrap(huberr.ConnectionFailed, err, "build stdio transport for %s", s.name).WithServer(s.name)
		}
		if handle.Stderr != nil {
			go s.drainStderr(handle.Stderr)
		}
		if err := client.Connect(ctx, handle); err != nil {
			s.disconnectWith(client, "connect failed")
			s.fail(err)
			return huberr.Wrap(huberr.ConnectionFailed, err, "connect %s", s.name).WithServer(s.name)
		}
	case config.KindRemote:
		if err := s.connectRemote(ctx, resolved, client); err != nil {
			if huberr.CodeOf(err) == huberr.Unauthorized {
				// connectRemote already transitioned to unauthorized.
				return nil
			}
			s.disconnectWith(client, "connect failed")
			s.fail(err)
			return err
		}
	default:
		err := huberr.New(huberr.ConfigInvalid, "unknown server kind").WithServer(s.name)
		s.fail(err)
		return err
	}

	if err := s.discoverCapabilities(ctx, client); err != nil {
		s.disconnectWith(client, "capability discovery failed")
		s.fail(err)
		return huberr.Wrap(huberr.ConnectionFailed, err, "discover capabilities for %s", s.name).WithServer(s.name)
	}

	s.mu.Lock()
	s.client = client
	s.state = StateConnected
	now := time.Now()
	s.startTime = &now
	s.lastErr = ""
	devCfg := s.cfg.Dev
	s.mu.Unlock()

	if devCfg != nil && devCfg.Enabled {
		s.startDevWatch(devCfg)
	}

	return nil
}

// connectRemote implements spec §4.5 step 2: streaming HTTP first, SSE
// fallback on any non-authorization error, unauthorized on 401 from
// either.
func (s *Supervisor) connectRemote(ctx context.Context, resolved config.ResolvedServerConfig, client protocol.Client) error {
	meta, _ := s.metadata(ctx, resolved.URL)
	provider := oauth.NewProvider(s.name, s.stateDir, meta)

	s.mu.Lock()
	s.oauthProv = provider
	s.mu.Unlock()

	var rt http.RoundTripper
	if configuredRT, err := provider.RoundTripper(ctx, nil); err == nil {
		rt = configuredRT
	}

	handle := transport.NewStreamingHTTP(transport.RemoteConfig{URL: resolved.URL, Headers: resolved.Headers, RoundTripper: rt})
	err := client.Connect(ctx, handle)
	if err == nil {
		return nil
	}

	if isUnauthorized(err) {
		return s.enterUnauthorized(ctx, provider)
	}

	s.logger.Warn().Err(err).Msg("streaming HTTP failed, falling back to SSE")

	sseHandle := transport.NewSSE(transport.RemoteConfig{URL: resolved.URL, Headers: resolved.Headers, RoundTripper: rt})
	err = client.Connect(ctx, sseHandle)
	if err == nil {
		return nil
	}

	if isUnauthorized(err) {
		return s.enterUnauthorized(ctx, provider)
	}

	return huberr.Wrap(huberr.ConnectionFailed, err, "connect %s (streaming-http and sse both failed)", s.name).WithServer(s.name)
}

func (s *Supervisor) enterUnauthorized(ctx context.Context, provider *oauth.Provider) error {
	redirect := s.redirectFor()
	url, state, err := provider.AuthorizationURL(ctx, redirect)
	if err != nil {
		return huberr.Wrap(huberr.ConnectionFailed, err, "unauthorized and no authorization url available").WithServer(s.name)
	}
	s.mu.Lock()
	s.state = StateUnauthorized
	s.authURL = url
	s.authState = state
	s.mu.Unlock()
	return huberr.New(huberr.Unauthorized, "authorization required").WithServer(s.name)
}

// drainStderr reads a stdio child's stderr line by line and warn-logs
// each one to the event bus (spec §4.3), so a chatty child's output is
// both surfaced to operators and never left to fill the pipe buffer and
// block the child.
func (s *Supervisor) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.bus.PublishLog(eventbus.LevelWarn, s.name, scanner.Text(), nil)
	}
}

func (s *Supervisor) redirectFor() string {
	if s.redirect == "" {
		return "http://localhost/oauth/callback/" + s.name
	}
	return strings.ReplaceAll(s.redirect, "{server}", s.name)
}

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if huberr.CodeOf(err) == huberr.Unauthorized {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized")
}

// discoverCapabilities fetches all four lists best-effort (spec §4.5
// step 4).
func (s *Supervisor) discoverCapabilities(ctx context.Context, client protocol.Client) error {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		return err
	}
	templates, err := client.ListResourceTemplates(ctx)
	if err != nil {
		return err
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tools, s.resources, s.templates, s.prompts = tools, resources, templates, prompts
	s.mu.Unlock()
	return nil
}

// onListChanged handles a list-changed notification: partial
// updateCapabilities for that kind, then a `{kind}Changed` bus event
// (spec §4.5 step 5).
func (s *Supervisor) onListChanged(ctx context.Context, kind CapabilityKind) {
	_ = s.UpdateCapabilities(ctx, kind)
	var subtype eventbus.SubscriptionSubtype
	switch kind {
	case KindTools:
		subtype = eventbus.SubtypeToolListChanged
	case KindResources:
		subtype = eventbus.SubtypeResourceListChanged
	case KindPrompts:
		subtype = eventbus.SubtypePromptListChanged
	default:
		return
	}
	s.bus.PublishSubscription(subtype, s.name, nil)
}

// UpdateCapabilities re-fetches the named kinds (or all four when none
// given), silently doing nothing for a kind the server doesn't support
// (spec §4.5 "updateCapabilities").
func (s *Supervisor) UpdateCapabilities(ctx context.Context, kinds ...CapabilityKind) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	if len(kinds) == 0 {
		kinds = []CapabilityKind{KindTools, KindResources, KindResourceTemplates, KindPrompts}
	}
	for _, kind := range kinds {
		switch kind {
		case KindTools:
			if tools, err := client.ListTools(ctx); err == nil {
				s.mu.Lock()
				s.tools = tools
				s.mu.Unlock()
			}
		case KindResources:
			if resources, err := client.ListResources(ctx); err == nil {
				s.mu.Lock()
				s.resources = resources
				s.mu.Unlock()
			}
		case KindResourceTemplates:
			if templates, err := client.ListResourceTemplates(ctx); err == nil {
				s.mu.Lock()
				s.templates = templates
				s.mu.Unlock()
			}
		case KindPrompts:
			if prompts, err := client.ListPrompts(ctx); err == nil {
				s.mu.Lock()
				s.prompts = prompts
				s.mu.Unlock()
			}
		}
	}
	return nil
}

func (s *Supervisor) startDevWatch(dev *config.DevConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.devCancel != nil {
		s.devCancel()
	}
	s.devCancel = cancel
	s.mu.Unlock()

	go runDevWatch(ctx, dev.Cwd, dev.Watch, func() {
		s.disconnect("dev watch triggered reconnect")
		_ = s.Connect(context.Background(), nil)
	})
}

// disconnect tears down the current transport/client idempotently
// (spec §4.5 "disconnect(msg)"). It is always best-effort: errors are
// swallowed.
func (s *Supervisor) disconnect(reason string) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	if s.devCancel != nil {
		s.devCancel()
		s.devCancel = nil
	}
	s.mu.Unlock()

	s.disconnectWith(client, reason)
}

func (s *Supervisor) disconnectWith(client protocol.Client, reason string) {
	if client == nil {
		return
	}
	_ = client.TerminateSession(context.Background())
	_ = client.Close()
	s.logger.Debug().Str("reason", reason).Msg("disconnected")
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.bus.PublishLog(eventbus.LevelWarn, s.name, err.Error(), nil)
}

// Authorize exposes the authorization URL for a server currently
// waiting on authorization (spec §4.5 "authorize()").
func (s *Supervisor) Authorize(ctx context.Context) (string, error) {
	s.mu.Lock()
	url := s.authURL
	provider := s.oauthProv
	s.mu.Unlock()
	if url != "" {
		return url, nil
	}
	if provider == nil {
		return "", huberr.New(huberr.ConnectionFailed, "no authorization in progress").WithServer(s.name)
	}
	generated, state, err := provider.AuthorizationURL(ctx, s.redirectFor())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.authURL = generated
	s.authState = state
	s.mu.Unlock()
	return generated, nil
}

// HandleAuthCallback completes the PKCE exchange and retries Connect
// (spec §4.5 "handleAuthCallback(code)").
func (s *Supervisor) HandleAuthCallback(ctx context.Context, code string) error {
	s.mu.Lock()
	provider := s.oauthProv
	state := s.authState
	s.mu.Unlock()
	if provider == nil {
		return huberr.New(huberr.ConnectionFailed, "no oauth provider for this server").WithServer(s.name)
	}
	if err := provider.HandleCallback(ctx, code, state); err != nil {
		return err
	}
	return s.Connect(ctx, nil)
}

// CallTool dispatches a tool call after the shared guard sequence of
// spec §4.5 "Capability dispatch".
func (s *Supervisor) CallTool(ctx context.Context, toolName string, args any) (*protocol.CallToolResult, error) {
	client, err := s.connectedClient()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	found := false
	for _, t := range s.tools {
		if t.Name == toolName {
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return nil, huberr.New(huberr.ToolNotFound, fmt.Sprintf("tool %q not found", toolName)).WithServer(s.name).WithOp("callTool")
	}
	if err := validateArgs(args); err != nil {
		return nil, huberr.Wrap(huberr.InvalidArguments, err, "invalid arguments for %s", toolName).WithServer(s.name).WithOp("callTool")
	}
	return client.CallTool(ctx, toolName, args)
}

// ReadResource dispatches a resource read, matching uri against the
// literal resource list and then, if not found, against resource
// templates.
func (s *Supervisor) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	client, err := s.connectedClient()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	found := false
	for _, r := range s.resources {
		if r.URI == uri {
			found = true
			break
		}
	}
	if !found {
		for _, t := range s.templates {
			if matchTemplate(t.URITemplate, uri) {
				found = true
				break
			}
		}
	}
	s.mu.Unlock()
	if !found {
		return nil, huberr.New(huberr.ResourceNotFound, fmt.Sprintf("resource %q not found", uri)).WithServer(s.name).WithOp("readResource")
	}
	return client.ReadResource(ctx, uri)
}

// GetPrompt dispatches a prompt request after the shared guard
// sequence.
func (s *Supervisor) GetPrompt(ctx context.Context, name string, args any) (*protocol.GetPromptResult, error) {
	client, err := s.connectedClient()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	found := false
	for _, p := range s.prompts {
		if p.Name == name {
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return nil, huberr.New(huberr.PromptNotFound, fmt.Sprintf("prompt %q not found", name)).WithServer(s.name).WithOp("getPrompt")
	}
	if err := validateArgs(args); err != nil {
		return nil, huberr.Wrap(huberr.InvalidArguments, err, "invalid arguments for %s", name).WithServer(s.name).WithOp("getPrompt")
	}
	return client.GetPrompt(ctx, name, args)
}

func (s *Supervisor) connectedClient() (protocol.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		if s.state == StateDisabled || s.state == StateDisconnected {
			return nil, huberr.New(huberr.NotInitialized, "server not initialized").WithServer(s.name)
		}
	}
	if s.state != StateConnected {
		return nil, huberr.New(huberr.NotConnected, fmt.Sprintf("server is %s, not connected", s.state)).WithServer(s.name)
	}
	return s.client, nil
}

func validateArgs(args any) error {
	switch args.(type) {
	case nil:
		return nil
	case map[string]any:
		return nil
	case []any:
		return nil
	default:
		return fmt.Errorf("arguments must be a mapping, sequence, or null")
	}
}

// GetServerInfo returns the current snapshot (spec §4.5
// "getServerInfo()").
func (s *Supervisor) GetServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Name:             s.name,
		State:            s.state,
		Disabled:         s.cfg.Disabled,
		Error:            s.lastErr,
		AuthorizationURL: s.authURL,
	}
	if s.startTime != nil && (s.state == StateConnected || s.state == StateDisabled) {
		t := *s.startTime
		info.StartTime = &t
		info.Uptime = time.Since(t)
	}
	for _, t := range s.tools {
		info.Tools = append(info.Tools, ToolInfo{Name: t.Name, Description: t.Description})
	}
	for _, r := range s.resources {
		info.Resources = append(info.Resources, ResourceInfo{URI: r.URI, Name: r.Name, Description: r.Description})
	}
	for _, rt := range s.templates {
		info.ResourceTemplates = append(info.ResourceTemplates, ResourceTemplateInfo{URITemplate: rt.URITemplate, Name: rt.Name})
	}
	for _, p := range s.prompts {
		info.Prompts = append(info.Prompts, PromptInfo{Name: p.Name, Description: p.Description})
	}
	return info
}

// discoverMetadata fetches RFC 8414 authorization-server metadata from
// the conventional well-known path relative to serverURL's origin. A
// fetch failure yields empty Metadata rather than an error — remote
// servers that need no auth simply never populate AuthorizationEndpoint
// and Authorize() surfaces that as ConnectionFailed.
func discoverMetadata(ctx context.Context, serverURL string) (oauth.Metadata, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return oauth.Metadata{}, nil
	}
	wellKnown := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/.well-known/oauth-authorization-server"}).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return oauth.Metadata{}, nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return oauth.Metadata{}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return oauth.Metadata{}, nil
	}

	var meta oauth.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return oauth.Metadata{}, nil
	}
	return meta, nil
}
