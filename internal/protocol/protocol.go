// Package protocol adapts the official MCP SDK client into the thin
// collaborator contract spec.md §6 describes ("connect(transport)",
// "request(method, params?, resultShape)", "setNotificationHandler",
// "close()", "onerror"/"onclose"). It is grounded on the teacher's
// plugin.Manager, which already drives mcp.NewClient/client.Connect/
// session.ListTools/session.CallTool for real connections.
package protocol

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mcp-hub/hub/internal/huberr"
	"github.com/mcp-hub/hub/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NotificationKind enumerates the notification classes the supervisor
// registers handlers for (spec §4.5 step 5).
type NotificationKind int

const (
	ToolListChanged NotificationKind = iota
	ResourceListChanged
	PromptListChanged
	Logging
)

// Tool, Resource, ResourceTemplate, and Prompt are the opaque records
// spec.md §3 "Capability" describes, trimmed to the fields the
// supervisor's dispatch and listing logic needs.
type Tool struct {
	Name        string
	Description string
	Raw         *mcp.Tool
}

type Resource struct {
	URI         string
	Name        string
	Description string
	Raw         *mcp.Resource
}

type ResourceTemplate struct {
	URITemplate string
	Name        string
	Raw         *mcp.ResourceTemplate
}

type Prompt struct {
	Name        string
	Description string
	Raw         *mcp.Prompt
}

// CallToolResult, ReadResourceResult, GetPromptResult wrap the SDK's
// results so callers outside this package never import the SDK
// directly.
type CallToolResult struct {
	Content []mcp.Content
	IsError bool
}

type ReadResourceResult struct {
	Contents []*mcp.ResourceContents
}

type GetPromptResult struct {
	Description string
	Messages    []*mcp.PromptMessage
}

// Client is the collaborator contract of spec.md §6, satisfied by
// *SDKClient below and by test fakes.
type Client interface {
	Connect(ctx context.Context, h transport.Handle) error
	ListTools(ctx context.Context) ([]Tool, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	CallTool(ctx context.Context, name string, args any) (*CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error)
	GetPrompt(ctx context.Context, name string, args any) (*GetPromptResult, error)
	SetNotificationHandler(kind NotificationKind, fn func())
	SessionID() string
	TerminateSession(ctx context.Context) error
	Close() error
	OnError(fn func(error))
	OnClose(fn func())
}

// SDKClient is the concrete Client backed by modelcontextprotocol/go-sdk.
type SDKClient struct {
	name string

	mu      sync.Mutex
	client  *mcp.Client
	session *mcp.ClientSession
	handle  transport.Handle

	handlers map[NotificationKind]func()
	onError  func(error)
	onClose  func()
}

// NewSDKClient creates an unconnected client identified by name (used
// for error data and the MCP client-info handshake).
func NewSDKClient(name string) *SDKClient {
	return &SDKClient{name: name, handlers: make(map[NotificationKind]func())}
}

// SetNotificationHandler registers fn for kind. Must be called before
// Connect — the SDK client is constructed with these handlers wired
// into its ClientOptions at connect time (spec §4.5 step 5).
func (c *SDKClient) SetNotificationHandler(kind NotificationKind, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = fn
}

// OnError registers a callback invoked when the underlying transport or
// session reports an asynchronous error.
func (c *SDKClient) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// OnClose registers a callback invoked when the session closes, whether
// by request or due to a transport failure.
func (c *SDKClient) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Connect opens a session over h, building the SDK client with
// whatever notification handlers were registered beforehand.
func (c *SDKClient) Connect(ctx context.Context, h transport.Handle) error {
	c.mu.Lock()
	opts := &mcp.ClientOptions{}
	if fn, ok := c.handlers[ToolListChanged]; ok {
		opts.ToolListChangedHandler = func(context.Context, *mcp.ToolListChangedRequest) { fn() }
	}
	if fn, ok := c.handlers[ResourceListChanged]; ok {
		opts.ResourceListChangedHandler = func(context.Context, *mcp.ResourceListChangedRequest) { fn() }
	}
	if fn, ok := c.handlers[PromptListChanged]; ok {
		opts.PromptListChangedHandler = func(context.Context, *mcp.PromptListChangedRequest) { fn() }
	}
	if fn, ok := c.handlers[Logging]; ok {
		opts.LoggingMessageHandler = func(context.Context, *mcp.LoggingMessageRequest) { fn() }
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "mcp-hub", Version: "0.1.0"}, opts)
	c.mu.Unlock()

	session, err := client.Connect(ctx, h.MCP, nil)
	if err != nil {
		return huberr.Wrap(huberr.ConnectionFailed, err, "connect to %s failed", c.name).WithServer(c.name)
	}

	c.mu.Lock()
	c.client = client
	c.session = session
	c.handle = h
	c.mu.Unlock()
	return nil
}

func (c *SDKClient) sessionOrErr() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, huberr.New(huberr.NotConnected, "not connected").WithServer(c.name)
	}
	return c.session, nil
}

// ListTools fetches the tool list, treating "method not found" as an
// empty list rather than an error (spec §4.5 step 4).
func (c *SDKClient) ListTools(ctx context.Context) ([]Tool, error) {
	sess, err := c.sessionOrErr()
	if err != nil {
		return nil, err
	}
	result, err := sess.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		if isMethodNotFound(err) {
			return nil, nil
		}
		return nil, huberr.Wrap(huberr.ConnectionFailed, err, "list tools").WithServer(c.name)
	}
	out := make([]Tool, len(result.Tools))
	for i, t := range result.Tools {
		tc := t
		out[i] = Tool{Name: t.Name, Description: t.Description, Raw: tc}
	}
	return out, nil
}

func (c *SDKClient) ListResources(ctx context.Context) ([]Resource, error) {
	sess, err := c.sessionOrErr()
	if err != nil {
		return nil, err
	}
	result, err := sess.ListResources(ctx, &mcp.ListResourcesParams{})
	if err != nil {
		if isMethodNotFound(err) {
			return nil, nil
		}
		return nil, huberr.Wrap(huberr.ConnectionFailed, err, "list resources").WithServer(c.name)
	}
	out := make([]Resource, len(result.Resources))
	for i, r := range result.Resources {
		rc := r
		out[i] = Resource{URI: r.URI, Name: r.Name, Description: r.Description, Raw: rc}
	}
	return out, nil
}

func (c *SDKClient) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	sess, err := c.sessionOrErr()
	if err != nil {
		return nil, err
	}
	result, err := sess.ListResourceTemplates(ctx, &mcp.ListResourceTemplatesParams{})
	if err != nil {
		if isMethodNotFound(err) {
			return nil, nil
		}
		return nil, huberr.Wrap(huberr.ConnectionFailed, err, "list resource templates").WithServer(c.name)
	}
	out := make([]ResourceTemplate, len(result.ResourceTemplates))
	for i, rt := range result.ResourceTemplates {
		rtc := rt
		out[i] = ResourceTemplate{URITemplate: rt.URITemplate, Name: rt.Name, Raw: rtc}
	}
	return out, nil
}

func (c *SDKClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	sess, err := c.sessionOrErr()
	if err != nil {
		return nil, err
	}
	result, err := sess.ListPrompts(ctx, &mcp.ListPromptsParams{})
	if err != nil {
		if isMethodNotFound(err) {
			return nil, nil
		}
		return nil, huberr.Wrap(huberr.ConnectionFailed, err, "list prompts").WithServer(c.name)
	}
	out := make([]Prompt, len(result.Prompts))
	for i, p := range result.Prompts {
		pc := p
		out[i] = Prompt{Name: p.Name, Description: p.Description, Raw: pc}
	}
	return out, nil
}

func (c *SDKClient) CallTool(ctx context.Context, name string, args any) (*CallToolResult, error) {
	sess, err := c.sessionOrErr()
	if err != nil {
		return nil, err
	}
	argMap, err := asArgMap(args)
	if err != nil {
		return nil, huberr.Wrap(huberr.InvalidArguments, err, "call tool %s", name).WithServer(c.name).WithOp("callTool")
	}
	result, err := sess.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: argMap})
	if err != nil {
		return nil, huberr.Wrap(huberr.ToolExecutionFailed, err, "call tool %s", name).WithServer(c.name).WithOp("callTool")
	}
	return &CallToolResult{Content: result.Content, IsError: result.IsError}, nil
}

func (c *SDKClient) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	sess, err := c.sessionOrErr()
	if err != nil {
		return nil, err
	}
	result, err := sess.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, huberr.Wrap(huberr.ResourceReadFailed, err, "read resource %s", uri).WithServer(c.name).WithOp("readResource")
	}
	return &ReadResourceResult{Contents: result.Contents}, nil
}

func (c *SDKClient) GetPrompt(ctx context.Context, name string, args any) (*GetPromptResult, error) {
	sess, err := c.sessionOrErr()
	if err != nil {
		return nil, err
	}
	argMap, err := asStringArgMap(args)
	if err != nil {
		return nil, huberr.Wrap(huberr.InvalidArguments, err, "get prompt %s", name).WithServer(c.name).WithOp("getPrompt")
	}
	result, err := sess.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: argMap})
	if err != nil {
		return nil, huberr.Wrap(huberr.PromptExecutionFailed, err, "get prompt %s", name).WithServer(c.name).WithOp("getPrompt")
	}
	return &GetPromptResult{Description: result.Description, Messages: result.Messages}, nil
}

// SessionID returns the negotiated session id for remote transports, or
// "" for stdio / when not yet connected.
func (c *SDKClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle.SessionID == nil {
		return ""
	}
	return c.handle.SessionID()
}

// TerminateSession issues a best-effort session-termination call,
// ignoring its result, before Close (spec §9 Open Questions).
func (c *SDKClient) TerminateSession(ctx context.Context) error {
	c.mu.Lock()
	terminate := c.handle.Terminate
	c.mu.Unlock()
	if terminate == nil {
		return nil
	}
	_ = terminate()
	return nil
}

// Close tears down the session and the factory-owned transport
// resources.
func (c *SDKClient) Close() error {
	c.mu.Lock()
	session := c.session
	handleClose := c.handle.Close
	onClose := c.onClose
	c.session = nil
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	if handleClose != nil {
		_ = handleClose()
	}
	if onClose != nil {
		onClose()
	}
	return err
}

func isMethodNotFound(err error) bool {
	// The SDK surfaces JSON-RPC "method not found" (-32601) as a plain
	// error; string matching is the only stable signal without a typed
	// sentinel exported by the SDK.
	return err != nil && strings.Contains(err.Error(), "method not found")
}

func asArgMap(args any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	if m, ok := args.(map[string]any); ok {
		return m, nil
	}
	if _, ok := args.([]any); ok {
		return nil, fmt.Errorf("tool arguments must be a mapping or null")
	}
	return nil, fmt.Errorf("tool arguments must be a mapping or null")
}

func asStringArgMap(args any) (map[string]string, error) {
	if args == nil {
		return nil, nil
	}
	m, ok := args.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("prompt arguments must be a mapping or null")
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("prompt argument %q must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}
