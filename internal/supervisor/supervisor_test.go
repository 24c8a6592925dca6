package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/mcp-hub/hub/internal/config"
	"github.com/mcp-hub/hub/internal/eventbus"
	"github.com/mcp-hub/hub/internal/protocol"
	"github.com/mcp-hub/hub/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a protocol.Client test double that never touches a real
// transport or subprocess.
type fakeClient struct {
	connectErr error
	tools      []protocol.Tool
	resources  []protocol.Resource
	templates  []protocol.ResourceTemplate
	prompts    []protocol.Prompt

	handlers map[protocol.NotificationKind]func()

	callToolFn func(name string, args any) (*protocol.CallToolResult, error)
	closed     bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[protocol.NotificationKind]func())}
}

func (f *fakeClient) Connect(ctx context.Context, h transport.Handle) error { return f.connectErr }
func (f *fakeClient) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	return f.tools, nil
}
func (f *fakeClient) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	return f.resources, nil
}
func (f *fakeClient) ListResourceTemplates(ctx context.Context) ([]protocol.ResourceTemplate, error) {
	return f.templates, nil
}
func (f *fakeClient) ListPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	return f.prompts, nil
}
func (f *fakeClient) CallTool(ctx context.Context, name string, args any) (*protocol.CallToolResult, error) {
	if f.callToolFn != nil {
		return f.callToolFn(name, args)
	}
	return &protocol.CallToolResult{}, nil
}
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	return &protocol.ReadResourceResult{}, nil
}
func (f *fakeClient) GetPrompt(ctx context.Context, name string, args any) (*protocol.GetPromptResult, error) {
	return &protocol.GetPromptResult{}, nil
}
func (f *fakeClient) SetNotificationHandler(kind protocol.NotificationKind, fn func()) {
	f.handlers[kind] = fn
}
func (f *fakeClient) SessionID() string                      { return "" }
func (f *fakeClient) TerminateSession(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                            { f.closed = true; return nil }
func (f *fakeClient) OnError(fn func(error))                  {}
func (f *fakeClient) OnClose(fn func())                       {}

func newTestBus() *eventbus.Bus {
	return eventbus.New(zerolog.Nop())
}

func stdioConfig(name string) config.ServerConfig {
	cfg := config.ServerConfig{Command: "echo", Args: []string{"hi"}}
	_ = cfg.Validate(name)
	return cfg
}

func TestSupervisor_ConnectSucceedsAndDiscoversCapabilities(t *testing.T) {
	fc := newFakeClient()
	fc.tools = []protocol.Tool{{Name: "search"}}

	sup := New("srv", stdioConfig("srv"), newTestBus(), zerolog.Nop(), Options{
		ClientFactory: func(name string) protocol.Client { return fc },
	})

	err := sup.Connect(context.Background(), nil)
	require.NoError(t, err)

	info := sup.GetServerInfo()
	assert.Equal(t, StateConnected, info.State)
	require.Len(t, info.Tools, 1)
	assert.Equal(t, "search", info.Tools[0].Name)
}

func TestSupervisor_DisabledNeverConnects(t *testing.T) {
	cfg := stdioConfig("srv")
	cfg.Disabled = true

	fc := newFakeClient()
	sup := New("srv", cfg, newTestBus(), zerolog.Nop(), Options{
		ClientFactory: func(name string) protocol.Client { return fc },
	})

	info, err := sup.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, info.State)
}

func TestSupervisor_CallToolRejectsUnknownTool(t *testing.T) {
	fc := newFakeClient()
	sup := New("srv", stdioConfig("srv"), newTestBus(), zerolog.Nop(), Options{
		ClientFactory: func(name string) protocol.Client { return fc },
	})
	require.NoError(t, sup.Connect(context.Background(), nil))

	_, err := sup.CallTool(context.Background(), "nope", nil)
	assert.Error(t, err)
}

func TestSupervisor_CallToolBeforeConnectIsNotInitialized(t *testing.T) {
	fc := newFakeClient()
	sup := New("srv", stdioConfig("srv"), newTestBus(), zerolog.Nop(), Options{
		ClientFactory: func(name string) protocol.Client { return fc },
	})

	_, err := sup.CallTool(context.Background(), "search", nil)
	assert.Error(t, err)
}

func TestSupervisor_ReadResourceMatchesTemplate(t *testing.T) {
	fc := newFakeClient()
	fc.templates = []protocol.ResourceTemplate{{URITemplate: "file://{path}"}}

	sup := New("srv", stdioConfig("srv"), newTestBus(), zerolog.Nop(), Options{
		ClientFactory: func(name string) protocol.Client { return fc },
	})
	require.NoError(t, sup.Connect(context.Background(), nil))

	_, err := sup.ReadResource(context.Background(), "file://readme.md")
	assert.NoError(t, err)

	_, err = sup.ReadResource(context.Background(), "other://thing")
	assert.Error(t, err)
}

func TestSupervisor_StopDisconnectsAndClosesClient(t *testing.T) {
	fc := newFakeClient()
	sup := New("srv", stdioConfig("srv"), newTestBus(), zerolog.Nop(), Options{
		ClientFactory: func(name string) protocol.Client { return fc },
	})
	require.NoError(t, sup.Connect(context.Background(), nil))

	info := sup.Stop(false)
	assert.Equal(t, StateDisconnected, info.State)
	assert.True(t, fc.closed)
}

func TestSupervisor_StopWithDisableFlipsConfig(t *testing.T) {
	fc := newFakeClient()
	sup := New("srv", stdioConfig("srv"), newTestBus(), zerolog.Nop(), Options{
		ClientFactory: func(name string) protocol.Client { return fc },
	})
	require.NoError(t, sup.Connect(context.Background(), nil))

	info := sup.Stop(true)
	assert.Equal(t, StateDisabled, info.State)
	assert.True(t, info.Disabled)
}

func TestSupervisor_UpdateCapabilitiesRefreshesSingleKind(t *testing.T) {
	fc := newFakeClient()
	sup := New("srv", stdioConfig("srv"), newTestBus(), zerolog.Nop(), Options{
		ClientFactory: func(name string) protocol.Client { return fc },
	})
	require.NoError(t, sup.Connect(context.Background(), nil))

	fc.prompts = []protocol.Prompt{{Name: "summarize"}}
	require.NoError(t, sup.UpdateCapabilities(context.Background(), KindPrompts))

	info := sup.GetServerInfo()
	require.Len(t, info.Prompts, 1)
	assert.Equal(t, "summarize", info.Prompts[0].Name)
}

func TestSupervisor_ListChangedNotificationPublishesEvent(t *testing.T) {
	fc := newFakeClient()
	bus := newTestBus()
	sup := New("srv", stdioConfig("srv"), bus, zerolog.Nop(), Options{
		ClientFactory: func(name string) protocol.Client { return fc },
	})
	require.NoError(t, sup.Connect(context.Background(), nil))

	id, events := bus.Subscribe(nil)
	defer bus.Unsubscribe(id)

	fc.tools = []protocol.Tool{{Name: "new-tool"}}
	handler := fc.handlers[protocol.ToolListChanged]
	require.NotNil(t, handler)
	handler()

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.SubtypeToolListChanged, ev.Subtype)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
