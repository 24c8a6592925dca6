package hub

import (
	"context"
	"testing"
	"time"

	"github.com/mcp-hub/hub/internal/config"
	"github.com/mcp-hub/hub/internal/eventbus"
	"github.com/mcp-hub/hub/internal/protocol"
	"github.com/mcp-hub/hub/internal/supervisor"
	"github.com/mcp-hub/hub/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient is a minimal protocol.Client so supervisor.New can build a
// real *supervisor.Supervisor without touching a transport.
type stubClient struct {
	handlers map[protocol.NotificationKind]func()
}

func newStubClient() *stubClient {
	return &stubClient{handlers: make(map[protocol.NotificationKind]func())}
}

func (s *stubClient) Connect(ctx context.Context, h transport.Handle) error { return nil }
func (s *stubClient) ListTools(ctx context.Context) ([]protocol.Tool, error) { return nil, nil }
func (s *stubClient) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	return nil, nil
}
func (s *stubClient) ListResourceTemplates(ctx context.Context) ([]protocol.ResourceTemplate, error) {
	return nil, nil
}
func (s *stubClient) ListPrompts(ctx context.Context) ([]protocol.Prompt, error) { return nil, nil }
func (s *stubClient) CallTool(ctx context.Context, name string, args any) (*protocol.CallToolResult, error) {
	return &protocol.CallToolResult{}, nil
}
func (s *stubClient) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	return &protocol.ReadResourceResult{}, nil
}
func (s *stubClient) GetPrompt(ctx context.Context, name string, args any) (*protocol.GetPromptResult, error) {
	return &protocol.GetPromptResult{}, nil
}
func (s *stubClient) SetNotificationHandler(kind protocol.NotificationKind, fn func()) {
	s.handlers[kind] = fn
}
func (s *stubClient) SessionID() string                          { return "" }
func (s *stubClient) TerminateSession(ctx context.Context) error { return nil }
func (s *stubClient) Close() error                                { return nil }
func (s *stubClient) OnError(fn func(error))                      {}
func (s *stubClient) OnClose(fn func())                           {}

func stdioConfig(name string) config.ServerConfig {
	cfg := config.ServerConfig{Command: "echo", Args: []string{"hi"}}
	_ = cfg.Validate(name)
	return cfg
}

func newTestHub(t *testing.T) (*Hub, *eventbus.Bus) {
	t.Helper()
	store := config.NewStore(config.FromMemory([]byte(`{"mcpServers":{}}`)), zerolog.Nop())
	bus := eventbus.New(zerolog.Nop())

	h := New(store, bus, zerolog.Nop(), Options{
		NewSupervisor: func(name string, cfg config.ServerConfig) *supervisor.Supervisor {
			return supervisor.New(name, cfg, bus, zerolog.Nop(), supervisor.Options{
				ClientFactory: func(n string) protocol.Client { return newStubClient() },
			})
		},
	})
	return h, bus
}

func TestHub_InitializeWithEmptyConfigHasNoServers(t *testing.T) {
	h, _ := newTestHub(t)
	require.NoError(t, h.Initialize(context.Background()))
	assert.Empty(t, h.GetAllServerStatuses())
}

func TestHub_StartStopUnknownServerIsNotFound(t *testing.T) {
	h, _ := newTestHub(t)
	require.NoError(t, h.Initialize(context.Background()))

	_, err := h.StartServer(context.Background(), "ghost")
	assert.Error(t, err)

	_, err = h.StopServer("ghost", false)
	assert.Error(t, err)
}

func TestHub_AddStartAndStopServer(t *testing.T) {
	h, _ := newTestHub(t)
	require.NoError(t, h.Initialize(context.Background()))

	e := h.addSupervisor("alpha", stdioConfig("alpha"))
	_, err := e.sup.Start(context.Background())
	require.NoError(t, err)

	info, err := h.GetServerInfo("alpha")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateConnected, info.State)

	info, err = h.StopServer("alpha", false)
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateDisconnected, info.State)
}

func TestHub_ConfigChangedAddsAndRemoves(t *testing.T) {
	h, bus := newTestHub(t)
	require.NoError(t, h.Initialize(context.Background()))

	id, events := bus.Subscribe(nil)
	defer bus.Unsubscribe(id)

	cfg := stdioConfig("alpha")
	h.handleConfigChanged(context.Background(), config.ChangeEvent{
		Servers: map[string]config.ServerConfig{"alpha": cfg},
		Diff:    config.Diff{Added: []string{"alpha"}},
	})

	_, err := h.GetServerInfo("alpha")
	require.NoError(t, err)

	h.handleConfigChanged(context.Background(), config.ChangeEvent{
		Servers: map[string]config.ServerConfig{},
		Diff:    config.Diff{Removed: []string{"alpha"}},
	})

	_, err = h.GetServerInfo("alpha")
	assert.Error(t, err)

	drained := 0
	for {
		select {
		case <-events:
			drained++
		case <-time.After(50 * time.Millisecond):
			assert.GreaterOrEqual(t, drained, 2)
			return
		}
	}
}

func TestHub_ShutdownStopsAllServers(t *testing.T) {
	h, _ := newTestHub(t)
	require.NoError(t, h.Initialize(context.Background()))

	e := h.addSupervisor("alpha", stdioConfig("alpha"))
	_, err := e.sup.Start(context.Background())
	require.NoError(t, err)

	h.Shutdown(context.Background())

	info, err := h.GetServerInfo("alpha")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateDisconnected, info.State)
}
