package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mcp-hub/hub/internal/config"
	"github.com/mcp-hub/hub/internal/eventbus"
	"github.com/mcp-hub/hub/internal/hub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := config.NewStore(config.FromMemory([]byte(`{"mcpServers":{}}`)), zerolog.Nop())
	bus := eventbus.New(zerolog.Nop())
	h := hub.New(store, bus, zerolog.Nop(), hub.Options{})
	require.NoError(t, h.Initialize(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
	return New(h, bus, zerolog.Nop())
}

func TestAPI_HealthOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_ListServersEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/servers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAPI_GetUnknownServerIsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/servers/ghost", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ReadResourceWithoutURIIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/servers/ghost/resources", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
