package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_RegisterAuthorizeCallback(t *testing.T) {
	var tokenRequests int

	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ClientCredentials{ClientID: "client-123"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		require.NoError(t, r.ParseForm())
		assert.NotEmpty(t, r.FormValue("code_verifier"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-abc",
			"token_type":   "Bearer",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	meta := Metadata{
		AuthorizationEndpoint: srv.URL + "/authorize",
		TokenEndpoint:         srv.URL + "/token",
		RegistrationEndpoint:  srv.URL + "/register",
	}

	p := NewProvider("test-server", t.TempDir(), meta)

	authURL, state, err := p.AuthorizationURL(context.Background(), "http://localhost/callback")
	require.NoError(t, err)
	require.NotEmpty(t, state)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "client-123", parsed.Query().Get("client_id"))
	assert.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, parsed.Query().Get("code_challenge"))
	assert.Equal(t, state, parsed.Query().Get("state"))

	err = p.HandleCallback(context.Background(), "auth-code", state)
	require.NoError(t, err)
	assert.Equal(t, 1, tokenRequests)

	rt, err := p.RoundTripper(context.Background(), nil)
	require.NoError(t, err)

	client := &http.Client{Transport: rt}
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("echo-auth", r.Header.Get("Authorization"))
	}))
	defer echo.Close()

	req, _ := http.NewRequest(http.MethodGet, echo.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-abc", resp.Header.Get("echo-auth"))
}

func TestProvider_CallbackRejectsUnknownState(t *testing.T) {
	p := NewProvider("s", t.TempDir(), Metadata{})
	err := p.HandleCallback(context.Background(), "code", "bogus-state")
	assert.Error(t, err)
}
