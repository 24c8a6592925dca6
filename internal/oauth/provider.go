// Package oauth implements the per-remote-connection OAuth 2.0 PKCE
// flow: dynamic client registration, authorization-URL construction,
// token storage, and token refresh (spec §4.4). It is grounded on the
// teacher's go.mod, which already carries golang.org/x/oauth2 as an
// indirect dependency (pulled in transitively via the MCP SDK),
// promoted here to the client/PKCE library actually driving this
// component, since the base library predates first-class PKCE helpers
// and needs the manual oauth2.SetAuthURLParam escape hatch (see
// DESIGN.md).
package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mcp-hub/hub/internal/huberr"
	"golang.org/x/oauth2"
)

func newJSONReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Metadata is the subset of RFC 8414 authorization-server metadata the
// provider needs.
type Metadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

// ClientCredentials is the persisted result of dynamic client
// registration (RFC 7591).
type ClientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// pendingAuth tracks one in-flight authorization attempt, keyed by the
// opaque state parameter, so HandleCallback can recover the PKCE
// verifier and redirect URI used to build the authorization URL.
type pendingAuth struct {
	verifier    string
	redirectURI string
}

// Provider drives the PKCE flow for a single remote server connection.
// All persistent state lives under stateDir/serverName/.
type Provider struct {
	serverName string
	stateDir   string
	metadata   Metadata

	mu      sync.Mutex
	pending map[string]pendingAuth
	client  *ClientCredentials
	token   *oauth2.Token
}

// NewProvider creates a Provider for serverName, rooted at
// <stateDir>/<serverName>.
func NewProvider(serverName, stateDir string, metadata Metadata) *Provider {
	return &Provider{
		serverName: serverName,
		stateDir:   filepath.Join(stateDir, serverName),
		metadata:   metadata,
		pending:    make(map[string]pendingAuth),
	}
}

func (p *Provider) dir() string { return p.stateDir }

func (p *Provider) ensureDir() error {
	return os.MkdirAll(p.dir(), 0o700)
}

func (p *Provider) clientPath() string { return filepath.Join(p.dir(), "client.json") }
func (p *Provider) tokenPath() string  { return filepath.Join(p.dir(), "token.json") }

// EnsureClient performs dynamic client registration (RFC 7591) against
// metadata.RegistrationEndpoint if no credentials are persisted yet
// (spec §4.4 step 1).
func (p *Provider) EnsureClient(ctx context.Context, redirectURI string) (*ClientCredentials, error) {
	p.mu.Lock()
	if p.client != nil {
		creds := *p.client
		p.mu.Unlock()
		return &creds, nil
	}
	p.mu.Unlock()

	if creds, err := p.loadClient(); err == nil {
		p.mu.Lock()
		p.client = creds
		p.mu.Unlock()
		return creds, nil
	}

	if p.metadata.RegistrationEndpoint == "" {
		return nil, huberr.New(huberr.ConnectionFailed, "server does not advertise a registration endpoint").WithServer(p.serverName)
	}

	body, _ := json.Marshal(map[string]any{
		"redirect_uris":              []string{redirectURI},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.metadata.RegistrationEndpoint, newJSONReader(body))
	if err != nil {
		return nil, huberr.Wrap(huberr.ConnectionFailed, err, "build registration request").WithServer(p.serverName)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, huberr.Wrap(huberr.ConnectionFailed, err, "dynamic client registration").WithServer(p.serverName)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, huberr.New(huberr.ConnectionFailed, fmt.Sprintf("dynamic client registration failed: status %d", resp.StatusCode)).WithServer(p.serverName)
	}

	var creds ClientCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, huberr.Wrap(huberr.ConnectionFailed, err, "decode registration response").WithServer(p.serverName)
	}

	if err := p.saveClient(&creds); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.client = &creds
	p.mu.Unlock()
	return &creds, nil
}

func (p *Provider) saveClient(creds *ClientCredentials) error {
	if err := p.ensureDir(); err != nil {
		return huberr.Wrap(huberr.ConnectionFailed, err, "create oauth state dir").WithServer(p.serverName)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return huberr.Wrap(huberr.ConnectionFailed, err, "marshal client credentials").WithServer(p.serverName)
	}
	if err := os.WriteFile(p.clientPath(), data, 0o600); err != nil {
		return huberr.Wrap(huberr.ConnectionFailed, err, "persist client credentials").WithServer(p.serverName)
	}
	return nil
}

func (p *Provider) loadClient() (*ClientCredentials, error) {
	data, err := os.ReadFile(p.clientPath())
	if err != nil {
		return nil, err
	}
	var creds ClientCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// AuthorizationURL generates a PKCE verifier+challenge, builds the
// provider's authorization URL, and stashes the verifier under an
// opaque state value for later recovery in HandleCallback (spec §4.4
// step 2). The caller (the supervisor) decides whether/when to surface
// the URL — it is never opened automatically. It returns both the URL
// and the state value, since the caller must thread state back into
// HandleCallback to recover the matching PKCE verifier.
func (p *Provider) AuthorizationURL(ctx context.Context, redirectURI string) (string, string, error) {
	creds, err := p.EnsureClient(ctx, redirectURI)
	if err != nil {
		return "", "", err
	}

	verifier := generateVerifier()
	challenge := challengeFromVerifier(verifier)
	state := uuid.New().String()

	p.mu.Lock()
	p.pending[state] = pendingAuth{verifier: verifier, redirectURI: redirectURI}
	p.mu.Unlock()

	cfg := p.oauth2Config(creds, redirectURI)
	url := cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return url, state, nil
}

// HandleCallback exchanges the authorization code for tokens using the
// stored PKCE verifier for state, and persists the resulting tokens
// (spec §4.4 step 3).
func (p *Provider) HandleCallback(ctx context.Context, code, state string) error {
	p.mu.Lock()
	pend, ok := p.pending[state]
	if ok {
		delete(p.pending, state)
	}
	creds := p.client
	p.mu.Unlock()

	if !ok {
		return huberr.New(huberr.Unauthorized, "unknown or expired authorization state").WithServer(p.serverName)
	}
	if creds == nil {
		return huberr.New(huberr.Unauthorized, "no registered client for this server").WithServer(p.serverName)
	}

	cfg := p.oauth2Config(creds, pend.redirectURI)
	token, err := cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", pend.verifier))
	if err != nil {
		return huberr.Wrap(huberr.Unauthorized, err, "token exchange").WithServer(p.serverName)
	}

	if err := p.saveToken(token); err != nil {
		return err
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return nil
}

func (p *Provider) oauth2Config(creds *ClientCredentials, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.metadata.AuthorizationEndpoint,
			TokenURL: p.metadata.TokenEndpoint,
		},
	}
}

func (p *Provider) saveToken(token *oauth2.Token) error {
	if err := p.ensureDir(); err != nil {
		return huberr.Wrap(huberr.ConnectionFailed, err, "create oauth state dir").WithServer(p.serverName)
	}
	data, err := json.Marshal(token)
	if err != nil {
		return huberr.Wrap(huberr.ConnectionFailed, err, "marshal token").WithServer(p.serverName)
	}
	if err := os.WriteFile(p.tokenPath(), data, 0o600); err != nil {
		return huberr.Wrap(huberr.ConnectionFailed, err, "persist token").WithServer(p.serverName)
	}
	return nil
}

func (p *Provider) loadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(p.tokenPath())
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// RoundTripper returns an http.RoundTripper that appends
// "Authorization: Bearer <access>" to every request, refreshing on
// token source signal, and surfaces a refresh failure as Unauthorized
// rather than letting the caller see a raw transport error (spec §4.4
// step 4).
func (p *Provider) RoundTripper(ctx context.Context, next http.RoundTripper) (http.RoundTripper, error) {
	p.mu.Lock()
	token := p.token
	creds := p.client
	p.mu.Unlock()

	if token == nil {
		loaded, err := p.loadToken()
		if err != nil {
			return nil, huberr.New(huberr.Unauthorized, "no token available; authorize() first").WithServer(p.serverName)
		}
		token = loaded
	}
	if creds == nil {
		return nil, huberr.New(huberr.Unauthorized, "no registered client for this server").WithServer(p.serverName)
	}

	cfg := p.oauth2Config(creds, "")
	src := cfg.TokenSource(ctx, token)
	return &bearerRoundTripper{source: src, provider: p, next: next}, nil
}

type bearerRoundTripper struct {
	source   oauth2.TokenSource
	provider *Provider
	next     http.RoundTripper
}

func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := rt.source.Token()
	if err != nil {
		return nil, huberr.Wrap(huberr.Unauthorized, err, "refresh token").WithServer(rt.provider.serverName)
	}
	rt.provider.mu.Lock()
	rt.provider.token = token
	rt.provider.mu.Unlock()
	_ = rt.provider.saveToken(token)

	req2 := req.Clone(req.Context())
	token.SetAuthHeader(req2)

	next := rt.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req2)
}

func generateVerifier() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func challengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
