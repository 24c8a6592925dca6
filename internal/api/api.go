// Package api implements the hub's thin HTTP surface: a routing-only
// collaborator (spec.md §1 "not part of this spec's testable surface")
// that makes the module a complete, runnable program. Grounded on
// standardbeagle-brummer's internal/mcp/mcp_server.go route table
// (`mux.NewRouter()` + `HandleFunc(...).Methods(...)`), rehomed onto
// Hub Core's operations instead of that file's own tool/session state.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mcp-hub/hub/internal/eventbus"
	"github.com/mcp-hub/hub/internal/huberr"
	"github.com/mcp-hub/hub/internal/hub"
	"github.com/rs/zerolog"
)

// Server wires Hub Core's operations onto a gorilla/mux router.
type Server struct {
	hub    *hub.Hub
	bus    *eventbus.Bus
	logger zerolog.Logger
	router *mux.Router
}

// New builds a Server and its route table.
func New(h *hub.Hub, bus *eventbus.Bus, logger zerolog.Logger) *Server {
	s := &Server{hub: h, bus: bus, logger: logger.With().Str("component", "api.Server").Logger(), router: mux.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/servers", s.handleListServers).Methods(http.MethodGet)
	s.router.HandleFunc("/servers/{name}", s.handleGetServer).Methods(http.MethodGet)
	s.router.HandleFunc("/servers/{name}/start", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/servers/{name}/stop", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/servers/{name}/refresh", s.handleRefresh).Methods(http.MethodPost)
	s.router.HandleFunc("/servers/{name}/tools/{tool}", s.handleCallTool).Methods(http.MethodPost)
	s.router.HandleFunc("/servers/{name}/resources", s.handleReadResource).Methods(http.MethodGet)
	s.router.HandleFunc("/servers/{name}/prompts/{prompt}", s.handleGetPrompt).Methods(http.MethodPost)
	s.router.HandleFunc("/servers/{name}/authorize", s.handleAuthorize).Methods(http.MethodPost)
	s.router.HandleFunc("/servers/{name}/oauth/callback", s.handleAuthCallback).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.GetAllServerStatuses())
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	info, err := s.hub.GetServerInfo(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	info, err := s.hub.StartServer(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	disable := r.URL.Query().Get("disable") == "true"
	info, err := s.hub.StopServer(name, disable)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.hub.RefreshServer(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.hub.GetServerInfo(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, tool := vars["name"], vars["tool"]

	var args any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&args)
	}

	result, err := s.hub.CallTool(r.Context(), name, tool, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeError(w, huberr.New(huberr.InvalidArguments, "missing uri query parameter"))
		return
	}
	result, err := s.hub.ReadResource(r.Context(), name, uri)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, prompt := vars["name"], vars["prompt"]

	var args any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&args)
	}

	result, err := s.hub.GetPrompt(r.Context(), name, prompt, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	url, err := s.hub.Authorize(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorizationUrl": url})
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	code := r.URL.Query().Get("code")
	if err := s.hub.HandleAuthCallback(r.Context(), name, code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("authorized"))
}

// handleEvents fans the Event Bus out over SSE — the hub's own
// server-sent-events surface to its editor/agent clients, distinct
// from the managed-server SSE *fallback transport* in internal/transport.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	filter := parseSubtypeFilter(r.URL.Query()["subtype"])
	id, events := s.bus.Subscribe(filter)
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func parseSubtypeFilter(raw []string) eventbus.Filter {
	if len(raw) == 0 {
		return nil
	}
	subtypes := make([]eventbus.SubscriptionSubtype, 0, len(raw))
	for _, r := range raw {
		subtypes = append(subtypes, eventbus.SubscriptionSubtype(r))
	}
	return eventbus.AcceptSubtypes(subtypes...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := huberr.CodeOf(err)
	writeJSON(w, huberr.HTTPStatus(code), map[string]string{"error": err.Error(), "code": string(code)})
}
