// Package supervisor implements the Connection Supervisor (spec §4.5):
// one per managed MCP server, owning its transport, protocol client,
// discovered capabilities, and state machine.
package supervisor

import (
	"encoding/json"
	"time"
)

// ConnectionState is the state machine of spec §3/§4.5.
type ConnectionState string

const (
	StateDisabled     ConnectionState = "disabled"
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateUnauthorized ConnectionState = "unauthorized"
	StateConnected    ConnectionState = "connected"
)

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// CapabilityKind enumerates the four capability lists a server exposes.
type CapabilityKind string

const (
	KindTools             CapabilityKind = "tools"
	KindResources         CapabilityKind = "resources"
	KindResourceTemplates CapabilityKind = "resourceTemplates"
	KindPrompts           CapabilityKind = "prompts"
)

// ToolInfo, ResourceInfo, ResourceTemplateInfo, PromptInfo are the
// JSON-facing projections of spec §3 "Capability" records.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type ResourceTemplateInfo struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
}

type PromptInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Info is the public snapshot returned by getServerInfo and used by Hub
// Core's getAllServerStatuses (spec §4.5, §4.6).
type Info struct {
	Name              string                 `json:"name"`
	State             ConnectionState        `json:"state"`
	Disabled          bool                   `json:"disabled"`
	Error             string                 `json:"error,omitempty"`
	AuthorizationURL  string                 `json:"authorizationUrl,omitempty"`
	StartTime         *time.Time             `json:"startTime,omitempty"`
	Uptime            time.Duration          `json:"uptime,omitempty"`
	Tools             []ToolInfo             `json:"tools,omitempty"`
	Resources         []ResourceInfo         `json:"resources,omitempty"`
	ResourceTemplates []ResourceTemplateInfo `json:"resourceTemplates,omitempty"`
	Prompts           []PromptInfo           `json:"prompts,omitempty"`
	DisplayName       string                 `json:"displayName,omitempty"`
}
