// Package transport builds the three transport flavors a Connection
// Supervisor can open to a managed MCP server (spec §4.3), each backed
// by the official SDK's mcp.Transport implementations (the pattern the
// teacher's plugin.Manager.StartServer already used for real
// connections — see DESIGN.md).
package transport

import (
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Handle is the collaborator contract of spec.md §6 ("protocol.Transport"):
// close(), an optional stderr byte stream, and an optional session id
// with a best-effort terminate hook. MCP is the underlying SDK
// transport value to hand to mcp.Client.Connect.
type Handle struct {
	MCP mcp.Transport

	// Stderr is non-nil only for stdio transports.
	Stderr io.Reader

	// SessionID returns the negotiated session id, or "" if none (only
	// meaningful after Connect has completed at least one round trip).
	SessionID func() string

	// Terminate performs a best-effort session-termination call before
	// Close (spec.md §9 Open Questions: "best-effort terminateSession()
	// ... ignoring its result"). None of the factories in this package
	// set it, so it is nil for every flavor.
	Terminate func() error

	// Close releases any resources the factory itself owns (e.g. the
	// stderr pipe). The SDK session/client owns closing MCP itself.
	Close func() error
}
