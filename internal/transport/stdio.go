package transport

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// StdioConfig is the resolved shape Connect needs for a child-process
// server (spec §4.3).
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// NewStdio prepares the resolved command and wires its stderr for the
// supervisor to warn-log; the process itself is started by the SDK's
// CommandTransport when the client connects. Environment is (process environment) ∪
// (MCP_ENV_VARS, if set) ∪ (resolved env) — resolved env wins, per
// SPEC_FULL.md §6.3.
func NewStdio(cfg StdioConfig) (Handle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), mcpEnvVars(), cfg.Env)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	return Handle{
		MCP:    &mcp.CommandTransport{Command: cmd},
		Stderr: stderr,
		Close:  func() error { return nil }, // the SDK session owns process teardown
	}, nil
}

// mcpEnvVars parses the optional MCP_ENV_VARS environment variable
// (spec.md §6) — a JSON object merged into every stdio child's
// environment below the resolved env.
func mcpEnvVars() map[string]string {
	raw := os.Getenv("MCP_ENV_VARS")
	if raw == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func mergeEnv(base []string, layers ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
