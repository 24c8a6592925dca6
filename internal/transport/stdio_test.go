package transport

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeEnv_ResolvedWinsOverMcpEnvVars(t *testing.T) {
	base := []string{"PATH=/bin"}
	mcpVars := map[string]string{"FOO": "from-mcp-env-vars", "SHARED": "mcp"}
	resolved := map[string]string{"SHARED": "resolved"}

	merged := mergeEnv(base, mcpVars, resolved)

	got := map[string]string{}
	for _, kv := range merged {
		for i := range kv {
			if kv[i] == '=' {
				got[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	assert.Equal(t, "/bin", got["PATH"])
	assert.Equal(t, "from-mcp-env-vars", got["FOO"])
	assert.Equal(t, "resolved", got["SHARED"])
}

func TestMcpEnvVars_ParsesJSONObject(t *testing.T) {
	os.Setenv("MCP_ENV_VARS", `{"A":"1","B":"2"}`)
	defer os.Unsetenv("MCP_ENV_VARS")

	vars := mcpEnvVars()
	assert.Equal(t, "1", vars["A"])
	assert.Equal(t, "2", vars["B"])
}

func TestMcpEnvVars_EmptyWhenUnset(t *testing.T) {
	os.Unsetenv("MCP_ENV_VARS")
	assert.Nil(t, mcpEnvVars())
}
