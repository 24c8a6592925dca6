package placeholder

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mcp-hub/hub/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func fakeExec(outputs map[string]string) func(context.Context, string, time.Duration) (string, error) {
	return func(_ context.Context, body string, _ time.Duration) (string, error) {
		if out, ok := outputs[body]; ok {
			return out, nil
		}
		return "", assertionError(body)
	}
}

type assertionError string

func (e assertionError) Error() string { return "unexpected command: " + string(e) }

func TestResolve_StdioWithSubstitution(t *testing.T) {
	cfg := config.ServerConfig{
		Command: "${BIN}/s",
		Args:    []string{"-t", "${TOK}"},
		Env: map[string]*string{
			"BIN": strp("/opt"),
			"TOK": strp("${cmd: echo hi}"),
		},
	}
	require.NoError(t, cfg.Validate("s"))

	opts := Options{Mode: Strict, Exec: fakeExec(map[string]string{"echo hi": "hi"})}
	resolved, warnings, err := Resolve(context.Background(), cfg, opts)
	require.NoError(t, err)
	assert.Equal(t, "/opt/s", resolved.Command)
	assert.Equal(t, []string{"-t", "hi"}, resolved.Args)
	assert.Equal(t, "/opt", resolved.Env["BIN"])
	assert.Equal(t, "hi", resolved.Env["TOK"])
	assert.Empty(t, warnings)
}

func TestResolve_LegacyArgSyntax(t *testing.T) {
	cfg := config.ServerConfig{
		Command: "s",
		Args:    []string{"--k", "$API_KEY"},
		Env:     map[string]*string{"API_KEY": strp("k")},
	}
	require.NoError(t, cfg.Validate("s"))

	resolved, warnings, err := Resolve(context.Background(), cfg, Options{Mode: Strict})
	require.NoError(t, err)
	assert.Equal(t, []string{"--k", "k"}, resolved.Args)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "deprecated")
}

func TestResolve_EnvNullFallback(t *testing.T) {
	os.Setenv("MCPHUB_TEST_FALLBACK", "from-process")
	defer os.Unsetenv("MCPHUB_TEST_FALLBACK")

	cfg := config.ServerConfig{
		Command: "s",
		Env:     map[string]*string{"MCPHUB_TEST_FALLBACK": nil},
	}
	require.NoError(t, cfg.Validate("s"))

	resolved, _, err := Resolve(context.Background(), cfg, Options{Mode: Strict})
	require.NoError(t, err)
	assert.Equal(t, "from-process", resolved.Env["MCPHUB_TEST_FALLBACK"])
}

func TestResolve_EnvNullNoFallback_StrictFails(t *testing.T) {
	cfg := config.ServerConfig{
		Command: "s",
		Env:     map[string]*string{"MCPHUB_TEST_MISSING_XYZ": nil},
	}
	require.NoError(t, cfg.Validate("s"))

	_, _, err := Resolve(context.Background(), cfg, Options{Mode: Strict})
	require.Error(t, err)
}

func TestResolve_EnvNullNoFallback_LenientEmpty(t *testing.T) {
	cfg := config.ServerConfig{
		Command: "s",
		Env:     map[string]*string{"MCPHUB_TEST_MISSING_XYZ": nil},
	}
	require.NoError(t, cfg.Validate("s"))

	resolved, _, err := Resolve(context.Background(), cfg, Options{Mode: Lenient})
	require.NoError(t, err)
	assert.Equal(t, "", resolved.Env["MCPHUB_TEST_MISSING_XYZ"])
}

func TestResolve_CircularEnv_Lenient(t *testing.T) {
	cfg := config.ServerConfig{
		Command: "s",
		Env: map[string]*string{
			"VAR_A": strp("${VAR_B}"),
			"VAR_B": strp("${VAR_A}"),
		},
	}
	require.NoError(t, cfg.Validate("s"))

	resolved, warnings, err := Resolve(context.Background(), cfg, Options{Mode: Lenient})
	require.NoError(t, err)
	assert.Equal(t, "${VAR_A}", resolved.Env["VAR_B"])
	assert.Equal(t, "${VAR_B}", resolved.Env["VAR_A"])
	found := false
	for _, w := range warnings {
		if w.Message == "circular env placeholder reference(s) left unresolved" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestResolve_CircularEnv_Strict(t *testing.T) {
	cfg := config.ServerConfig{
		Command: "s",
		Env: map[string]*string{
			"VAR_A": strp("${VAR_B}"),
			"VAR_B": strp("${VAR_A}"),
		},
	}
	require.NoError(t, cfg.Validate("s"))

	_, _, err := Resolve(context.Background(), cfg, Options{Mode: Strict})
	require.Error(t, err)
}

func TestResolve_Idempotent(t *testing.T) {
	cfg := config.ServerConfig{
		Command: "/opt/s",
		Args:    []string{"-t", "hi"},
		Env:     map[string]*string{"X": strp("y")},
	}
	require.NoError(t, cfg.Validate("s"))

	r1, _, err := Resolve(context.Background(), cfg, Options{Mode: Strict})
	require.NoError(t, err)
	assert.Equal(t, "/opt/s", r1.Command)
	assert.Equal(t, []string{"-t", "hi"}, r1.Args)
}

func TestResolve_CmdFailureStrict(t *testing.T) {
	cfg := config.ServerConfig{
		Command: "${cmd: false-this-should-fail}",
	}
	require.NoError(t, cfg.Validate("s"))

	_, _, err := Resolve(context.Background(), cfg, Options{
		Mode: Strict,
		Exec: func(context.Context, string, time.Duration) (string, error) {
			return "", assertionError("boom")
		},
	})
	require.Error(t, err)
}

func TestResolve_NestedCmdPlaceholder(t *testing.T) {
	cfg := config.ServerConfig{
		Command: "s",
		Args:    []string{"${cmd: cat ${XDG_RUNTIME_DIR}/token}"},
		Env:     map[string]*string{"XDG_RUNTIME_DIR": strp("/run/user/1000")},
	}
	require.NoError(t, cfg.Validate("s"))

	resolved, _, err := Resolve(context.Background(), cfg, Options{
		Mode: Strict,
		Exec: fakeExec(map[string]string{"cat /run/user/1000/token": "secret"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"secret"}, resolved.Args)
}
