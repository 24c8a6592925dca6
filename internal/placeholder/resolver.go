// Package placeholder implements the deterministic substitution pass
// described in spec §4.1: expanding ${VAR} references and executing
// ${cmd: ...} shell invocations over the string fields of a server
// configuration, with cycle detection and strict/lenient behavior.
package placeholder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/mcp-hub/hub/internal/config"
	"github.com/mcp-hub/hub/internal/huberr"
)

// Mode selects strict or lenient failure behavior.
type Mode int

const (
	Lenient Mode = iota
	Strict
)

// Options tunes resolver behavior. Zero value is sane defaults.
type Options struct {
	Mode           Mode
	MaxPasses      int           // default 10
	CommandTimeout time.Duration // default 30s
	// Exec runs a ${cmd: ...} body and returns trimmed stdout. Overridable
	// in tests to avoid touching a real shell.
	Exec func(ctx context.Context, body string, timeout time.Duration) (string, error)
}

func (o Options) withDefaults() Options {
	if o.MaxPasses <= 0 {
		o.MaxPasses = 10
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.Exec == nil {
		o.Exec = runShell
	}
	return o
}

// Warning is a non-fatal resolver finding, reported back to the caller
// instead of printed directly so it can be surfaced on the LOG bus topic.
type Warning struct {
	Level   string // "warn" or "debug"
	Message string
}

var (
	placeholderRe = regexp.MustCompile(`\$\{([^}]*)\}`)
)

func runShell(ctx context.Context, body string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cctx.Err() != nil {
			return "", fmt.Errorf("command timed out: %w", cctx.Err())
		}
		return "", fmt.Errorf("command failed: %w (stderr=%s)", err, stderr.String())
	}
	return strings.TrimRight(stdout.String(), "\r\n \t"), nil
}

// Resolve produces a fully-expanded copy of cfg, never mutating the input
// (spec §9 Open Question: functional resolution on a clone, even in
// lenient mode).
func Resolve(ctx context.Context, cfg config.ServerConfig, opts Options) (config.ResolvedServerConfig, []Warning, error) {
	opts = opts.withDefaults()
	var warnings []Warning

	out := cfg.Clone()

	env, envWarnings, err := resolveEnv(ctx, out.Env, opts)
	warnings = append(warnings, envWarnings...)
	if err != nil {
		return config.ResolvedServerConfig{}, warnings, err
	}

	rctx := newContext(env)

	command, w, err := resolveString(ctx, out.Command, rctx, opts)
	warnings = append(warnings, w...)
	if err != nil {
		return config.ResolvedServerConfig{}, warnings, err
	}

	url, w, err := resolveString(ctx, out.URL, rctx, opts)
	warnings = append(warnings, w...)
	if err != nil {
		return config.ResolvedServerConfig{}, warnings, err
	}

	args := make([]string, len(out.Args))
	for i, a := range out.Args {
		// Legacy $NAME syntax: a standalone arg element starting with "$"
		// and matching an identifier is resolved against the full
		// resolver context (spec §9 explicit choice), not process env
		// alone.
		if isLegacyVarArg(a) {
			name := a[1:]
			val, ok := rctx.lookup(name)
			if ok {
				args[i] = val
				warnings = append(warnings, Warning{Level: "warn", Message: fmt.Sprintf("legacy $%s argument syntax is deprecated, use ${%s}", name, name)})
				continue
			}
			if opts.Mode == Strict {
				return config.ResolvedServerConfig{}, warnings, huberr.New(huberr.VariableNotFound, fmt.Sprintf("legacy arg %q: variable %q not found", a, name))
			}
			warnings = append(warnings, Warning{Level: "warn", Message: fmt.Sprintf("legacy arg %q: variable %q not found, kept literal", a, name)})
			args[i] = a
			continue
		}
		resolved, w, err := resolveString(ctx, a, rctx, opts)
		warnings = append(warnings, w...)
		if err != nil {
			return config.ResolvedServerConfig{}, warnings, err
		}
		args[i] = resolved
	}

	headers := make(map[string]string, len(out.Headers))
	for k, v := range out.Headers {
		resolved, w, err := resolveString(ctx, v, rctx, opts)
		warnings = append(warnings, w...)
		if err != nil {
			return config.ResolvedServerConfig{}, warnings, err
		}
		headers[k] = resolved
	}

	return config.ResolvedServerConfig{
		Name:        out.Name,
		Kind:        out.Kind(),
		Command:     command,
		Args:        args,
		Env:         env,
		URL:         url,
		Headers:     headers,
		Disabled:    out.Disabled,
		Dev:         out.Dev,
		Description: out.Description,
	}, warnings, nil
}

func isLegacyVarArg(s string) bool {
	if len(s) < 2 || s[0] != '$' || s[1] == '{' {
		return false
	}
	for _, r := range s[1:] {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// resolverContext is the layered lookup table: process env, then
// resolved env values on top.
type resolverContext struct {
	layers []map[string]string
}

func newContext(resolvedEnv map[string]string) *resolverContext {
	base := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	return &resolverContext{layers: []map[string]string{base, resolvedEnv}}
}

func (c *resolverContext) lookup(name string) (string, bool) {
	for i := len(c.layers) - 1; i >= 0; i-- {
		if v, ok := c.layers[i][name]; ok {
			return v, true
		}
	}
	return "", false
}

// resolveEnv implements the §4.1 env-first pass with cycle detection.
func resolveEnv(ctx context.Context, env map[string]*string, opts Options) (map[string]string, []Warning, error) {
	var warnings []Warning

	processEnv := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			processEnv[kv[:i]] = kv[i+1:]
		}
	}

	working := make(map[string]string, len(env))
	for name, v := range env {
		if v == nil || *v == "" {
			if fallback, ok := processEnv[name]; ok {
				working[name] = fallback
				continue
			}
			if opts.Mode == Strict {
				return nil, warnings, huberr.New(huberr.VariableNotFound, fmt.Sprintf("env %q is null/empty with no process-env fallback", name))
			}
			working[name] = ""
			continue
		}
		val := *v
		// Legacy "$: ..." shorthand is equivalent to "${cmd: ...}".
		if strings.HasPrefix(val, "$: ") {
			warnings = append(warnings, Warning{Level: "warn", Message: fmt.Sprintf("env %q uses legacy \"$: \" command syntax, use ${cmd: ...}", name)})
			val = "${cmd: " + strings.TrimPrefix(val, "$: ") + "}"
		}
		working[name] = val
	}

	original := make(map[string]string, len(working))
	resolved := make(map[string]string, len(working))
	for k, v := range working {
		original[k] = v
		resolved[k] = v
	}

	for pass := 0; pass < opts.MaxPasses; pass++ {
		progressed := false
		remaining := false
		next := make(map[string]string, len(resolved))
		rctx := &resolverContext{layers: []map[string]string{processEnv, resolved}}

		for name, val := range resolved {
			out, w, err, _, _ := resolveOnePass(ctx, val, rctx, opts)
			warnings = append(warnings, w...)
			if err != nil {
				return nil, warnings, err
			}
			if out != val {
				progressed = true
			}
			if placeholderRe.MatchString(out) {
				remaining = true
			}
			next[name] = out
		}
		resolved = next
		if !remaining {
			break
		}
		if !progressed {
			// No progress made while placeholders remain: a cycle.
			// Revert the affected entries to their original literal
			// values rather than leaving them in whatever intermediate
			// swapped state the last pass produced (spec §4.1, §8
			// "both resolve to their literal placeholders").
			if opts.Mode == Strict {
				return nil, warnings, huberr.New(huberr.VariableNotFound, "circular or unresolved env placeholder reference detected")
			}
			for name, val := range resolved {
				if placeholderRe.MatchString(val) {
					resolved[name] = original[name]
				}
			}
			warnings = append(warnings, Warning{Level: "warn", Message: "circular env placeholder reference(s) left unresolved"})
			break
		}
	}

	return resolved, warnings, nil
}

// resolveOnePass resolves ${VAR} and ${cmd:} occurrences in s using rctx,
// without recursing into further passes. Braces are matched by depth so
// a nested placeholder such as ${cmd: cat ${XDG_RUNTIME_DIR}/token} is
// split at its outermost delimiters rather than its first "}".
//
// hadPlaceholder reports that at least one placeholder was left verbatim;
// ok is false only when err is set. Both are retained for signature
// compatibility; the authoritative "still has an unresolved placeholder"
// check used by the cycle detector is a fresh regex match against the
// returned result.
func resolveOnePass(ctx context.Context, s string, rctx *resolverContext, opts Options) (result string, warnings []Warning, err error, hadPlaceholder bool, ok bool) {
	ok = true
	var b strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			b.WriteString(s[i:])
			break
		}
		start += i
		b.WriteString(s[i:start])

		end := matchingBrace(s, start+2)
		if end < 0 {
			// Unterminated placeholder: leave the rest verbatim.
			b.WriteString(s[start:])
			break
		}

		inner := s[start+2 : end]
		replaced, w, e := expandOne(ctx, inner, rctx, opts)
		warnings = append(warnings, w...)
		if e != nil {
			err = e
			return "", warnings, err, false, false
		}
		if replaced == nil {
			hadPlaceholder = true
			b.WriteString(s[start : end+1])
		} else {
			b.WriteString(*replaced)
		}
		i = end + 1
	}
	result = b.String()
	return
}

// matchingBrace returns the index of the "}" matching the "${" whose
// body starts at from, accounting for nested "${...}" occurrences, or
// -1 if unterminated.
func matchingBrace(s string, from int) int {
	depth := 1
	i := from
	for i < len(s) {
		switch {
		case strings.HasPrefix(s[i:], "${"):
			depth++
			i += 2
		case s[i] == '}':
			depth--
			if depth == 0 {
				return i
			}
			i++
		default:
			i++
		}
	}
	return -1
}

// expandOne expands a single "${...}" body (already stripped of braces).
// A nil *string with nil error means "leave verbatim" (lenient, missing).
func expandOne(ctx context.Context, inner string, rctx *resolverContext, opts Options) (*string, []Warning, error) {
	var warnings []Warning

	if strings.HasPrefix(inner, "cmd:") {
		body := strings.TrimSpace(strings.TrimPrefix(inner, "cmd:"))
		// Nested placeholders inside ${cmd: ...} are resolved first.
		nested, w, err, _, _ := resolveOnePass(ctx, body, rctx, opts)
		warnings = append(warnings, w...)
		if err != nil {
			return nil, warnings, err
		}
		if nested == "" {
			if opts.Mode == Strict {
				return nil, warnings, huberr.New(huberr.CmdExecutionFailed, "empty ${cmd:} body")
			}
			warnings = append(warnings, Warning{Level: "warn", Message: "empty ${cmd:} body left verbatim"})
			return nil, warnings, nil
		}
		out, err := opts.Exec(ctx, nested, opts.CommandTimeout)
		if err != nil {
			if opts.Mode == Strict {
				return nil, warnings, huberr.Wrap(huberr.CmdExecutionFailed, err, "command %q failed", nested)
			}
			warnings = append(warnings, Warning{Level: "warn", Message: fmt.Sprintf("command %q failed: %v, left verbatim", nested, err)})
			return nil, warnings, nil
		}
		return &out, warnings, nil
	}

	name := strings.TrimSpace(inner)
	if val, ok := rctx.lookup(name); ok {
		return &val, warnings, nil
	}
	if opts.Mode == Strict {
		return nil, warnings, huberr.New(huberr.VariableNotFound, fmt.Sprintf("variable %q not found", name))
	}
	warnings = append(warnings, Warning{Level: "debug", Message: fmt.Sprintf("variable %q not found, left verbatim", name)})
	return nil, warnings, nil
}

// resolveString fully expands s (potentially several nested ${...}
// occurrences) against rctx.
func resolveString(ctx context.Context, s string, rctx *resolverContext, opts Options) (string, []Warning, error) {
	result, w, err, _, _ := resolveOnePass(ctx, s, rctx, opts)
	return result, w, err
}
