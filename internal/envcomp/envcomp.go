// Package envcomp builds worker process environments from ordered layers.
// Later layers win, and a layer may also unset keys applied earlier.
package envcomp

import (
	"os"
	"strings"

	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/debug"
)

// Environment variables the composer manages.
const (
	VarPath       = "PATH"
	VarAPIKey     = "ANTHROPIC_API_KEY"
	VarConfigDir  = "CLAUDE_CONFIG_DIR"
	VarPythonPath = "PYTHONPATH"
	VarUnbuffered = "PYTHONUNBUFFERED"
	VarIOEncoding = "PYTHONIOENCODING"
	VarUTF8       = "PYTHONUTF8"
)

// Layer is one composition step: keys to set and keys to remove.
type Layer struct {
	Name  string
	Set   map[string]string
	Unset []string
}

// Provider produces a layer. A failing provider contributes an empty layer
// so one broken source never aborts a spawn.
type Provider func() (Layer, error)

// FromOS snapshots the parent process environment as the base map.
func FromOS() map[string]string {
	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

// Compose applies layers in order over a copy of base.
func Compose(base map[string]string, layers ...Layer) map[string]string {
	env := make(map[string]string, len(base))
	for k, v := range base {
		env[k] = v
	}
	for _, l := range layers {
		for _, k := range l.Unset {
			delete(env, k)
		}
		for k, v := range l.Set {
			env[k] = v
		}
	}
	return env
}

// ComposeProviders resolves each provider and applies the resulting layers.
// Provider errors are logged and the layer skipped.
func ComposeProviders(base map[string]string, providers ...Provider) map[string]string {
	layers := make([]Layer, 0, len(providers))
	for _, p := range providers {
		l, err := p()
		if err != nil {
			debug.Logf("envcomp", "layer %q failed, skipping: %v", l.Name, err)
			continue
		}
		layers = append(layers, l)
	}
	return Compose(base, layers...)
}

// ToolPathLayer prepends discovered tool directories to PATH so the
// worker can reach tools found outside the inherited search path.
// Directories already present in existing are not duplicated.
func ToolPathLayer(dirs []string, existing string) Layer {
	sep := string(os.PathListSeparator)
	present := make(map[string]struct{})
	for _, d := range strings.Split(existing, sep) {
		present[d] = struct{}{}
	}
	var parts []string
	for _, d := range dirs {
		if _, ok := present[d]; ok {
			continue
		}
		present[d] = struct{}{}
		parts = append(parts, d)
	}
	if len(parts) == 0 {
		return Layer{Name: "toolpath"}
	}
	if existing != "" {
		parts = append(parts, existing)
	}
	return Layer{Name: "toolpath", Set: map[string]string{VarPath: strings.Join(parts, sep)}}
}

// RuntimeLayer forces unbuffered UTF-8 worker output and prepends the
// bundled runtime and project import paths to PYTHONPATH. existing is the
// PYTHONPATH inherited from the base environment.
func RuntimeLayer(runtimePath, importPath, existing string) Layer {
	set := map[string]string{
		VarUnbuffered: "1",
		VarIOEncoding: "utf-8",
		VarUTF8:       "1",
	}
	var parts []string
	if runtimePath != "" {
		parts = append(parts, runtimePath)
	}
	if importPath != "" {
		parts = append(parts, importPath)
	}
	if existing != "" {
		parts = append(parts, existing)
	}
	if len(parts) > 0 {
		set[VarPythonPath] = strings.Join(parts, string(os.PathListSeparator))
	}
	return Layer{Name: "runtime", Set: set}
}

// CredentialLayer applies one credential profile. Token and config-dir
// modes are mutually exclusive in the composed environment: setting one
// unsets the other, and a token wins when the profile carries both.
func CredentialLayer(p config.Profile) Layer {
	l := Layer{Name: "credentials"}
	switch {
	case p.Token != "":
		l.Set = map[string]string{VarAPIKey: p.Token}
		l.Unset = []string{VarConfigDir}
	case p.ConfigDir != "":
		l.Set = map[string]string{VarConfigDir: p.ConfigDir}
		l.Unset = []string{VarAPIKey}
	default:
		// Profile carries no credentials; inherit whatever the base has.
	}
	return l
}

// DebugLayer propagates debug logging settings into the worker so its
// log lines land in the same per-process file scheme.
func DebugLayer(process string) Layer {
	return Layer{Name: "debug", Set: debug.PropagatedVars(process)}
}

// ProjectLayer applies project-scoped overrides from project.json.
func ProjectLayer(env map[string]string) Layer {
	return Layer{Name: "project", Set: env}
}
