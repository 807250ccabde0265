// Package detect discovers the worker runtime and agent CLIs installed on
// the machine: the interpreter that runs worker scripts plus the agent
// binaries those workers drive.
package detect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"
)

const versionProbeTimeout = 1800 * time.Millisecond

// EnvExtraBins adds comma-separated binary names to the scan.
const EnvExtraBins = "WARDEN_EXTRA_TOOL_BINS"

var semverRE = regexp.MustCompile(`(?i)\bv?(\d+\.\d+(?:\.\d+)?(?:[-+][0-9A-Za-z.-]+)?)\b`)

// Kind distinguishes what role a discovered tool plays.
type Kind string

const (
	// KindInterpreter runs worker scripts.
	KindInterpreter Kind = "interpreter"
	// KindAgent is an AI agent CLI the workers invoke.
	KindAgent Kind = "agent"
)

// Tool describes an installed binary discovered on the machine.
type Tool struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Path    string `json:"path"`
	Version string `json:"version"`
}

// interpreter candidates in preference order.
var interpreterBins = []string{"python3", "python"}

// agent CLI candidates in preference order per agent name.
var agentBins = map[string][]string{
	"claude": {"claude"},
	"codex":  {"codex", "codex-cli"},
	"gemini": {"gemini"},
}

// Scan discovers the worker interpreter and agent CLIs from PATH and
// known install locations.
func Scan() []Tool {
	var tools []Tool
	seen := make(map[string]struct{})

	if path, ok := resolveBinaryPath(interpreterBins...); ok {
		tools = append(tools, buildTool(filepath.Base(path), KindInterpreter, path))
		seen[path] = struct{}{}
	}

	for name, bins := range agentBins {
		path, ok := resolveBinaryPath(bins...)
		if !ok {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		tools = append(tools, buildTool(name, KindAgent, path))
		seen[path] = struct{}{}
	}

	for _, extra := range extraBinCandidates() {
		path, ok := resolveBinaryPath(extra)
		if !ok {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		tools = append(tools, buildTool(extra, KindAgent, path))
		seen[path] = struct{}{}
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// ToolDirs returns the unique directories holding discovered tools,
// sorted. Used to augment a worker's PATH so tools installed outside the
// inherited PATH (known install dirs, ~/.local/bin) stay reachable from
// the child. Unlike Scan it never execs anything, so it is cheap enough
// for the spawn path.
func ToolDirs() []string {
	seen := make(map[string]struct{})
	add := func(path string) {
		seen[filepath.Dir(path)] = struct{}{}
	}
	if path, ok := resolveBinaryPath(interpreterBins...); ok {
		add(path)
	}
	for _, bins := range agentBins {
		if path, ok := resolveBinaryPath(bins...); ok {
			add(path)
		}
	}
	for _, extra := range extraBinCandidates() {
		if path, ok := resolveBinaryPath(extra); ok {
			add(path)
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// ResolveWorker returns the executable used to run workers. An explicit
// override wins; otherwise the first discovered interpreter is used.
func ResolveWorker(override string) (string, error) {
	if override != "" {
		if path, ok := executablePath(override); ok {
			return path, nil
		}
		if path, err := exec.LookPath(override); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("worker command %q is not an executable", override)
	}
	if path, ok := resolveBinaryPath(interpreterBins...); ok {
		return path, nil
	}
	return "", errors.New("no worker interpreter found; install python3 or set worker_command")
}

func buildTool(name string, kind Kind, path string) Tool {
	return Tool{
		Name:    normalizeName(name),
		Kind:    kind,
		Path:    path,
		Version: detectVersion(path),
	}
}

func extraBinCandidates() []string {
	var out []string
	uniq := make(map[string]struct{})
	for _, v := range strings.Split(os.Getenv(EnvExtraBins), ",") {
		v = normalizeName(v)
		if v == "" {
			continue
		}
		if _, dup := uniq[v]; dup {
			continue
		}
		uniq[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// resolveBinaryPath tries each candidate name against PATH and the known
// install directories, returning the first real executable.
func resolveBinaryPath(binaries ...string) (string, bool) {
	for _, bin := range binaries {
		candidates := make([]string, 0, 1+len(knownInstallDirs()))
		if p, err := exec.LookPath(bin); err == nil {
			candidates = append(candidates, p)
		}
		for _, dir := range knownInstallDirs() {
			candidates = append(candidates, filepath.Join(dir, bin))
		}
		for _, path := range candidates {
			if real, ok := executablePath(path); ok {
				return real, true
			}
		}
	}
	return "", false
}

func knownInstallDirs() []string {
	dirs := []string{
		"/usr/local/bin",
		"/usr/bin",
		"/opt/homebrew/bin",
		"/opt/local/bin",
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "bin"),
			filepath.Join(home, ".npm-global", "bin"),
		)
	}

	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			dirs = append(dirs, filepath.Join(local, "Programs"))
		}
		if pf := os.Getenv("ProgramFiles"); pf != "" {
			dirs = append(dirs, pf)
		}
	}

	uniq := make(map[string]struct{}, len(dirs))
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if _, exists := uniq[dir]; exists {
			continue
		}
		uniq[dir] = struct{}{}
		out = append(out, dir)
	}
	return out
}

func executablePath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if runtime.GOOS == "windows" {
		if !strings.HasSuffix(strings.ToLower(path), ".exe") {
			if _, err := os.Stat(path + ".exe"); err == nil {
				path += ".exe"
			}
		}
	}

	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return "", false
	}
	if runtime.GOOS != "windows" && fi.Mode()&0111 == 0 {
		return "", false
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		abs = resolved
	}
	return abs, true
}

func detectVersion(commandPath string) string {
	attempts := [][]string{{"--version"}, {"-v"}, {"version"}}

	for _, args := range attempts {
		out, err := runVersionProbe(commandPath, args)
		if err != nil && out == "" {
			continue
		}
		if version := parseVersion(out); version != "" {
			return version
		}
	}

	return "unknown"
}

func runVersionProbe(commandPath string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, commandPath, args...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, ctx.Err()
	}
	return out, err
}

func parseVersion(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}

	if matches := semverRE.FindStringSubmatch(output); len(matches) > 1 {
		return matches[1]
	}

	line := output
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if len(line) > 48 {
		line = line[:48]
	}
	return line
}

func normalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if runtime.GOOS == "windows" {
		name = strings.TrimSuffix(name, ".exe")
	}
	return name
}
