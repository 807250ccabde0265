package detect

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "semver", input: "Python 3.12.4", want: "3.12.4"},
		{name: "prefixed", input: "claude v1.3.0-beta.1", want: "1.3.0-beta.1"},
		{name: "fallback first line", input: "version unknown\nextra", want: "version unknown"},
		{name: "empty", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseVersion(tt.input)
			if got != tt.want {
				t.Fatalf("parseVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func mustWriteVersionScript(t *testing.T, path, name, version string) {
	t.Helper()
	script := "#!/bin/sh\necho \"" + name + " " + version + "\"\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func TestScanFindsToolsOnPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script-based detection test is unix-only")
	}

	tmp := t.TempDir()
	mustWriteVersionScript(t, filepath.Join(tmp, "claude"), "claude", "1.0.0")
	mustWriteVersionScript(t, filepath.Join(tmp, "gemini"), "gemini", "2.5.0")

	t.Setenv("PATH", tmp)
	t.Setenv("HOME", tmp)
	t.Setenv(EnvExtraBins, "")

	tools := Scan()
	byName := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	claude, ok := byName["claude"]
	if !ok {
		t.Fatalf("claude not detected in %v", tools)
	}
	if claude.Kind != KindAgent || claude.Version != "1.0.0" {
		t.Fatalf("unexpected claude tool: %+v", claude)
	}
	if g, ok := byName["gemini"]; !ok || g.Version != "2.5.0" {
		t.Fatalf("gemini not detected: %+v", tools)
	}
}

func TestScanExtraBins(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script-based detection test is unix-only")
	}

	tmp := t.TempDir()
	mustWriteVersionScript(t, filepath.Join(tmp, "vibe"), "vibe", "3.0.0")

	t.Setenv("PATH", tmp)
	t.Setenv("HOME", tmp)
	t.Setenv(EnvExtraBins, "vibe, Vibe,")

	tools := Scan()
	count := 0
	for _, tool := range tools {
		if tool.Name == "vibe" {
			count++
			if tool.Version != "3.0.0" {
				t.Fatalf("vibe version = %q", tool.Version)
			}
		}
	}
	if count != 1 {
		t.Fatalf("vibe detected %d times, want 1", count)
	}
}

func TestToolDirsFindsKnownInstallDirs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script-based detection test is unix-only")
	}

	home := t.TempDir()
	local := filepath.Join(home, ".local", "bin")
	if err := os.MkdirAll(local, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	mustWriteVersionScript(t, filepath.Join(local, "claude"), "claude", "1.0.0")

	t.Setenv("PATH", t.TempDir()) // nothing on PATH itself
	t.Setenv("HOME", home)
	t.Setenv(EnvExtraBins, "")

	want, err := filepath.EvalSymlinks(local)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}

	dirs := ToolDirs()
	for _, d := range dirs {
		if d == want {
			return
		}
	}
	t.Fatalf("ToolDirs() = %v, want to include %q", dirs, want)
}

func TestResolveWorkerOverride(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script-based detection test is unix-only")
	}

	tmp := t.TempDir()
	worker := filepath.Join(tmp, "my-worker")
	mustWriteVersionScript(t, worker, "worker", "0.1.0")

	got, err := ResolveWorker(worker)
	if err != nil {
		t.Fatalf("ResolveWorker: %v", err)
	}
	if filepath.Base(got) != "my-worker" {
		t.Fatalf("resolved %q", got)
	}

	if _, err := ResolveWorker(filepath.Join(tmp, "missing")); err == nil {
		t.Fatal("expected error for missing override")
	}
}
