package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingReturnsEmpty(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Profiles) != 0 || cfg.ActiveProfile != "" {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	cfg := &Config{
		ActiveProfile: "work",
		Profiles: []Profile{
			{Name: "work", Token: "tok-1"},
			{Name: "personal", ConfigDir: "/home/u/.agent-personal"},
		},
		Failover: Failover{Auto: true, MaxSwaps: 3},
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ActiveProfile != "work" || len(got.Profiles) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Profiles[1].ConfigDir != "/home/u/.agent-personal" {
		t.Fatalf("profile field lost: %+v", got.Profiles[1])
	}
	if !got.Failover.Auto || got.Failover.MaxSwaps != 3 {
		t.Fatalf("failover fields lost: %+v", got.Failover)
	}
}

func TestActiveFallsBackToFirst(t *testing.T) {
	cfg := &Config{Profiles: []Profile{{Name: "a"}, {Name: "b"}}}
	p, ok := cfg.Active()
	if !ok || p.Name != "a" {
		t.Fatalf("expected first profile, got %v %v", p, ok)
	}

	cfg.ActiveProfile = "b"
	p, _ = cfg.Active()
	if p.Name != "b" {
		t.Fatalf("expected selected profile, got %v", p)
	}
}

func TestSetActiveUnknown(t *testing.T) {
	cfg := &Config{Profiles: []Profile{{Name: "a"}}}
	if err := cfg.SetActive("nope"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestFailoverDefaults(t *testing.T) {
	var f Failover
	if f.MaxSwapsOrDefault() != 2 {
		t.Fatalf("MaxSwapsOrDefault = %d", f.MaxSwapsOrDefault())
	}
	if f.RestartDelayOrDefault() != 500*time.Millisecond {
		t.Fatalf("RestartDelayOrDefault = %v", f.RestartDelayOrDefault())
	}
	if f.KillTimeoutOrDefault() != 10*time.Second {
		t.Fatalf("KillTimeoutOrDefault = %v", f.KillTimeoutOrDefault())
	}
	f = Failover{MaxSwaps: 5, RestartDelay: time.Second, KillTimeout: time.Minute}
	if f.MaxSwapsOrDefault() != 5 || f.RestartDelayOrDefault() != time.Second || f.KillTimeoutOrDefault() != time.Minute {
		t.Fatalf("explicit values ignored: %+v", f)
	}
}

func TestLoadProject(t *testing.T) {
	dir := t.TempDir()
	p, err := LoadProject(dir)
	if err != nil {
		t.Fatalf("LoadProject missing: %v", err)
	}
	if p.ProjectID != "" {
		t.Fatalf("expected empty project, got %+v", p)
	}

	sub := filepath.Join(dir, ".warden")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	body := `{"project_id":"proj-1","import_path":"lib","env":{"FOO":"bar"}}`
	if err := os.WriteFile(filepath.Join(sub, "project.json"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	p, err = LoadProject(dir)
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	if p.ProjectID != "proj-1" || p.ImportPath != "lib" || p.Env["FOO"] != "bar" {
		t.Fatalf("project fields lost: %+v", p)
	}
}
