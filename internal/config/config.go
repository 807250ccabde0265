// Package config stores user-level engine settings: credential profiles,
// failover behavior, and worker runtime paths. Stored as JSON under
// ~/.warden/config.json, with optional per-project overrides in
// <project>/.warden/project.json.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvHome overrides the warden home directory (used by tests and by the
// desktop shell when sandboxed).
const EnvHome = "WARDEN_HOME"

// Profile is a named credential profile. Exactly one credential mode is
// used per spawn: Token takes precedence over ConfigDir when both are set.
type Profile struct {
	Name        string `json:"name"`
	Token       string `json:"token,omitempty"`      // API token credential
	ConfigDir   string `json:"config_dir,omitempty"` // config-directory credential
	Description string `json:"description,omitempty"`
}

// Failover controls the rate-limit recovery behavior.
type Failover struct {
	// Auto enables automatic profile swap-and-restart on rate limit.
	// When false every rate limit surfaces as a manual prompt.
	Auto bool `json:"auto"`
	// MaxSwaps caps auto-swaps per task context. 0 means the default (2).
	MaxSwaps int `json:"max_swaps,omitempty"`
	// RestartDelay is the pause before a swap-triggered relaunch.
	// 0 means the default (500ms).
	RestartDelay time.Duration `json:"restart_delay,omitempty"`
	// KillTimeout bounds how long killAll waits per process.
	// 0 means the default (10s).
	KillTimeout time.Duration `json:"kill_timeout,omitempty"`
}

// Config is the user-level configuration.
type Config struct {
	ActiveProfile string    `json:"active_profile,omitempty"`
	Profiles      []Profile `json:"profiles,omitempty"`
	Failover      Failover  `json:"failover"`
	// RuntimePath is the bundled worker runtime directory, prepended to
	// the worker's library search path.
	RuntimePath string `json:"runtime_path,omitempty"`
	// WorkerCommand overrides the worker executable path.
	WorkerCommand string `json:"worker_command,omitempty"`
	// Pushover holds optional push-notification credentials.
	Pushover Pushover `json:"pushover,omitzero"`
}

// Pushover holds Pushover API credentials for failure notifications.
type Pushover struct {
	UserKey  string `json:"user_key,omitempty"`
	AppToken string `json:"app_token,omitempty"`
}

// Configured reports whether both Pushover credentials are set.
func (p Pushover) Configured() bool {
	return p.UserKey != "" && p.AppToken != ""
}

// Project is the optional per-project override file.
type Project struct {
	ProjectID string `json:"project_id,omitempty"`
	// ImportPath is a project-local directory appended to the worker's
	// library search path.
	ImportPath string `json:"import_path,omitempty"`
	// Env holds project-scoped environment overrides.
	Env map[string]string `json:"env,omitempty"`
}

// Defaults applied when fields are zero.
const (
	DefaultMaxSwaps     = 2
	DefaultRestartDelay = 500 * time.Millisecond
	DefaultKillTimeout  = 10 * time.Second
)

// MaxSwapsOrDefault returns the effective swap cap.
func (f Failover) MaxSwapsOrDefault() int {
	if f.MaxSwaps <= 0 {
		return DefaultMaxSwaps
	}
	return f.MaxSwaps
}

// RestartDelayOrDefault returns the effective restart delay.
func (f Failover) RestartDelayOrDefault() time.Duration {
	if f.RestartDelay <= 0 {
		return DefaultRestartDelay
	}
	return f.RestartDelay
}

// KillTimeoutOrDefault returns the effective killAll per-process timeout.
func (f Failover) KillTimeoutOrDefault() time.Duration {
	if f.KillTimeout <= 0 {
		return DefaultKillTimeout
	}
	return f.KillTimeout
}

// Dir returns the warden home directory (~/.warden), creating it if needed.
func Dir() string {
	if custom := strings.TrimSpace(os.Getenv(EnvHome)); custom != "" {
		os.MkdirAll(custom, 0755)
		return custom
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".warden")
	os.MkdirAll(dir, 0755)
	return dir
}

func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads ~/.warden/config.json, returning an empty config if absent.
func Load() (*Config, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath(), err)
	}
	return &cfg, nil
}

// Save writes the config atomically (temp file, then rename).
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	path := configPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// FindProfile returns the profile with the given name.
func (c *Config) FindProfile(name string) (*Profile, bool) {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i], true
		}
	}
	return nil, false
}

// Active returns the active profile, falling back to the first configured
// one when none is selected.
func (c *Config) Active() (*Profile, bool) {
	if c.ActiveProfile != "" {
		if p, ok := c.FindProfile(c.ActiveProfile); ok {
			return p, true
		}
	}
	if len(c.Profiles) > 0 {
		return &c.Profiles[0], true
	}
	return nil, false
}

// SetActive selects a profile by name.
func (c *Config) SetActive(name string) error {
	if _, ok := c.FindProfile(name); !ok {
		return fmt.Errorf("profile %q not found", name)
	}
	c.ActiveProfile = name
	return nil
}

// ProfileNames returns all profile names in configuration order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		names = append(names, p.Name)
	}
	return names
}

// LoadProject reads <projectDir>/.warden/project.json, returning an empty
// Project if absent.
func LoadProject(projectDir string) (*Project, error) {
	path := filepath.Join(projectDir, ".warden", "project.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Project{}, nil
		}
		return nil, err
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &p, nil
}
