// Package config loads bvc's configuration through a layered precedence
// chain: built-in defaults, then the user's global config file, then the
// project's .bvc.json, then environment variable overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"

	"github.com/bvc-project/bvc/internal/errs"
)

// ConfigFileName is the project-level config file, committed alongside the
// bundle (or its containing directory) so settings travel with the repo.
const ConfigFileName = ".bvc.json"

// schemaVersion is bumped when a backward-incompatible config shape ships.
const schemaVersion = 1

// Lock holds the distributed lock service's tunables.
type Lock struct {
	VerificationWindow       durationMS `json:"verification_window_ms"`
	StaleThreshold           durationMS `json:"stale_threshold_ms"`
	DefaultTimeoutHours      float64    `json:"default_timeout_hours"`
	FastForwardOnlyMilestones bool      `json:"fast_forward_only_milestones"`
}

// Debounce holds C7's coalescing window.
type Debounce struct {
	Default durationMS `json:"default_ms"`
}

// durationMS serializes a time.Duration as whole milliseconds in JSON/JSONC,
// which is far more legible in a hand-edited config file than raw
// nanoseconds.
type durationMS time.Duration

func (d durationMS) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

func (d *durationMS) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}

	*d = durationMS(time.Duration(ms) * time.Millisecond)

	return nil
}

func (d durationMS) Duration() time.Duration { return time.Duration(d) }

// Queue holds C5's on-disk location.
type Queue struct {
	Dir string `json:"dir"`
}

// Log holds A1/A6 logging settings.
type Log struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// Metrics holds A4's optional scrape listener.
type Metrics struct {
	Addr string `json:"addr"`
}

// Config is the fully resolved, read-only-after-startup configuration
// handed to every component's constructor (spec.md §9's "no module-level
// singletons" discipline).
type Config struct {
	ConfigVersion int `json:"config_version"`

	RepoRoot    string `json:"-"` // resolved at load time, never persisted
	BackendPath string `json:"backend_path"`
	Remote      string `json:"remote"`

	Lock     Lock     `json:"lock"`
	Debounce Debounce `json:"debounce"`
	Queue    Queue    `json:"queue"`
	Log      Log      `json:"log"`
	Metrics  Metrics  `json:"metrics"`
}

func defaults() Config {
	return Config{
		ConfigVersion: schemaVersion,
		BackendPath:   "backend",
		Remote:        "origin",
		Lock: Lock{
			VerificationWindow:  durationMS(2 * time.Second),
			StaleThreshold:      durationMS(time.Hour),
			DefaultTimeoutHours: 4,
		},
		Debounce: Debounce{Default: durationMS(30 * time.Second)},
		Queue:    Queue{Dir: ""}, // resolved relative to the global config dir if empty
		Log:      Log{Level: "info"},
	}
}

// LoadInput carries every override source, mirroring the precedence chain
// documented on Load.
type LoadInput struct {
	// WorkDirOverride replaces the process cwd when resolving the project
	// config file and relative paths.
	WorkDirOverride string

	// ConfigPath, if set, is used verbatim instead of searching for
	// ConfigFileName in WorkDirOverride/cwd and its ancestors.
	ConfigPath string

	// Env is the process environment, passed explicitly so tests can
	// construct an isolated one instead of mutating the real environment.
	Env map[string]string
}

// Load resolves the effective configuration in ascending precedence:
//
//  1. built-in defaults
//  2. the global config file ($XDG_CONFIG_HOME/bvc/config.json, falling back
//     to $HOME/.config/bvc/config.json)
//  3. the project config file (.bvc.json in WorkDirOverride or an ancestor,
//     unless ConfigPath overrides the search)
//  4. environment variable overrides (BVC_LOG_LEVEL, BVC_LOG_FILE,
//     BVC_METRICS_ADDR, BVC_REMOTE, BVC_BACKEND_PATH)
//
// Each layer is JSONC (tailscale/hujson), so comments and trailing commas
// are tolerated.
func Load(in LoadInput) (Config, error) {
	cfg := defaults()

	cwd := in.WorkDirOverride
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, errs.Wrap(err, "config: resolve working directory")
		}

		cwd = wd
	}

	cfg.RepoRoot = cwd

	if globalPath, ok := globalConfigPath(in.Env); ok {
		if err := mergeFile(&cfg, globalPath, false); err != nil {
			return Config{}, err
		}
	}

	projectPath := in.ConfigPath
	if projectPath == "" {
		found, ok := findProjectConfig(cwd)
		if ok {
			projectPath = found
		}
	}

	if projectPath != "" {
		required := in.ConfigPath != ""
		if err := mergeFile(&cfg, projectPath, required); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg, in.Env)

	return cfg, nil
}

func globalConfigPath(env map[string]string) (string, bool) {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "bvc", "config.json"), true
	}

	home := env["HOME"]
	if home == "" {
		return "", false
	}

	return filepath.Join(home, ".config", "bvc", "config.json"), true
}

// findProjectConfig walks upward from dir looking for ConfigFileName,
// stopping at the filesystem root. This lets bvc commands run from any
// subdirectory of a bundle.
func findProjectConfig(dir string) (string, bool) {
	current := dir

	for {
		candidate := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}

		current = parent
	}
}

func mergeFile(cfg *Config, path string, required bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}

		return errs.Wrapf(err, "config: reading %s", path)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return errs.Wrapf(err, "config: parsing JSONC in %s", path)
	}

	if err := json.Unmarshal(standardized, cfg); err != nil {
		return errs.Wrapf(err, "config: decoding %s", path)
	}

	return nil
}

func applyEnvOverrides(cfg *Config, env map[string]string) {
	if v, ok := env["BVC_LOG_LEVEL"]; ok && v != "" {
		cfg.Log.Level = v
	}

	if v, ok := env["BVC_LOG_FILE"]; ok && v != "" {
		cfg.Log.File = v
	}

	if v, ok := env["BVC_METRICS_ADDR"]; ok {
		cfg.Metrics.Addr = v
	}

	if v, ok := env["BVC_REMOTE"]; ok && v != "" {
		cfg.Remote = v
	}

	if v, ok := env["BVC_BACKEND_PATH"]; ok && v != "" {
		cfg.BackendPath = v
	}
}

// QueueDir resolves the queue directory, defaulting to a per-user location
// under the global config directory when Queue.Dir was left empty.
func (c Config) QueueDir(env map[string]string) string {
	if c.Queue.Dir != "" {
		return c.Queue.Dir
	}

	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "bvc", "queue")
	}

	return filepath.Join(env["HOME"], ".config", "bvc", "queue")
}
