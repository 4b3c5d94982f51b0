// Package config loads engine settings: defaults, then a TOML file, then
// SHOWRUN_* environment variables (env wins). Secrets such as the proxy
// password come from the environment in deployments; the TOML path exists
// for local development.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Browser  BrowserConfig  `toml:"browser"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Versions VersionsConfig `toml:"versions"`
	Results  ResultsConfig  `toml:"results"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Observer ObserverConfig `toml:"observer"`
}

type EngineConfig struct {
	// CacheDir roots run directories and once-cache persistence.
	CacheDir string `toml:"cache_dir"`
	// RunConcurrency bounds parallel runs across packs.
	RunConcurrency int `toml:"run_concurrency"`
	// StepTimeoutMs is the default per-step deadline.
	StepTimeoutMs int `toml:"step_timeout_ms"`
	// ReplayTimeoutMs is the pure-HTTP replay deadline.
	ReplayTimeoutMs int `toml:"replay_timeout_ms"`
}

type BrowserConfig struct {
	Headless bool `toml:"headless"`
}

type SnapshotConfig struct {
	// MaxAgeDays ages snapshots out of HTTP-only eligibility. 0 disables.
	MaxAgeDays int `toml:"max_age_days"`
}

type VersionsConfig struct {
	MaxVersions int `toml:"max_versions"`
}

type ResultsConfig struct {
	// Provider selects the result store: memory | sqlite | postgres.
	Provider string `toml:"provider"`
	// Path is the sqlite file location; relative paths resolve against the
	// pack directory.
	Path string `toml:"path"`
	// PostgresURL is the pgx connection string for the postgres provider.
	PostgresURL string `toml:"postgres_url"`
}

type ProxyConfig struct {
	Provider string `toml:"provider"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Engine: EngineConfig{
			CacheDir:        filepath.Join(home, ".showrun"),
			RunConcurrency:  1,
			StepTimeoutMs:   30_000,
			ReplayTimeoutMs: 30_000,
		},
		Browser:  BrowserConfig{Headless: true},
		Snapshot: SnapshotConfig{MaxAgeDays: 7},
		Versions: VersionsConfig{MaxVersions: 50},
		Results:  ResultsConfig{Provider: "sqlite", Path: "results.db"},
		Proxy:    ProxyConfig{Provider: "oxylabs"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "showrun.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SHOWRUN_CACHE_DIR"); v != "" {
		cfg.Engine.CacheDir = v
	}
	if v := os.Getenv("SHOWRUN_RUN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.RunConcurrency = n
		}
	}
	if v := os.Getenv("SHOWRUN_HEADLESS"); v != "" {
		cfg.Browser.Headless = v == "true" || v == "1"
	}
	if v := os.Getenv("SHOWRUN_SNAPSHOT_MAX_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Snapshot.MaxAgeDays = n
		}
	}
	if v := os.Getenv("SHOWRUN_RESULTS_PROVIDER"); v != "" {
		cfg.Results.Provider = v
	}
	if v := os.Getenv("SHOWRUN_RESULTS_POSTGRES_URL"); v != "" {
		cfg.Results.PostgresURL = v
	}
	if v := os.Getenv("SHOWRUN_PROXY_PROVIDER"); v != "" {
		cfg.Proxy.Provider = v
	}
	if v := os.Getenv("SHOWRUN_PROXY_USERNAME"); v != "" {
		cfg.Proxy.Username = v
	}
	if v := os.Getenv("SHOWRUN_PROXY_PASSWORD"); v != "" {
		cfg.Proxy.Password = v
	}
	if os.Getenv("SHOWRUN_OBSERVER_ENABLED") == "true" || os.Getenv("SHOWRUN_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("SHOWRUN_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}

	return cfg
}
