// Package config loads the wirewarden configuration: compiled defaults,
// overlaid by an optional YAML file, overlaid by WIREWARDEN_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "wirewarden"

// Defaults. The poll interval matches the cadence a status display needs;
// the command timeout is a generous bound so a wedged wg-quick surfaces a
// timeout instead of blocking forever.
const (
	DefaultTunnelsDir     = "/etc/wireguard"
	DefaultListenAddr     = "127.0.0.1:7580"
	DefaultPollInterval   = 3 * time.Second
	DefaultCommandTimeout = 3 * time.Minute
	DefaultConfirmTimeout = 30 * time.Second
	DefaultRetentionDays  = 90
)

// Duration is a time.Duration that unmarshals from YAML strings ("3s") or
// plain integer seconds, and from environment variables via envconfig.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler for envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// HistoryConfig controls the encrypted transition history.
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled" envconfig:"HISTORY_ENABLED"`
	RetentionDays int  `yaml:"retention_days" envconfig:"HISTORY_RETENTION_DAYS"`
}

// Config is the full daemon/CLI configuration.
type Config struct {
	// TunnelsDir is the directory scanned for *.conf tunnel definitions.
	TunnelsDir string `yaml:"tunnels_dir" envconfig:"TUNNELS_DIR"`

	// ListenAddr is the localhost address the API binds to.
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`

	// DataDir holds the history database and its key. Empty selects a
	// per-mode default (see infra.DetectRunMode).
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`

	// LogPath is the daemon log file. Empty selects a per-mode default.
	LogPath string `yaml:"log_path" envconfig:"LOG_PATH"`

	PollInterval   Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	CommandTimeout Duration `yaml:"command_timeout" envconfig:"COMMAND_TIMEOUT"`
	ConfirmTimeout Duration `yaml:"confirm_timeout" envconfig:"CONFIRM_TIMEOUT"`

	// Tool overrides. Empty means PATH lookup.
	WgQuickPath string `yaml:"wg_quick_path" envconfig:"WG_QUICK_PATH"`
	WgPath      string `yaml:"wg_path" envconfig:"WG_PATH"`
	PkexecPath  string `yaml:"pkexec_path" envconfig:"PKEXEC_PATH"`

	History HistoryConfig `yaml:"history"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() *Config {
	return &Config{
		TunnelsDir:     DefaultTunnelsDir,
		ListenAddr:     DefaultListenAddr,
		PollInterval:   Duration(DefaultPollInterval),
		CommandTimeout: Duration(DefaultCommandTimeout),
		ConfirmTimeout: Duration(DefaultConfirmTimeout),
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: DefaultRetentionDays,
		},
	}
}

// Load reads the configuration file at path (if it exists), expands
// environment variables in it, overlays it on the defaults, then applies
// WIREWARDEN_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine; defaults + env apply.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.TunnelsDir == "" {
		return fmt.Errorf("tunnels_dir must not be empty")
	}
	if !filepath.IsAbs(c.TunnelsDir) {
		return fmt.Errorf("tunnels_dir must be absolute, got %q", c.TunnelsDir)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.PollInterval.Duration() <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval.Duration())
	}
	if c.CommandTimeout.Duration() <= 0 {
		return fmt.Errorf("command_timeout must be positive, got %s", c.CommandTimeout.Duration())
	}
	if c.ConfirmTimeout.Duration() <= 0 {
		return fmt.Errorf("confirm_timeout must be positive, got %s", c.ConfirmTimeout.Duration())
	}
	if c.History.Enabled && c.History.RetentionDays <= 0 {
		return fmt.Errorf("history.retention_days must be positive, got %d", c.History.RetentionDays)
	}
	return nil
}

// DefaultPath returns the conventional config file location for the current
// user: /etc/wirewarden/config.yaml for root, XDG config dir otherwise.
func DefaultPath() string {
	if os.Geteuid() == 0 {
		return "/etc/wirewarden/config.yaml"
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "wirewarden", "config.yaml")
}
