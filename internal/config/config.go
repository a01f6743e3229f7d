package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete host configuration. All values have working
// defaults for the deployed cue-control host; a config file only needs to
// override what differs.
type Config struct {
	Device  DeviceConfig  `yaml:"device" mapstructure:"device"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
	App     AppConfig     `yaml:"app" mapstructure:"app"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// DeviceConfig identifies the removable medium and where to mount it
type DeviceConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MountPoint string `yaml:"mount_point" mapstructure:"mount_point"`
	UID        int    `yaml:"uid" mapstructure:"uid"`
	GID        int    `yaml:"gid" mapstructure:"gid"`
}

// RepoConfig names one checkout to update from the medium. The medium is
// expected to carry a matching directory under its root.
type RepoConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	Path string `yaml:"path" mapstructure:"path"`
}

// SyncConfig controls the sync pass
type SyncConfig struct {
	Repos []RepoConfig `yaml:"repos" mapstructure:"repos"`

	// PullTimeout bounds a single git pull, e.g. "30s". Empty or "0"
	// disables the bound.
	PullTimeout string `yaml:"pull_timeout" mapstructure:"pull_timeout"`
}

// AppConfig describes the main application process
type AppConfig struct {
	Dir      string   `yaml:"dir" mapstructure:"dir"`
	Command  []string `yaml:"command" mapstructure:"command"`
	Elevated bool     `yaml:"elevated" mapstructure:"elevated"`
}

// MetricsConfig controls the node_exporter textfile output. Empty path
// disables metrics entirely.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// Load reads configuration from a YAML file and fills defaults. An empty
// path returns the pure defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the deployed-host defaults
func (c *Config) ApplyDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/home/pi"
	}

	if c.Device.Path == "" {
		c.Device.Path = "/dev/sda1"
	}
	if c.Device.MountPoint == "" {
		c.Device.MountPoint = "/media/usb"
	}
	if c.Device.UID == 0 && c.Device.GID == 0 {
		c.Device.UID = os.Getuid()
		c.Device.GID = os.Getgid()
	}

	if len(c.Sync.Repos) == 0 {
		c.Sync.Repos = []RepoConfig{
			{Name: "Server", Path: filepath.Join(home, "Server")},
			{Name: "Node", Path: filepath.Join(home, "Node")},
		}
	}

	if c.App.Dir == "" {
		// The main application lives in the Server checkout
		c.App.Dir = c.Sync.Repos[0].Path
	}
	if len(c.App.Command) == 0 {
		c.App.Command = []string{"python3", "main.py"}
		c.App.Elevated = true
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks values that cannot be defaulted away
func (c *Config) Validate() error {
	if _, err := c.PullTimeout(); err != nil {
		return err
	}
	for _, r := range c.Sync.Repos {
		if r.Name == "" || r.Path == "" {
			return fmt.Errorf("repo entries need both name and path, got %q/%q", r.Name, r.Path)
		}
	}
	if len(c.App.Command) == 0 {
		return fmt.Errorf("app command must not be empty")
	}
	return nil
}

// PullTimeout returns the parsed per-pull bound, zero when disabled
func (c *Config) PullTimeout() (time.Duration, error) {
	if c.Sync.PullTimeout == "" || c.Sync.PullTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Sync.PullTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid pull_timeout: %w", err)
	}
	return d, nil
}
