// Package config loads and validates the YAML file describing a cluster's
// router address, backed-up hosts, and where config server dumps land.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HostConfig is one physical host's LVM/mount layout.
type HostConfig struct {
	LVol       string `yaml:"lvol"`
	MountPoint string `yaml:"mount_point"`
	ArchiveDir string `yaml:"archive_dir"`
}

// Config is the on-disk backup configuration.
type Config struct {
	Router        string                `yaml:"router"`
	Hosts         map[string]HostConfig `yaml:"hosts"`
	ConfigBaseDir string                `yaml:"config_base_dir"`
	MetricsAddr   string                `yaml:"metrics_addr"`
	LogLevel      string                `yaml:"log_level"`
	LogJSON       bool                  `yaml:"log_json"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the config is complete enough to start a backup run:
// a router address, at least one host, absolute mount/archive paths, and an
// absolute config_base_dir.
func (c *Config) Validate() error {
	if c.Router == "" {
		return fmt.Errorf("router address is required")
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}
	if c.ConfigBaseDir == "" {
		return fmt.Errorf("config_base_dir is required")
	}
	if !filepath.IsAbs(c.ConfigBaseDir) {
		return fmt.Errorf("config_base_dir must be an absolute path, got %q", c.ConfigBaseDir)
	}

	for name, h := range c.Hosts {
		if h.LVol == "" {
			return fmt.Errorf("host %q: lvol is required", name)
		}
		if h.MountPoint == "" {
			return fmt.Errorf("host %q: mount_point is required", name)
		}
		if !filepath.IsAbs(h.MountPoint) {
			return fmt.Errorf("host %q: mount_point must be an absolute path, got %q", name, h.MountPoint)
		}
		if h.ArchiveDir == "" {
			return fmt.Errorf("host %q: archive_dir is required", name)
		}
		if !filepath.IsAbs(h.ArchiveDir) {
			return fmt.Errorf("host %q: archive_dir must be an absolute path, got %q", name, h.ArchiveDir)
		}
	}
	return nil
}
