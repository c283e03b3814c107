package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a bot configuration from the given YAML file
// path, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config
// found. Search order: ./buildbot.yaml, ~/.buildbot/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"buildbot.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".buildbot", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no bot config found (searched: %v)", candidates)
}

// applyDefaults fills stage-level gaps from bot-level defaults.
func applyDefaults(cfg *Config) {
	b := &cfg.Bot

	if b.Defaults.Timeout == "" {
		b.Defaults.Timeout = "30m"
	}
	for i := range b.Stages {
		s := &b.Stages[i]
		if s.Timeout == "" {
			s.Timeout = b.Defaults.Timeout
		}
		if s.Type == "" {
			s.Type = "command"
		}
	}
}
