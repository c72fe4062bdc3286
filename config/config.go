// Package config loads bridge-side configuration. The editor owns its own
// settings; this file only covers what the stdio bridge needs before it can
// reach the editor at all.
package config

import (
	"os"
	"path/filepath"

	"github.com/polyblank66/Yamu/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Port of the editor-embedded HTTP server on the loopback interface.
	Port int `yaml:"port"`
	// Default tool timeouts in seconds; per-call arguments override them.
	CompileTimeout int `yaml:"compile_timeout"`
	TestTimeout    int `yaml:"test_timeout"`
	// DebugLogs enables debug-level logging on stderr.
	DebugLogs bool `yaml:"debug_logs"`
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:           17932,
		CompileTimeout: 30,
		TestTimeout:    60,
	}

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".yamu", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".yamu", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives a simple
	// merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}
