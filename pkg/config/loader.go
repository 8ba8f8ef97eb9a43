package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the file Initialize looks for under the config directory.
const ConfigFileName = "convogrid.yaml"

// Initialize loads, merges, and validates the configuration.
//
// Steps performed:
//  1. Read convogrid.yaml from configDir (absence falls back to defaults)
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge user values over the built-in defaults
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := DefaultConfig()

	user, err := loadFile(filepath.Join(configDir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	if user == nil {
		log.Info("No configuration file found, using defaults")
	} else if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"http_port", cfg.Listen.HTTP.Port,
		"llm_providers", len(cfg.Services.LLM.Providers),
		"redis", cfg.Redis.Addr != "",
		"postgres", cfg.Postgres.DSN != "")
	return cfg, nil
}

// loadFile reads and parses one config file. A missing file returns
// (nil, nil).
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewLoadError(filepath.Base(path), err)
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(filepath.Base(path), fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &cfg, nil
}
