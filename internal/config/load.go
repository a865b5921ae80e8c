package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and validates a TOML config file. Unknown keys are fatal,
// with "did you mean" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ConfigPath picks the config file: CLI flag, then environment, then the
// platform default.
func ConfigPath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}

// Resolve applies the full override chain and returns typed settings.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	path := ConfigPath(env, cli)

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	ApplyOverrides(cfg, env, cli)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolve(cfg, path)
}

// ApplyOverrides layers environment and CLI values onto cfg.
func ApplyOverrides(cfg *Config, env EnvOverrides, cli CLIOverrides) {
	if env.Server != "" {
		cfg.Server.BaseURL = env.Server
	}

	if env.RedisURL != "" {
		cfg.Session.RedisURL = env.RedisURL
	}

	if cli.Server != nil {
		cfg.Server.BaseURL = *cli.Server
	}

	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}
}
