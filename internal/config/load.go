package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions; silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
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

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. Deployments that configure
// everything through the environment never need to create a file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ResolveConfigPath returns the config file path after applying the
// CLI > env > default precedence. Exposed so serve can hand the same
// path to the file watcher that Resolve loaded from.
func ResolveConfigPath(env EnvOverrides, cli CLIOverrides) string {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	return cfgPath
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// The precedence order ensures CLI flags always win, matching user
// expectations for one-off overrides without editing the config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := ResolveConfigPath(env, cli)

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if err := ApplyEnvOverrides(cfg, env); err != nil {
		return nil, err
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.DatabasePath != nil {
		cfg.Core.DatabasePath = *cli.DatabasePath
	}

	if cli.Listen != nil {
		cfg.Server.Listen = *cli.Listen
	}

	if cli.LogLevel != nil {
		cfg.Core.LogLevel = *cli.LogLevel
	}

	if cli.LogFormat != nil {
		cfg.Core.LogFormat = *cli.LogFormat
	}

	// 5. Validate the final merged result
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ValidateServe checks the credentials the engine cannot run without. It is
// separate from Validate because read-only commands (status) work fine with
// no credentials at all, while serve must refuse to start rather than
// degrade silently.
func ValidateServe(cfg *Config) error {
	var errs []error

	if cfg.Linode.Token == "" {
		errs = append(errs, fmt.Errorf("linode.token: required (set %s)", EnvLinodeToken))
	}

	if cfg.PikPak.Username == "" {
		errs = append(errs, fmt.Errorf("pikpak.username: required (set %s)", EnvPikPakUsername))
	}

	if cfg.PikPak.Password == "" {
		errs = append(errs, fmt.Errorf("pikpak.password: required (set %s)", EnvPikPakPassword))
	}

	return errors.Join(errs...)
}
