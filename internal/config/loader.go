package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "LUNARROCKS"
	envConfigDefaultPath = "LUNARROCKS_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load builds configuration from defaults, an optional config file, and
// LUNARROCKS_* env vars, then validates the result. Precedence:
// defaults < config file < env vars < caller overrides.
//
// An explicit path must exist and parse, so a typoed --config flag
// fails loudly. Without one, the default path is used and seeded with
// the defaults on first run so deployments get a file they can edit.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	for key, val := range map[string]any{
		"addr":                cfg.Addr,
		"read_header_timeout": cfg.ReadHeaderTimeout,
		"shutdown_timeout":    cfg.ShutdownTimeout,
		"client_ttl":          cfg.ClientTTL,
		"log_level":           cfg.LogLevel,
	} {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := explicitPath
	if path == "" {
		path = defaultPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(path, cfg); writeErr != nil {
				logger.Warn().Err(writeErr).Str("path", path).Msg("failed to write default config")
			} else {
				logger.Info().Str("path", path).Msg("created default config")
			}
		}
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if explicitPath != "" || !errors.Is(err, os.ErrNotExist) {
			return cfg, path, fmt.Errorf("read config %s: %w", path, err)
		}
		logger.Warn().Err(err).Str("path", path).Msg("running on defaults, config file unreadable")
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, path, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

func defaultPath() string {
	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
