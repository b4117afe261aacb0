package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".xmcp"
	ConfigFileName = "xmcp_config.json"

	envPrefix = "XMCP"
)

// Load loads configuration with precedence: flags > environment > config
// file > defaults. flags may be nil for non-CLI callers (tests).
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// CLI flags use dashed names; bind each to its config key so viper's
	// layering applies. A flag default only fills in when neither the
	// flag, the environment nor the config file set the key.
	if flags != nil {
		bindFlag(v, flags, "listen", "listen")
		bindFlag(v, flags, "data_dir", "data-dir")
		bindFlag(v, flags, "multi_tenant", "multi-tenant")
	}

	// Credentials are env-only on purpose: they never round-trip through
	// the config file on disk.
	bindEnvKeys(v,
		"base_url", "listen", "data_dir", "multi_tenant", "registry_path",
		"oauth.client_id", "oauth.client_secret", "oauth.callback_url",
		"remote_persist.api_base_url", "remote_persist.app_id", "remote_persist.api_token",
	)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Remote persist is only active when fully configured via env/flags.
	if cfg.RemotePersist != nil && cfg.RemotePersist.APIToken == "" {
		cfg.RemotePersist = nil
	}

	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, flagName string) {
	if f := flags.Lookup(flagName); f != nil {
		// BindPFlag only errors on a nil flag
		_ = v.BindPFlag(key, f)
	}
}

func bindEnvKeys(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		// BindEnv only errors on empty input
		_ = v.BindEnv(key)
	}
}
