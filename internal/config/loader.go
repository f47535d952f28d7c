package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".propagate"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for propagate settings.
const envPrefix = "PROPAGATE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	bindWellKnownEnv(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

// bindWellKnownEnv binds the conventional unprefixed variable names used
// across deployments (DATABASE_URL, AGENT_API_KEY, ...) alongside the
// PROPAGATE_-prefixed forms that AutomaticEnv already covers.
func bindWellKnownEnv(viperCfg *viper.Viper) {
	// BindEnv with explicit names never fails; errors only occur for empty key lists.
	_ = viperCfg.BindEnv("database_url", "PROPAGATE_DATABASE_URL", "DATABASE_URL")
	_ = viperCfg.BindEnv("agent.api_key", "PROPAGATE_AGENT_API_KEY", "AGENT_API_KEY")
	_ = viperCfg.BindEnv("agent.api_base", "PROPAGATE_AGENT_API_BASE", "AGENT_API_BASE")
	_ = viperCfg.BindEnv("github.token", "PROPAGATE_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = viperCfg.BindEnv("notify.webhook_url", "PROPAGATE_NOTIFY_WEBHOOK_URL", "NOTIFICATION_WEBHOOK_URL")
	_ = viperCfg.BindEnv("guardrails.max_parallel", "PROPAGATE_MAX_PARALLEL")
	_ = viperCfg.BindEnv("guardrails.auto_merge", "PROPAGATE_AUTO_MERGE")
	_ = viperCfg.BindEnv("guardrails.ci_required", "PROPAGATE_CI_REQUIRED")
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("database_url", DefaultDatabaseURL)

	viperCfg.SetDefault("contract.path", DefaultContractPath)
	viperCfg.SetDefault("contract.owner", DefaultContractOwner)
	viperCfg.SetDefault("service_map.path", DefaultServiceMapPath)

	viperCfg.SetDefault("agent.api_key", "")
	viperCfg.SetDefault("agent.api_base", DefaultAgentAPIBase)
	viperCfg.SetDefault("agent.app_base", DefaultAgentAppBase)

	viperCfg.SetDefault("github.token", "")
	viperCfg.SetDefault("github.api_base", DefaultGitHubAPIBase)

	viperCfg.SetDefault("notify.webhook_url", "")

	viperCfg.SetDefault("guardrails.max_parallel", DefaultMaxParallel)
	viperCfg.SetDefault("guardrails.protected_paths", DefaultProtectedPaths())
	viperCfg.SetDefault("guardrails.ci_required", DefaultCIRequired)
	viperCfg.SetDefault("guardrails.auto_merge", DefaultAutoMerge)

	viperCfg.SetDefault("wave.poll_interval", DefaultWavePollInterval)
	viperCfg.SetDefault("wave.max_polls", DefaultWaveMaxPolls)

	viperCfg.SetDefault("reconcile.ci_unknown_max", DefaultCIUnknownMax)

	viperCfg.SetDefault("daemon.addr", DefaultDaemonAddr)
	viperCfg.SetDefault("daemon.sync_interval", DefaultDaemonSyncInterval)
}
