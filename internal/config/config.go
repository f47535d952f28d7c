package config

import (
	"errors"
	"time"
)

// Config is the top-level configuration struct for propagate.
// Field tags use mapstructure for viper unmarshalling.
// The record is immutable after LoadConfig returns.
type Config struct {
	DatabaseURL string           `mapstructure:"database_url"`
	Contract    ContractConfig   `mapstructure:"contract"`
	ServiceMap  ServiceMapConfig `mapstructure:"service_map"`
	Agent       AgentConfig      `mapstructure:"agent"`
	GitHub      GitHubConfig     `mapstructure:"github"`
	Notify      NotifyConfig     `mapstructure:"notify"`
	Guardrails  GuardrailsConfig `mapstructure:"guardrails"`
	Wave        WaveConfig       `mapstructure:"wave"`
	Reconcile   ReconcileConfig  `mapstructure:"reconcile"`
	Daemon      DaemonConfig     `mapstructure:"daemon"`
}

// ContractConfig locates the OpenAPI contract under watch.
type ContractConfig struct {
	Path string `mapstructure:"path"`

	// Owner is the service that publishes the contract. It is the root
	// of every dependency wave.
	Owner string `mapstructure:"owner"`
}

// ServiceMapConfig locates the service dependency map.
type ServiceMapConfig struct {
	Path string `mapstructure:"path"`
}

// AgentConfig holds remediation agent API settings.
type AgentConfig struct {
	APIKey  string `mapstructure:"api_key"`
	APIBase string `mapstructure:"api_base"`
	AppBase string `mapstructure:"app_base"`
}

// GitHubConfig holds GitHub API settings.
type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	APIBase string `mapstructure:"api_base"`
}

// NotifyConfig holds the notification webhook sink settings.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// GuardrailsConfig holds the dispatch safety knobs.
type GuardrailsConfig struct {
	MaxParallel    int      `mapstructure:"max_parallel"`
	ProtectedPaths []string `mapstructure:"protected_paths"`
	CIRequired     bool     `mapstructure:"ci_required"`
	AutoMerge      bool     `mapstructure:"auto_merge"`
}

// WaveConfig holds wave wait loop settings.
type WaveConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls"`
}

// ReconcileConfig holds status reconciler settings.
type ReconcileConfig struct {
	CIUnknownMax int `mapstructure:"ci_unknown_max"`
}

// DaemonConfig holds daemon mode settings.
type DaemonConfig struct {
	Addr         string        `mapstructure:"addr"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// Sentinel errors for configuration validation.
var (
	// ErrMissingDatabaseURL indicates database_url is empty.
	ErrMissingDatabaseURL = errors.New("database_url must be set")
	// ErrMissingContractPath indicates contract.path is empty.
	ErrMissingContractPath = errors.New("contract.path must be set")
	// ErrMissingServiceMapPath indicates service_map.path is empty.
	ErrMissingServiceMapPath = errors.New("service_map.path must be set")
	// ErrMissingAgentAPIBase indicates agent.api_base is empty.
	ErrMissingAgentAPIBase = errors.New("agent.api_base must be set")
	// ErrInvalidMaxParallel indicates guardrails.max_parallel is not positive.
	ErrInvalidMaxParallel = errors.New("guardrails.max_parallel must be positive")
	// ErrInvalidPollInterval indicates wave.poll_interval is not positive.
	ErrInvalidPollInterval = errors.New("wave.poll_interval must be positive")
	// ErrInvalidMaxPolls indicates wave.max_polls is not positive.
	ErrInvalidMaxPolls = errors.New("wave.max_polls must be positive")
	// ErrInvalidCIUnknownMax indicates reconcile.ci_unknown_max is not positive.
	ErrInvalidCIUnknownMax = errors.New("reconcile.ci_unknown_max must be positive")
	// ErrInvalidSyncInterval indicates daemon.sync_interval is not positive.
	ErrInvalidSyncInterval = errors.New("daemon.sync_interval must be positive")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	coreErr := c.validateCore()
	if coreErr != nil {
		return coreErr
	}

	return c.validateLoops()
}

func (c *Config) validateCore() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}

	if c.Contract.Path == "" {
		return ErrMissingContractPath
	}

	if c.ServiceMap.Path == "" {
		return ErrMissingServiceMapPath
	}

	if c.Agent.APIBase == "" {
		return ErrMissingAgentAPIBase
	}

	if c.Guardrails.MaxParallel <= 0 {
		return ErrInvalidMaxParallel
	}

	return nil
}

func (c *Config) validateLoops() error {
	if c.Wave.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}

	if c.Wave.MaxPolls <= 0 {
		return ErrInvalidMaxPolls
	}

	if c.Reconcile.CIUnknownMax <= 0 {
		return ErrInvalidCIUnknownMax
	}

	if c.Daemon.SyncInterval <= 0 {
		return ErrInvalidSyncInterval
	}

	return nil
}
