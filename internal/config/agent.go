package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

// DevOpsConfig holds the CI-side connection settings. Credentials come from
// the environment (ADO_ACCESS_TOKEN, ADO_ORGANIZATION, ADO_URL) and may also
// be set in the config file.
type DevOpsConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Organization   string        `mapstructure:"organization" yaml:"organization"`
	AccessToken    string        `mapstructure:"access_token" yaml:"access_token"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CatalogRefresh time.Duration `mapstructure:"catalog_refresh" yaml:"catalog_refresh"`
}

// BackendConfig holds the observability backend connection settings
// (OTLP_ENDPOINT, OTLP_ACCESS_TOKEN in the environment).
type BackendConfig struct {
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessToken string        `mapstructure:"access_token" yaml:"access_token"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CACert      string        `mapstructure:"ca_cert" yaml:"ca_cert,omitempty"`
	ClientCert  string        `mapstructure:"client_cert" yaml:"client_cert,omitempty"`
	ClientKey   string        `mapstructure:"client_key" yaml:"client_key,omitempty"`
	ServerName  string        `mapstructure:"server_name" yaml:"server_name,omitempty"`
}

// PollConfig tunes the discovery loop.
type PollConfig struct {
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	SeenWindow time.Duration `mapstructure:"seen_window" yaml:"seen_window"`
}

// ExportConfig tunes batching and the retry policy.
type ExportConfig struct {
	MaxBatchSize    int           `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	MaxBatchWait    time.Duration `mapstructure:"max_batch_wait" yaml:"max_batch_wait"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `mapstructure:"retry_max_backoff" yaml:"retry_max_backoff"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// AgentConfig is the complete exporter agent configuration.
type AgentConfig struct {
	DevOps    DevOpsConfig  `mapstructure:"devops" yaml:"devops"`
	Backend   BackendConfig `mapstructure:"backend" yaml:"backend"`
	Poll      PollConfig    `mapstructure:"poll" yaml:"poll"`
	Export    ExportConfig  `mapstructure:"export" yaml:"export"`
	LogLevel  string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string        `mapstructure:"log_format" yaml:"log_format"`
}

// LoadAgentConfig builds the agent configuration from defaults, an optional
// YAML file, and the environment. Credentials are validated here so a
// misconfigured process exits before any network activity.
func LoadAgentConfig(configPath string) (*AgentConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	// Credential and endpoint environment variables.
	v.BindEnv("devops.access_token", "ADO_ACCESS_TOKEN")
	v.BindEnv("devops.organization", "ADO_ORGANIZATION")
	v.BindEnv("devops.url", "ADO_URL")
	v.BindEnv("backend.access_token", "OTLP_ACCESS_TOKEN")
	v.BindEnv("backend.endpoint", "OTLP_ENDPOINT")

	// Defaults
	v.SetDefault("devops.url", "https://dev.azure.com")
	v.SetDefault("devops.timeout", "30s")
	v.SetDefault("devops.catalog_refresh", "30m")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("poll.interval", "30s")
	v.SetDefault("poll.workers", 4)
	v.SetDefault("poll.seen_window", "24h")
	v.SetDefault("export.max_batch_size", 100)
	v.SetDefault("export.max_batch_wait", "5s")
	v.SetDefault("export.queue_size", 1000)
	v.SetDefault("export.max_retries", 5)
	v.SetDefault("export.retry_backoff", "1s")
	v.SetDefault("export.retry_max_backoff", "60s")
	v.SetDefault("export.shutdown_grace", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config AgentConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if config.DevOps.AccessToken == "" {
		return nil, fmt.Errorf("devops.access_token is required (set ADO_ACCESS_TOKEN)")
	}
	if config.DevOps.Organization == "" {
		return nil, fmt.Errorf("devops.organization is required (set ADO_ORGANIZATION)")
	}
	if config.Backend.AccessToken == "" {
		return nil, fmt.Errorf("backend.access_token is required (set OTLP_ACCESS_TOKEN)")
	}
	if config.Backend.Endpoint == "" {
		return nil, fmt.Errorf("backend.endpoint is required (set OTLP_ENDPOINT)")
	}

	return &config, nil
}

// Redacted returns a copy safe for printing: secrets are masked, everything
// else is preserved.
func (c AgentConfig) Redacted() AgentConfig {
	out := c
	if out.DevOps.AccessToken != "" {
		out.DevOps.AccessToken = redacted
	}
	if out.Backend.AccessToken != "" {
		out.Backend.AccessToken = redacted
	}
	return out
}

// YAML renders the redacted configuration, for the -print-config flag.
func (c AgentConfig) YAML() (string, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}
