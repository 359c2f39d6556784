package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// HTTPServerConfig holds the ingest sink's HTTP server settings.
type HTTPServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address" yaml:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// AccessToken is the bearer token agents must present. Empty disables
	// the check, which is only sensible on a loopback development setup.
	AccessToken string `mapstructure:"access_token" yaml:"access_token"`
}

// MongoDBConfig holds the sink's storage settings.
type MongoDBConfig struct {
	URI              string        `mapstructure:"uri" yaml:"uri"`
	Database         string        `mapstructure:"database" yaml:"database"`
	CollectionPrefix string        `mapstructure:"collection_prefix" yaml:"collection_prefix"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxPoolSize      int           `mapstructure:"max_pool_size" yaml:"max_pool_size"`
	TTLDays          int           `mapstructure:"ttl_days" yaml:"ttl_days"`
}

// ServerMTLSConfig holds optional mTLS settings for the sink.
type ServerMTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	CACert     string `mapstructure:"ca_cert" yaml:"ca_cert,omitempty"`
	ServerCert string `mapstructure:"server_cert" yaml:"server_cert,omitempty"`
	ServerKey  string `mapstructure:"server_key" yaml:"server_key,omitempty"`
}

// IngestConfig is the complete configuration of the development sink.
type IngestConfig struct {
	Server    HTTPServerConfig `mapstructure:"server" yaml:"server"`
	MongoDB   MongoDBConfig    `mapstructure:"mongodb" yaml:"mongodb"`
	MTLS      ServerMTLSConfig `mapstructure:"mtls" yaml:"mtls"`
	LogLevel  string           `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string           `mapstructure:"log_format" yaml:"log_format"`
}

// LoadIngestConfig loads the sink configuration from a file plus the
// environment (INGEST_ACCESS_TOKEN, MONGODB_URI).
func LoadIngestConfig(configPath string) (*IngestConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.BindEnv("server.access_token", "INGEST_ACCESS_TOKEN")
	v.BindEnv("mongodb.uri", "MONGODB_URI")

	v.SetDefault("server.listen_address", "127.0.0.1:4318")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("mongodb.database", "adotel")
	v.SetDefault("mongodb.collection_prefix", "logs_")
	v.SetDefault("mongodb.timeout", "10s")
	v.SetDefault("mongodb.max_pool_size", 100)
	v.SetDefault("mongodb.ttl_days", 30)
	v.SetDefault("mtls.enabled", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config IngestConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.MongoDB.URI == "" {
		return nil, fmt.Errorf("mongodb.uri is required (set MONGODB_URI)")
	}
	if config.MTLS.Enabled {
		if config.MTLS.CACert == "" || config.MTLS.ServerCert == "" || config.MTLS.ServerKey == "" {
			return nil, fmt.Errorf("mTLS certificates are required when mTLS is enabled")
		}
	}

	return &config, nil
}
