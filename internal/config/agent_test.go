package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setAgentEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ADO_ACCESS_TOKEN", "pat-secret")
	t.Setenv("ADO_ORGANIZATION", "acme")
	t.Setenv("OTLP_ACCESS_TOKEN", "otlp-secret")
	t.Setenv("OTLP_ENDPOINT", "https://ingest.example.com/v1/logs")
}

func TestLoadAgentConfigFromEnv(t *testing.T) {
	setAgentEnv(t)

	cfg, err := LoadAgentConfig("")
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}

	if cfg.DevOps.AccessToken != "pat-secret" || cfg.DevOps.Organization != "acme" {
		t.Errorf("devops credentials not loaded from environment: %+v", cfg.DevOps)
	}
	if cfg.DevOps.URL != "https://dev.azure.com" {
		t.Errorf("devops.url default = %q", cfg.DevOps.URL)
	}
	if cfg.Backend.Endpoint != "https://ingest.example.com/v1/logs" {
		t.Errorf("backend.endpoint = %q", cfg.Backend.Endpoint)
	}
	if cfg.Poll.Interval != 30*time.Second || cfg.Poll.Workers != 4 {
		t.Errorf("poll defaults wrong: %+v", cfg.Poll)
	}
	if cfg.Export.MaxRetries != 5 || cfg.Export.RetryBackoff != time.Second {
		t.Errorf("export defaults wrong: %+v", cfg.Export)
	}
}

func TestLoadAgentConfigMissingCredentials(t *testing.T) {
	tests := []struct {
		name string
		omit string
	}{
		{"no CI token", "ADO_ACCESS_TOKEN"},
		{"no organization", "ADO_ORGANIZATION"},
		{"no backend token", "OTLP_ACCESS_TOKEN"},
		{"no backend endpoint", "OTLP_ENDPOINT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setAgentEnv(t)
			t.Setenv(tt.omit, "")

			if _, err := LoadAgentConfig(""); err == nil {
				t.Errorf("expected error with %s unset", tt.omit)
			}
		})
	}
}

func TestLoadAgentConfigFromFile(t *testing.T) {
	setAgentEnv(t)

	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := `
poll:
  interval: 10s
  workers: 8
export:
  max_batch_size: 50
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if cfg.Poll.Interval != 10*time.Second || cfg.Poll.Workers != 8 {
		t.Errorf("file values not applied: %+v", cfg.Poll)
	}
	if cfg.Export.MaxBatchSize != 50 {
		t.Errorf("export.max_batch_size = %d", cfg.Export.MaxBatchSize)
	}
	if cfg.Export.QueueSize != 1000 {
		t.Errorf("default should survive partial file: queue_size = %d", cfg.Export.QueueSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestYAMLRedactsSecrets(t *testing.T) {
	setAgentEnv(t)

	cfg, err := LoadAgentConfig("")
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}

	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	if strings.Contains(out, "pat-secret") || strings.Contains(out, "otlp-secret") {
		t.Errorf("secrets leaked into printed config:\n%s", out)
	}
	if !strings.Contains(out, redacted) {
		t.Error("expected redaction marker in printed config")
	}
	if !strings.Contains(out, "organization: acme") {
		t.Errorf("non-secret values should print:\n%s", out)
	}

	// The original config must be untouched.
	if cfg.DevOps.AccessToken != "pat-secret" {
		t.Error("Redacted must not mutate the source config")
	}
}

func TestLoadIngestConfig(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("INGEST_ACCESS_TOKEN", "sink-token")

	cfg, err := LoadIngestConfig("")
	if err != nil {
		t.Fatalf("LoadIngestConfig: %v", err)
	}
	if cfg.MongoDB.URI != "mongodb://localhost:27017" {
		t.Errorf("mongodb.uri = %q", cfg.MongoDB.URI)
	}
	if cfg.Server.AccessToken != "sink-token" {
		t.Errorf("server.access_token = %q", cfg.Server.AccessToken)
	}
	if cfg.MongoDB.TTLDays != 30 || cfg.MongoDB.CollectionPrefix != "logs_" {
		t.Errorf("mongodb defaults wrong: %+v", cfg.MongoDB)
	}
}

func TestLoadIngestConfigRequiresMongoURI(t *testing.T) {
	t.Setenv("MONGODB_URI", "")
	if _, err := LoadIngestConfig(""); err == nil {
		t.Error("expected error with MONGODB_URI unset")
	}
}
