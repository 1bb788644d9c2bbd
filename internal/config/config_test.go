package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validConfig() *Config {
	return &Config{
		Google:  GoogleConfig{Project: "my-project"},
		Storage: StorageConfig{Bucket: "my-bucket"},
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", `
google:
  project: my-project
  regions: [europe-west4]
  preemptible:
    rules: [align, sort]
storage:
  bucket: my-bucket
  keep_source_cache: true
jobs:
  container: my/image:1.0
  poll_interval: 30s
  retry:
    attempts: 5
    initial: 1s
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "my-project", cfg.Google.Project)
	assert.Equal(t, []string{"europe-west4"}, cfg.Google.Regions)
	assert.Equal(t, []string{"align", "sort"}, cfg.Google.Preemptible.Rules)
	assert.True(t, cfg.Storage.KeepSourceCache)
	assert.Equal(t, "my/image:1.0", cfg.Jobs.Container)
	assert.Equal(t, 30*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, 5, cfg.Jobs.Retry.Attempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", "google: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, []string{"us-east1", "us-west1", "us-central1"}, cfg.Google.Regions)
	assert.Equal(t, ".", cfg.Storage.Workdir)
	assert.Equal(t, 10*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, 3, cfg.Jobs.Retry.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Jobs.Retry.Initial)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing project",
			mutate:  func(c *Config) { c.Google.Project = "" },
			wantErr: "google.project",
		},
		{
			name:    "missing bucket",
			mutate:  func(c *Config) { c.Storage.Bucket = "" },
			wantErr: "storage.bucket",
		},
		{
			name:    "empty region",
			mutate:  func(c *Config) { c.Google.Regions = []string{"us-east1", " "} },
			wantErr: "google.regions[1]",
		},
		{
			name:    "network without subnetwork",
			mutate:  func(c *Config) { c.Google.Network = "projects/p/global/networks/default" },
			wantErr: "must be set together",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestPreemptiblePolicy(t *testing.T) {
	t.Run("all", func(t *testing.T) {
		cfg := validConfig()
		cfg.Google.Preemptible.All = true
		policy := cfg.PreemptiblePolicy()
		require.NotNil(t, policy)
		assert.True(t, policy("anything"))
	})

	t.Run("listed rules only", func(t *testing.T) {
		cfg := validConfig()
		cfg.Google.Preemptible.Rules = []string{"align"}
		policy := cfg.PreemptiblePolicy()
		require.NotNil(t, policy)
		assert.True(t, policy("align"))
		assert.False(t, policy("sort"))
	})

	t.Run("unset", func(t *testing.T) {
		assert.Nil(t, validConfig().PreemptiblePolicy())
	})
}

func TestNewLogger(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "debug"
	assert.NotNil(t, cfg.NewLogger())
}

func TestRetryOptions(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	opts := cfg.RetryOptions()
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, 2*time.Second, opts.Initial)
	require.NotNil(t, opts.Retryable)
	assert.False(t, opts.Retryable(fmt.Errorf("invalid request")), "client errors must not be retried")
}
