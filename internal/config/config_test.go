package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("NEXUS_STORE_DRIVER", "memory")
	t.Setenv("NEXUS_MATCHER_MAX_RESULTS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Matcher.MaxResults)
	assert.Equal(t, 0.7, cfg.Matcher.SimilarityThreshold)
	assert.Equal(t, 5, cfg.Blast.DefaultMaxHops)
	assert.Equal(t, 30*time.Minute, cfg.Remediation.ApprovalTimeout)
	assert.Equal(t, time.Duration(0), cfg.Aggregator.RecurrenceWindow)
	assert.Equal(t, []string{"restart", "scale_down"}, cfg.Risk.PeakBlocked)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexus.yaml")
	body := []byte(`
store:
  driver: postgres
  database_url: postgres://nexus@localhost/nexus?sslmode=disable
aggregator:
  recurrence_window: 2h
blast:
  default_max_hops: 3
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Aggregator.RecurrenceWindow)
	assert.Equal(t, 3, cfg.Blast.DefaultMaxHops)
	assert.Equal(t, "postgres://nexus@localhost/nexus?sslmode=disable", cfg.Store.DatabaseURL)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("NEXUS_STORE_DRIVER", "postgres")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestLoadShippedConfig(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "nexus.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "@every 1m", cfg.Remediation.SweepSchedule)
	assert.Equal(t, "nexus.error-events", cfg.Kafka.EventsTopic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.True(t, cfg.Auth.AllowDevApprover)
}
