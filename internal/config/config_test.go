package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.json", nil)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.HighPriorityCount)
	require.Equal(t, "127.0.0.1", cfg.RedisHost)
	require.Equal(t, "application/json", cfg.ContentType)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache_db_service_cfg.json")
	err := os.WriteFile(path, []byte(`{
		"service_title": "cacheingest",
		"redis_host": "10.0.0.5",
		"rabbit_port": 5673,
		"allowed_ops": ["insert", "update"],
		"allowed_tables": ["players"]
	}`), 0o600)
	require.NoError(t, err)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "cacheingest", cfg.ServiceTitle)
	require.Equal(t, "10.0.0.5", cfg.RedisHost)
	require.Equal(t, 5673, cfg.RabbitMQPort, "rabbit_port alias must resolve to rabbit_mq_port")
	require.Equal(t, []string{"insert", "update"}, cfg.AllowedOps)
	require.Equal(t, []string{"players"}, cfg.AllowedTables)
}

func TestLoadAppliesFlagOverrides(t *testing.T) {
	cfg, err := Load("nonexistent.json", []string{"--redis_host=cache.internal", "--high_priority_count=4"})
	require.NoError(t, err)
	require.Equal(t, "cache.internal", cfg.RedisHost)
	require.Equal(t, 4, cfg.HighPriorityCount)
}

func TestLoadAppliesAllowedOpsAndTablesFlagOverrides(t *testing.T) {
	cfg, err := Load("nonexistent.json", []string{"--allowed_ops=insert,update", "--allowed_tables=players, matches"})
	require.NoError(t, err)
	require.Equal(t, []string{"insert", "update"}, cfg.AllowedOps)
	require.Equal(t, []string{"players", "matches"}, cfg.AllowedTables)
}

func TestFlagAliasOnlyAppliesWhenCanonicalUnset(t *testing.T) {
	cfg, err := Load("nonexistent.json", []string{"--rabbit_host=legacy.internal", "--rabbit_mq_host=canonical.internal"})
	require.NoError(t, err)
	require.Equal(t, "canonical.internal", cfg.RabbitMQHost)
}

func TestValidateRejectsImpossibleConfig(t *testing.T) {
	cfg := Default()
	cfg.HighPriorityCount = -1
	require.Error(t, Validate(cfg))

	cfg = Default()
	cfg.PublishIntervalMs = 0
	require.Error(t, Validate(cfg))

	cfg = Default()
	cfg.ContentType = ""
	require.Error(t, Validate(cfg))
}
