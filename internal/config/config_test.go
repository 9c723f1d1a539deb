package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Retention.RoomTTL)
	assert.Equal(t, 72*time.Hour, cfg.Retention.PairTTL)
	assert.Equal(t, 30*time.Second, cfg.Retention.BurnFuse)
	assert.False(t, cfg.Retention.BurnLastLook)
	assert.Equal(t, 50, cfg.Retention.MaxEnvelopes)
	assert.EqualValues(t, 5<<20, cfg.Server.MaxMessageBytes)
	assert.Equal(t, "*", cfg.Server.CORSOrigin)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "9000")
	t.Setenv("ROOM_TTL", "90m")
	t.Setenv("BURN_LAST_LOOK", "true")
	t.Setenv("MAX_ENVELOPES", "20")
	t.Setenv("RATE_LIMIT_RPS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 90*time.Minute, cfg.Retention.RoomTTL)
	assert.True(t, cfg.Retention.BurnLastLook)
	assert.Zero(t, cfg.Server.RateLimitRPS)

	opts := cfg.RepositoryOptions()
	assert.Equal(t, 20, opts.MaxEnvelopes)
	assert.True(t, opts.BurnLastLook)
	assert.Equal(t, 5, opts.CodeAttempts)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anon-chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("PAIR_TTL: 1h\nLOG_FORMAT: text\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Retention.PairTTL)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateBackend(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "redis")
	_, err := Load()
	assert.ErrorContains(t, err, "STORE_BACKEND")

	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DB_DSN", "")
	_, err = Load()
	assert.ErrorContains(t, err, "DB_DSN")
}
