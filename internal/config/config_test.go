package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesPlaceholderDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "placeholders")
	assert.Contains(t, string(raw), Placeholder+"_TO_A_SECURE_SECRET")

	assert.Equal(t, 8081, cfg.Webhook.Port)
	assert.Equal(t, []string{"ELITE", "MVP", "VIP"}, cfg.RankNames())
	assert.Equal(t, "&a[VIP]", cfg.Ranks["VIP"].Prefix)
	assert.Equal(t, 30*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 30*time.Second, cfg.Poller.Delay)

	err = cfg.Validate(RoleCoordinator)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.secret")
}

func TestLoadKeepsExistingFileAndAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ledger:
  type: sqlite
  dsn: /tmp/ledger.db
webhook:
  port: 9000
  secret: file-secret
ranks:
  GOLD:
    prefix: "&6[GOLD]"
    permissions: [gold.chat]
`), 0o600))

	t.Setenv("WEBHOOK_SECRET", "env-secret")
	t.Setenv("POLL_INTERVAL", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Webhook.Port)
	assert.Equal(t, "env-secret", cfg.Webhook.Secret)
	assert.Equal(t, 5*time.Second, cfg.Poller.Interval)
	assert.Equal(t, []string{"GOLD"}, cfg.RankNames())
	assert.Equal(t, "GOLD", cfg.Ranks["GOLD"].Name)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.NoError(t, cfg.Validate(RoleCoordinator))
}

func TestValidateBackend(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate(RoleBackend)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission.key")

	cfg.Permission.Type = "memory"
	assert.NoError(t, cfg.Validate(RoleBackend))

	cfg.Host.ServerName = ""
	assert.Error(t, cfg.Validate(RoleBackend))
}

func TestValidateSupabaseLedger(t *testing.T) {
	cfg := Defaults()
	cfg.Webhook.Secret = "s3cret"
	cfg.Ledger.Type = "supabase"
	assert.Error(t, cfg.Validate(RoleCoordinator))

	cfg.Ledger.URL = "https://abc.supabase.co"
	cfg.Ledger.Key = "service-role-key"
	assert.NoError(t, cfg.Validate(RoleCoordinator))
}

func TestValidateRealtimeSource(t *testing.T) {
	cfg := Defaults()
	cfg.Webhook.Secret = "s3cret"
	require.NoError(t, cfg.Validate(RoleCoordinator))

	cfg.Realtime.Source = "kafka"
	assert.Error(t, cfg.Validate(RoleCoordinator))

	cfg.Realtime.Source = "supabase"
	assert.Error(t, cfg.Validate(RoleCoordinator))

	cfg.Ledger.URL = "https://abc.supabase.co"
	cfg.Ledger.Key = "anon"
	assert.NoError(t, cfg.Validate(RoleCoordinator))
}

func TestWebhookTimeoutStaysBelowWriteTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Second, cfg.Server.WebhookTimeout)
	assert.Less(t, cfg.Server.WebhookTimeout, cfg.Server.WriteTimeout)
	require.NoError(t, cfg.Validate(RoleCoordinator))

	t.Setenv("SERVER_WRITE_TIMEOUT", "20s")
	cfg, err = Load(path)
	require.NoError(t, err)
	err = cfg.Validate(RoleCoordinator)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_TIMEOUT")

	t.Setenv("WEBHOOK_TIMEOUT", "15s")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate(RoleCoordinator))
}

func TestValidateStandalone(t *testing.T) {
	cfg := Defaults()
	cfg.Webhook.Secret = "s3cret"
	err := cfg.Validate(RoleStandalone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission.key")

	cfg.Permission.Type = "memory"
	require.NoError(t, cfg.Validate(RoleStandalone))

	cfg.Realtime.Source = "stream"
	err = cfg.Validate(RoleStandalone)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
	assert.NoError(t, cfg.Validate(RoleCoordinator))
}
