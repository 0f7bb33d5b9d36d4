package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
authority:
  base_url: https://authority.example.com
`

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/mesh-gateway.db", cfg.Database.Path)
	assert.Equal(t, "udp", cfg.Transport.Kind)
	assert.Equal(t, 2, cfg.Remote.Workers)
	assert.Equal(t, 256, cfg.Remote.QueueSize)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, time.Hour, cfg.Reconcile.SyncInterval)
	assert.Equal(t, time.Minute, cfg.Reconcile.DiscoveryInterval)
	assert.Equal(t, time.Hour, cfg.Reconcile.LivenessInterval)
	assert.False(t, cfg.Reconcile.PurgeUnassociated)
	assert.Equal(t, 5*time.Millisecond, cfg.Gateway.PollInterval)
	assert.Equal(t, time.Minute, cfg.Gateway.AssignHold)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.NeedsNATS())
}

func TestYAMLValues(t *testing.T) {
	cfg, err := Parse([]byte(`
log:
  level: debug
  format: json
database:
  driver: postgres
  dsn: postgres://u:p@localhost/mesh?sslmode=disable
transport:
  kind: nats
  gateway_id: gw7
authority:
  base_url: http://10.0.0.2:8000
  timeout: 3s
reconcile:
  sync_interval: 30m
  purge_unassociated: true
integrations:
  mqtt:
    enabled: true
    broker_url: tcp://localhost:1883
    qos: 1
`))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "nats", cfg.Transport.Kind)
	assert.Equal(t, "gw7", cfg.Transport.GatewayID)
	assert.Equal(t, 3*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.SyncInterval)
	assert.True(t, cfg.Reconcile.PurgeUnassociated)
	assert.Equal(t, byte(1), cfg.Integrations.MQTT.QoS)
	assert.True(t, cfg.NeedsNATS())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTHORITY_URL", "https://override.example.com")
	t.Setenv("AUTHORITY_API_KEY", "secret-key")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DATABASE_URL", "postgres://env/db")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.com", cfg.Authority.BaseURL)
	assert.Equal(t, "secret-key", cfg.Authority.APIKey)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "postgres://env/db", cfg.Database.DSN)
}

func TestValidate(t *testing.T) {
	_, err := Parse([]byte(`database: {driver: mysql}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "authority.base_url")

	_, err = Parse([]byte(minimal + "transport: {kind: serial}\n"))
	assert.ErrorContains(t, err, "transport.kind")

	_, err = Parse([]byte(minimal + "api: {enabled: true}\n"))
	assert.ErrorContains(t, err, "jwt.secret")

	_, err = Parse([]byte(minimal + "database: {driver: postgres}\n"))
	assert.ErrorContains(t, err, "database.dsn")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://authority.example.com", cfg.Authority.BaseURL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
