package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("first-run config mismatch (-want +got):\n%s", diff)
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, again); diff != "" {
		t.Fatalf("reloaded config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPartialFileIsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: Europe/Berlin
log_level: DEBUG
store:
  driver: postgres
  dsn: postgres://capsched@localhost/capsched?sslmode=disable
cache:
  backend: redis
  events_ttl: 5s
recurrence:
  match_tolerance: 2m
prewarm:
  agents: [room1, room2]
notify:
  mqtt:
    broker: tcp://broker:1883
    qos: 1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Cache.EventsTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.CalendarTTL)
	assert.Equal(t, 2*time.Minute, cfg.Recurrence.MatchTolerance)
	assert.Equal(t, 5000, cfg.Recurrence.MaxOccurrences)
	assert.Equal(t, 16, cfg.IDs.MaxRetries)
	assert.Equal(t, []string{"room1", "room2"}, cfg.Prewarm.Agents)
	require.NotNil(t, cfg.Notify.MQTT)
	assert.Equal(t, "capsched", cfg.Notify.MQTT.TopicPrefix)
	assert.Equal(t, 1, cfg.Notify.MQTT.QoS)
	assert.Equal(t, "/var/lib/capsched/feeds", cfg.Feeds.CacheDir)
	assert.Equal(t, 15*time.Second, cfg.Feeds.Timeout)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [oops"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Store.Driver = "oracle"
	cfg.Cache.Backend = "memcached"
	cfg.Timezone = "Mars/Olympus"
	cfg.Notify.MQTT = &MQTTConfig{Broker: "tcp://x:1883", QoS: 3}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.driver", "cache.backend", "Mars/Olympus", "qos"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = DefaultConfig()
	cfg.Store.Driver = DriverPostgres
	cfg.Store.DSN = ""
	assert.Error(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CAPSCHED_STORE_DRIVER":        "memory",
		"CAPSCHED_REDIS_DB":            "3",
		"CAPSCHED_PREWARM_AGENTS":      " room1, ,room2 ",
		"CAPSCHED_MQTT_BROKER":         "tcp://broker:1883",
		"CAPSCHED_BASIC_AUTH_USERNAME": "ops",
		"CAPSCHED_BASIC_AUTH_PASSWORD": "secret",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Cache.Redis.DB)
	assert.Equal(t, []string{"room1", "room2"}, cfg.Prewarm.Agents)
	require.NotNil(t, cfg.Notify.MQTT)
	assert.Equal(t, "tcp://broker:1883", cfg.Notify.MQTT.Broker)
	assert.Equal(t, "capsched", cfg.Notify.MQTT.ClientID)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "ops", cfg.BasicAuth.Username)

	env["CAPSCHED_REDIS_DB"] = "three"
	assert.Error(t, DefaultConfig().ApplyEnv(lookup))
}
