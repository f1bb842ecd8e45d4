package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)

	assert.Equal(t, "ws://localhost:26657/websocket", cfg.Node.Endpoint)
	assert.Equal(t, 10, cfg.Listener.UnsubscribeTimeout)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "proto", cfg.Codec.Decoder)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	testConfig := `node:
  endpoint: "ws://node-1:26657/websocket"
  ping_interval: 5
listener:
  events: ["NewBlock", "Tx"]
  tx_conditions: ["action=send", "sender=cosmos1abc"]
store:
  backend: "redis"
  redis_addr: "redis://cache:6379/2"
logging:
  level: "debug"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)

	assert.Equal(t, "ws://node-1:26657/websocket", cfg.Node.Endpoint)
	assert.Equal(t, 5, cfg.Node.PingInterval)
	assert.Equal(t, []string{"NewBlock", "Tx"}, cfg.Listener.Events)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.RedisAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Defaults fill unspecified fields
	assert.Equal(t, 10, cfg.Node.DialTimeout)
	assert.Equal(t, "chainwatch", cfg.Store.RedisPrefix)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromMissingFile(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromInvalidFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("node: [unclosed"), 0644))

	_, err := LoadConfigFromFile(configFile)
	assert.Error(t, err)
}

func TestLoadConfigPrecedence(t *testing.T) {
	testConfig := `node:
  endpoint: "ws://from-file:26657/websocket"
logging:
  level: "debug"
  format: "console"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	t.Setenv("CHAINWATCH_NODE_ENDPOINT", "ws://from-env:26657/websocket")
	t.Setenv("CHAINWATCH_LOG_FORMAT", "json")
	t.Setenv("CHAINWATCH_EVENTS", "NewBlockHeader, ValidatorSetUpdates")
	t.Setenv("CHAINWATCH_TELEMETRY_ENABLED", "true")

	cfg, err := LoadConfig(configFile, "ws://from-flag:26657/websocket", "warn")
	require.NoError(t, err)

	// Flags beat env vars and the file
	assert.Equal(t, "ws://from-flag:26657/websocket", cfg.Node.Endpoint)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Env vars beat the file
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, []string{"NewBlockHeader", "ValidatorSetUpdates"}, cfg.Listener.Events)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadConfigInvalidEnv(t *testing.T) {
	t.Setenv("CHAINWATCH_UNSUBSCRIBE_TIMEOUT", "soon")

	_, err := LoadConfig("", "", "")
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{
			name:   "empty endpoint",
			modify: func(c *Config) { c.Node.Endpoint = "" },
			want:   types.ErrConfiguration,
		},
		{
			name:   "unknown event",
			modify: func(c *Config) { c.Listener.Events = []string{"NewEvidence"} },
			want:   types.ErrUnknownEventType,
		},
		{
			name:   "no events",
			modify: func(c *Config) { c.Listener.Events = nil },
			want:   types.ErrConfiguration,
		},
		{
			name:   "malformed tx condition",
			modify: func(c *Config) { c.Listener.TxConditions = []string{"action"} },
			want:   types.ErrConfiguration,
		},
		{
			name:   "unknown backend",
			modify: func(c *Config) { c.Store.Backend = "etcd" },
			want:   types.ErrConfiguration,
		},
		{
			name:   "unknown decoder",
			modify: func(c *Config) { c.Codec.Decoder = "amino" },
			want:   types.ErrConfiguration,
		},
		{
			name:   "bad log level",
			modify: func(c *Config) { c.Logging.Level = "loud" },
			want:   types.ErrConfiguration,
		},
		{
			name:   "bad sampling ratio",
			modify: func(c *Config) { c.Telemetry.SamplingRatio = 2 },
			want:   types.ErrConfiguration,
		},
		{
			name:   "zero stream buffer",
			modify: func(c *Config) { c.Stream.BufferSize = 0 },
			want:   types.ErrConfiguration,
		},
		{
			name:   "zero stream buffer while disabled",
			modify: func(c *Config) { c.Stream.Enabled = false; c.Stream.BufferSize = 0 },
		},
		{
			name:   "reconnect min above max",
			modify: func(c *Config) { c.Listener.ReconnectMinMs = 5000; c.Listener.ReconnectMaxMs = 1000 },
			want:   types.ErrConfiguration,
		},
		{
			name:   "zero unsubscribe timeout",
			modify: func(c *Config) { c.Listener.UnsubscribeTimeout = 0 },
			want:   types.ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestEventTypesDeduplicates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listener.Events = []string{"Tx", "NewBlock", "Tx"}

	events, err := cfg.EventTypes()
	require.NoError(t, err)
	assert.Equal(t, []types.EventType{types.EventTx, types.EventNewBlock}, events)
}

func TestTxQuery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listener.TxConditions = []string{"action=send", " sender = cosmos1abc "}

	q, err := cfg.TxQuery()
	require.NoError(t, err)
	assert.Equal(t, "action='send' and sender='cosmos1abc'", q.Build())
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()

	wsCfg := cfg.ToWSClientConfig()
	assert.Equal(t, cfg.Node.Endpoint, wsCfg.Endpoint)
	assert.Equal(t, 20*time.Second, wsCfg.PingInterval)
	assert.Equal(t, int64(16<<20), wsCfg.ReadLimit)

	listenerCfg := cfg.ToListenerConfig()
	assert.Equal(t, 10*time.Second, listenerCfg.UnsubscribeTimeout)
	assert.Equal(t, wsCfg, listenerCfg.Node)

	storeCfg := cfg.ToStoreConfig()
	assert.Equal(t, cfg.Store.Backend, storeCfg.Backend)
	assert.Equal(t, 2*time.Second, storeCfg.OpTimeout)

	codecCfg := cfg.ToCodecConfig()
	assert.Equal(t, cfg.Codec.CacheSize, codecCfg.CacheSize)

	loggingCfg := cfg.ToLoggingConfig()
	assert.Equal(t, "info", string(loggingCfg.Level))
	assert.Equal(t, "json", string(loggingCfg.Format))

	telemetryCfg := cfg.ToTelemetryConfig()
	assert.Equal(t, cfg.Telemetry.ServiceName, telemetryCfg.ServiceName)
	assert.False(t, telemetryCfg.Enabled)
	assert.Equal(t, cfg.Node.Endpoint, telemetryCfg.Node)
	assert.Equal(t, cfg.Listener.Events, telemetryCfg.Events)

	apiCfg := cfg.ToAPIConfig()
	assert.Equal(t, ":9464", apiCfg.Addr)
	assert.Equal(t, "/metrics", apiCfg.MetricsPath)

	notifierCfg := cfg.ToNotifierConfig()
	assert.Equal(t, 200, notifierCfg.BroadcastBufferSize)
	assert.Equal(t, 50*time.Millisecond, notifierCfg.BroadcastFlushInterval)
	assert.Equal(t, time.Minute, notifierCfg.MaxIdleTime)
}
