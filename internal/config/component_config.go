package config

import (
	"time"

	"github.com/nkkko/chainwatch/internal/api"
	"github.com/nkkko/chainwatch/internal/logging"
	"github.com/nkkko/chainwatch/internal/notifier"
	"github.com/nkkko/chainwatch/internal/telemetry"
	"github.com/nkkko/chainwatch/pkg/listener"
	"github.com/nkkko/chainwatch/pkg/store"
	"github.com/nkkko/chainwatch/pkg/txcodec"
	"github.com/nkkko/chainwatch/pkg/wsclient"
)

// ToWSClientConfig converts to the node connection config
func (c *Config) ToWSClientConfig() wsclient.Config {
	return wsclient.Config{
		Endpoint:     c.Node.Endpoint,
		DialTimeout:  time.Duration(c.Node.DialTimeout) * time.Second,
		WriteTimeout: time.Duration(c.Node.WriteTimeout) * time.Second,
		PingInterval: time.Duration(c.Node.PingInterval) * time.Second,
		PongTimeout:  time.Duration(c.Node.PongTimeout) * time.Second,
		ReadLimit:    int64(c.Node.ReadLimitMB) << 20,
	}
}

// ToListenerConfig converts to listener config
func (c *Config) ToListenerConfig() listener.Config {
	return listener.Config{
		Node:               c.ToWSClientConfig(),
		UnsubscribeTimeout: time.Duration(c.Listener.UnsubscribeTimeout) * time.Second,
	}
}

// ToStoreConfig converts to store config
func (c *Config) ToStoreConfig() store.Config {
	return store.Config{
		Backend:     c.Store.Backend,
		DataDir:     c.Store.DataDir,
		RedisAddr:   c.Store.RedisAddr,
		RedisPrefix: c.Store.RedisPrefix,
		OpTimeout:   time.Duration(c.Store.OpTimeoutMs) * time.Millisecond,
	}
}

// ToCodecConfig converts to transaction codec config
func (c *Config) ToCodecConfig() txcodec.Config {
	return txcodec.Config{
		Decoder:   c.Codec.Decoder,
		CacheSize: c.Codec.CacheSize,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	config := logging.DefaultConfig()
	config.Level = logging.LogLevel(c.Logging.Level)
	config.Format = logging.LogFormat(c.Logging.Format)
	config.IncludeCaller = c.Logging.IncludeCaller
	if c.Logging.GlobalFields != nil {
		config.GlobalFields = c.Logging.GlobalFields
	}
	return config
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Node:          c.Node.Endpoint,
		Events:        c.Listener.Events,
		Attributes:    c.Telemetry.Attributes,
	}
}

// ToAPIConfig converts to admin server config
func (c *Config) ToAPIConfig() api.Config {
	config := api.DefaultConfig()
	config.Addr = c.Metrics.Addr
	config.MetricsPath = c.Metrics.Path
	config.AllowedOrigins = c.Metrics.AllowedOrigins
	return config
}

// ToNotifierConfig converts to event stream config
func (c *Config) ToNotifierConfig() notifier.Config {
	config := notifier.DefaultConfig()
	config.BroadcastBufferSize = c.Stream.BufferSize
	config.BroadcastFlushInterval = time.Duration(c.Stream.FlushIntervalMs) * time.Millisecond
	config.ClientBufferSize = c.Stream.ClientBufferSize
	config.MaxIdleTime = time.Duration(c.Stream.MaxIdleSeconds) * time.Second
	return config
}
