package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nkkko/chainwatch/internal/logging"
	"github.com/nkkko/chainwatch/pkg/query"
	"github.com/nkkko/chainwatch/pkg/store"
	"github.com/nkkko/chainwatch/pkg/txcodec"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/nkkko/chainwatch/pkg/wsclient"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Listener  ListenerConfig  `yaml:"listener"`
	Store     StoreConfig     `yaml:"store"`
	Codec     CodecConfig     `yaml:"codec"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Stream    StreamConfig    `yaml:"stream"`
}

// NodeConfig contains the node connection settings. Durations are in
// seconds.
type NodeConfig struct {
	Endpoint     string `yaml:"endpoint"`
	DialTimeout  int    `yaml:"dial_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	PingInterval int    `yaml:"ping_interval"`
	PongTimeout  int    `yaml:"pong_timeout"`
	ReadLimitMB  int    `yaml:"read_limit_mb"`
}

// ListenerConfig contains subscription settings
type ListenerConfig struct {
	// Seconds to wait for an unsubscribe acknowledgment
	UnsubscribeTimeout int `yaml:"unsubscribe_timeout"`

	// Event categories to subscribe to
	Events []string `yaml:"events"`

	// Extra conditions for the Tx subscription, as key=value
	TxConditions []string `yaml:"tx_conditions"`

	// Delay before the first reconnect attempt, doubled up to
	// ReconnectMaxMs while the node stays unreachable
	ReconnectMinMs int `yaml:"reconnect_min_ms"`
	ReconnectMaxMs int `yaml:"reconnect_max_ms"`
}

// StoreConfig contains subscription registry settings
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	DataDir     string `yaml:"data_dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	OpTimeoutMs int    `yaml:"op_timeout_ms"`
}

// CodecConfig contains transaction decoding settings
type CodecConfig struct {
	Decoder   string `yaml:"decoder"`
	CacheSize int    `yaml:"cache_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains the admin HTTP server settings
type MetricsConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StreamConfig contains the settings of the /events websocket stream
// served by the admin server
type StreamConfig struct {
	Enabled          bool `yaml:"enabled"`
	BufferSize       int  `yaml:"buffer_size"`
	FlushIntervalMs  int  `yaml:"flush_interval_ms"`
	ClientBufferSize int  `yaml:"client_buffer_size"`
	MaxIdleSeconds   int  `yaml:"max_idle_seconds"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Endpoint:     "ws://localhost:26657/websocket",
			DialTimeout:  10,
			WriteTimeout: 10,
			PingInterval: 20,
			PongTimeout:  60,
			ReadLimitMB:  16,
		},
		Listener: ListenerConfig{
			UnsubscribeTimeout: 10,
			Events:             []string{types.EventNewBlockHeader.String()},
			ReconnectMinMs:     1000,
			ReconnectMaxMs:     30000,
		},
		Store: StoreConfig{
			Backend:     store.BackendMemory,
			DataDir:     "./data",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "chainwatch",
			OpTimeoutMs: 2000,
		},
		Codec: CodecConfig{
			Decoder:   txcodec.DecoderProto,
			CacheSize: 4096,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			GlobalFields: map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "chainwatch",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
			Path:    "/metrics",
		},
		Stream: StreamConfig{
			Enabled:          true,
			BufferSize:       200,
			FlushIntervalMs:  50,
			ClientBufferSize: 100,
			MaxIdleSeconds:   60,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and
// flags, in increasing order of precedence
func LoadConfig(configFile string, endpoint string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if endpoint != "" {
		config.Node.Endpoint = endpoint
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if config.Store.Backend == store.BackendBadger && config.Store.DataDir != "" {
		absDataDir, err := filepath.Abs(config.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Store.DataDir = absDataDir
	}

	return config, nil
}

// applyEnvOverrides applies CHAINWATCH_* environment variables
func applyEnvOverrides(config *Config) error {
	if v := os.Getenv("CHAINWATCH_NODE_ENDPOINT"); v != "" {
		config.Node.Endpoint = v
	}
	if v := os.Getenv("CHAINWATCH_EVENTS"); v != "" {
		config.Listener.Events = splitList(v)
	}
	if v := os.Getenv("CHAINWATCH_TX_CONDITIONS"); v != "" {
		config.Listener.TxConditions = splitList(v)
	}
	if v := os.Getenv("CHAINWATCH_UNSUBSCRIBE_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.NewConfigurationError("CHAINWATCH_UNSUBSCRIBE_TIMEOUT: %v", err)
		}
		config.Listener.UnsubscribeTimeout = n
	}
	if v := os.Getenv("CHAINWATCH_RECONNECT_MAX_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.NewConfigurationError("CHAINWATCH_RECONNECT_MAX_MS: %v", err)
		}
		config.Listener.ReconnectMaxMs = n
	}

	if v := os.Getenv("CHAINWATCH_STORE_BACKEND"); v != "" {
		config.Store.Backend = v
	}
	if v := os.Getenv("CHAINWATCH_STORE_DATA_DIR"); v != "" {
		config.Store.DataDir = v
	}
	if v := os.Getenv("CHAINWATCH_STORE_REDIS_ADDR"); v != "" {
		config.Store.RedisAddr = v
	}

	if v := os.Getenv("CHAINWATCH_CODEC_DECODER"); v != "" {
		config.Codec.Decoder = v
	}
	if v := os.Getenv("CHAINWATCH_CODEC_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.NewConfigurationError("CHAINWATCH_CODEC_CACHE_SIZE: %v", err)
		}
		config.Codec.CacheSize = n
	}

	if v := os.Getenv("CHAINWATCH_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("CHAINWATCH_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}

	if v := os.Getenv("CHAINWATCH_TELEMETRY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return types.NewConfigurationError("CHAINWATCH_TELEMETRY_ENABLED: %v", err)
		}
		config.Telemetry.Enabled = enabled
	}
	if v := os.Getenv("CHAINWATCH_TELEMETRY_ENDPOINT"); v != "" {
		config.Telemetry.Endpoint = v
	}

	if v := os.Getenv("CHAINWATCH_METRICS_ADDR"); v != "" {
		config.Metrics.Addr = v
	}
	if v := os.Getenv("CHAINWATCH_STREAM_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return types.NewConfigurationError("CHAINWATCH_STREAM_ENABLED: %v", err)
		}
		config.Stream.Enabled = enabled
	}

	return nil
}

// Validate checks the configuration before any component is built
func (c *Config) Validate() error {
	if _, err := wsclient.NormalizeEndpoint(c.Node.Endpoint); err != nil {
		return err
	}
	if c.Listener.UnsubscribeTimeout <= 0 {
		return types.NewConfigurationError("listener.unsubscribe_timeout must be positive")
	}
	if c.Listener.ReconnectMinMs <= 0 || c.Listener.ReconnectMaxMs < c.Listener.ReconnectMinMs {
		return types.NewConfigurationError("listener reconnect delays must be positive with min <= max")
	}
	if _, err := c.EventTypes(); err != nil {
		return err
	}
	if _, err := c.TxQuery(); err != nil {
		return err
	}

	switch strings.ToLower(c.Store.Backend) {
	case store.BackendMemory, store.BackendBadger, store.BackendRedis:
	default:
		return types.NewConfigurationError("unknown store backend %q", c.Store.Backend)
	}
	if strings.EqualFold(c.Store.Backend, store.BackendBadger) && c.Store.DataDir == "" {
		return types.NewConfigurationError("store.data_dir is required for the badger backend")
	}

	if c.Stream.Enabled && (c.Stream.BufferSize <= 0 || c.Stream.FlushIntervalMs <= 0 || c.Stream.MaxIdleSeconds <= 0) {
		return types.NewConfigurationError("stream buffer and timing settings must be positive")
	}

	switch c.Codec.Decoder {
	case txcodec.DecoderProto, txcodec.DecoderRaw:
	default:
		return types.NewConfigurationError("unknown transaction decoder %q", c.Codec.Decoder)
	}

	if _, err := logging.ParseLevel(logging.LogLevel(c.Logging.Level)); err != nil {
		return types.NewConfigurationError("%v", err)
	}
	switch logging.LogFormat(c.Logging.Format) {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return types.NewConfigurationError("invalid log format: %s", c.Logging.Format)
	}

	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return types.NewConfigurationError("telemetry.sampling_ratio must be between 0 and 1")
	}

	return nil
}

// EventTypes parses the configured event categories
func (c *Config) EventTypes() ([]types.EventType, error) {
	if len(c.Listener.Events) == 0 {
		return nil, types.NewConfigurationError("at least one event category is required")
	}

	seen := make(map[types.EventType]bool, len(c.Listener.Events))
	var out []types.EventType
	for _, name := range c.Listener.Events {
		t, err := types.ParseEventType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// TxQuery builds the caller part of the Tx subscription query
func (c *Config) TxQuery() (*query.Builder, error) {
	q := query.New()
	for _, cond := range c.Listener.TxConditions {
		key, value, ok := strings.Cut(cond, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, types.NewConfigurationError("invalid tx condition %q, want key=value", cond)
		}
		q.AddCondition(query.EventKey(key), strings.TrimSpace(value))
	}
	return q, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
