package wsclient

import (
	"net/url"
	"strings"
	"time"

	"github.com/nkkko/chainwatch/pkg/types"
)

// Config contains connection settings
type Config struct {
	// Endpoint of the node websocket, e.g. ws://localhost:26657/websocket.
	// http and https endpoints are converted, and a bare host gets the
	// default /websocket path.
	Endpoint string

	// DialTimeout bounds the websocket handshake
	DialTimeout time.Duration

	// WriteTimeout bounds each outgoing frame
	WriteTimeout time.Duration

	// PingInterval between keep-alive pings; zero disables pings
	PingInterval time.Duration

	// PongTimeout is how long the connection may stay silent before it is
	// considered dead; only used when pings are enabled
	PongTimeout time.Duration

	// ReadLimit caps the size of one inbound frame in bytes
	ReadLimit int64
}

// DefaultConfig returns default connection settings
func DefaultConfig() Config {
	return Config{
		Endpoint:     "ws://localhost:26657/websocket",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 20 * time.Second,
		PongTimeout:  60 * time.Second,
		ReadLimit:    16 << 20,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.PingInterval > 0 && c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 3 * c.PingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}

// NormalizeEndpoint converts an endpoint into the websocket URL to dial
func NormalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", types.NewConfigurationError("node endpoint is empty")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", types.NewConfigurationError("invalid node endpoint %q: %v", endpoint, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http", "tcp":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", types.NewConfigurationError("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", types.NewConfigurationError("node endpoint %q has no host", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/websocket"
	}

	return u.String(), nil
}
