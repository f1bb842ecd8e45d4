// Package store keeps the registry of active subscriptions that the
// listener replays after every connect.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/nkkko/chainwatch/pkg/store/badger"
	"github.com/nkkko/chainwatch/pkg/store/redis"
	"github.com/nkkko/chainwatch/pkg/types"
)

// Store maps subscription ids to subscriptions. Put overwrites an existing
// id. GetAll returns a copy that callers may keep.
type Store interface {
	Put(id string, sub *types.Subscription) error
	Delete(id string) error
	GetAll() (map[string]*types.Subscription, error)
	Clear() error
	Close() error
}

// RecordLister is implemented by durable stores that can list persisted
// subscriptions, including those whose callbacks were lost with a previous
// process.
type RecordLister interface {
	Records() ([]types.SubscriptionRecord, error)
}

// Backend names accepted by New
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config selects and configures a store backend
type Config struct {
	// Backend is memory (default), badger or redis
	Backend string

	// DataDir is where the badger backend keeps its files
	DataDir string

	// RedisAddr is a redis:// URL or host:port
	RedisAddr string

	// RedisPrefix namespaces the redis keys
	RedisPrefix string

	// OpTimeout bounds each redis round trip
	OpTimeout time.Duration
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		Backend:     BackendMemory,
		DataDir:     "./data",
		RedisAddr:   "localhost:6379",
		RedisPrefix: "chainwatch",
		OpTimeout:   2 * time.Second,
	}
}

// New creates the store selected by config.Backend
func New(config Config) (Store, error) {
	switch strings.ToLower(config.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		s, err := badger.Open(badger.Config{Path: config.DataDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil
	case BackendRedis:
		s, err := redis.Open(redis.Config{
			Addr:      config.RedisAddr,
			Prefix:    config.RedisPrefix,
			OpTimeout: config.OpTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return s, nil
	default:
		return nil, types.NewConfigurationError("unknown store backend %q", config.Backend)
	}
}
