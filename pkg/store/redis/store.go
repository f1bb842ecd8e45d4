// Package redis keeps the subscription registry in a Redis hash so several
// processes can share it.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nkkko/chainwatch/pkg/store/internal/storeutil"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const backendName = "redis"

// Config contains redis store settings
type Config struct {
	// Addr is a redis:// URL or host:port
	Addr string

	// Prefix namespaces the hash key
	Prefix string

	// OpTimeout bounds each round trip
	OpTimeout time.Duration

	// Client replaces the client built from Addr. It is not closed by Close.
	Client *redis.Client
}

// Store keeps subscription records in one redis hash and their callbacks in memory
type Store struct {
	client    *redis.Client
	ownClient bool
	key       string
	timeout   time.Duration
	callbacks *storeutil.Callbacks
	logger    zerolog.Logger
}

// Open connects to redis and verifies the connection
func Open(config Config) (*Store, error) {
	logger := log.With().Str("component", "store-redis").Logger()

	if config.OpTimeout <= 0 {
		config.OpTimeout = 2 * time.Second
	}
	if config.Prefix == "" {
		config.Prefix = "chainwatch"
	}

	client := config.Client
	ownClient := false
	if client == nil {
		if config.Addr == "" {
			return nil, types.NewConfigurationError("redis address is empty")
		}

		var options *redis.Options
		if strings.Contains(config.Addr, "://") {
			var err error
			options, err = redis.ParseURL(config.Addr)
			if err != nil {
				return nil, types.NewConfigurationError("invalid redis url: %v", err)
			}
		} else {
			options = &redis.Options{Addr: config.Addr}
		}
		client = redis.NewClient(options)
		ownClient = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.OpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if ownClient {
			client.Close()
		}
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	s := &Store{
		client:    client,
		ownClient: ownClient,
		key:       config.Prefix + ":subscriptions",
		timeout:   config.OpTimeout,
		callbacks: storeutil.NewCallbacks(),
		logger:    logger,
	}
	logger.Info().Str("key", s.key).Msg("Subscription store connected")
	return s, nil
}

func (s *Store) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Put persists the subscription record and keeps its callback
func (s *Store) Put(id string, sub *types.Subscription) error {
	start := time.Now()
	if sub == nil {
		err := fmt.Errorf("subscription %s is nil", id)
		storeutil.Observe(backendName, "put", start, err)
		return err
	}

	record := sub.Record()
	record.ID = id
	data, err := storeutil.EncodeRecord(record)
	if err != nil {
		storeutil.Observe(backendName, "put", start, err)
		return err
	}

	ctx, cancel := s.opContext()
	defer cancel()
	err = s.client.HSet(ctx, s.key, id, data).Err()
	storeutil.Observe(backendName, "put", start, err)
	if err != nil {
		return fmt.Errorf("failed to persist subscription %s: %w", id, err)
	}

	s.callbacks.Set(id, sub.Callback)
	return nil
}

// Delete removes the record and its callback
func (s *Store) Delete(id string) error {
	start := time.Now()
	ctx, cancel := s.opContext()
	defer cancel()

	err := s.client.HDel(ctx, s.key, id).Err()
	storeutil.Observe(backendName, "delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", id, err)
	}

	s.callbacks.Delete(id)
	return nil
}

// GetAll returns the persisted subscriptions that have a live callback
func (s *Store) GetAll() (map[string]*types.Subscription, error) {
	records, err := s.Records()
	if err != nil {
		return nil, err
	}
	return s.callbacks.Bind(records), nil
}

// Records lists every persisted record. Undecodable records are skipped.
func (s *Store) Records() ([]types.SubscriptionRecord, error) {
	start := time.Now()
	ctx, cancel := s.opContext()
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.key).Result()
	storeutil.Observe(backendName, "get_all", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	records := make([]types.SubscriptionRecord, 0, len(fields))
	for id, data := range fields {
		record, err := storeutil.DecodeRecord([]byte(data))
		if err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("Skipping corrupt subscription record")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Clear removes the hash and every callback
func (s *Store) Clear() error {
	start := time.Now()
	ctx, cancel := s.opContext()
	defer cancel()

	err := s.client.Del(ctx, s.key).Err()
	storeutil.Observe(backendName, "clear", start, err)
	if err != nil {
		return fmt.Errorf("failed to clear subscriptions: %w", err)
	}

	s.callbacks.Clear()
	return nil
}

// Close closes the client if the store created it
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}
