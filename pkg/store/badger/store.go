// Package badger persists the subscription registry in BadgerDB so it
// survives process restarts.
package badger

import (
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/chainwatch/pkg/store/internal/storeutil"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	backendName = "badger"

	// prefixSubscription prefixes every record key
	prefixSubscription = "sub:"
)

// Config contains badger store settings
type Config struct {
	// Path of the database directory
	Path string

	// InMemory keeps the database in memory; Path is ignored
	InMemory bool
}

// Store keeps subscription records in badger and their callbacks in memory
type Store struct {
	db        *badger.DB
	callbacks *storeutil.Callbacks
	logger    zerolog.Logger
}

// Open opens or creates the database described by config
func Open(config Config) (*Store, error) {
	logger := log.With().Str("component", "store-badger").Logger()

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, types.NewConfigurationError("badger store path is empty")
		}
		if err := os.MkdirAll(config.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger data directory: %w", err)
		}
		options = badger.DefaultOptions(config.Path)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger.Info().Str("path", config.Path).Bool("in_memory", config.InMemory).Msg("Subscription store opened")

	return &Store{
		db:        db,
		callbacks: storeutil.NewCallbacks(),
		logger:    logger,
	}, nil
}

func recordKey(id string) []byte {
	return []byte(prefixSubscription + id)
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

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(id), data)
	})
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
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
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
	var records []types.SubscriptionRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixSubscription)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			record, err := storeutil.DecodeRecord(data)
			if err != nil {
				s.logger.Warn().Err(err).Str("key", string(item.Key())).Msg("Skipping corrupt subscription record")
				continue
			}
			records = append(records, record)
		}
		return nil
	})
	storeutil.Observe(backendName, "get_all", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return records, nil
}

// Clear removes every record and callback
func (s *Store) Clear() error {
	start := time.Now()
	err := s.clear()
	storeutil.Observe(backendName, "clear", start, err)
	if err != nil {
		return fmt.Errorf("failed to clear subscriptions: %w", err)
	}

	s.callbacks.Clear()
	return nil
}

func (s *Store) clear() error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixSubscription)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Close closes the database
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing subscription store")
	return s.db.Close()
}
