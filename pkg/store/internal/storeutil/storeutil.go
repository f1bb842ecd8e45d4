// Package storeutil holds what the subscription store backends share.
package storeutil

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nkkko/chainwatch/internal/metrics"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeRecord marshals a record to msgpack
func EncodeRecord(record types.SubscriptionRecord) ([]byte, error) {
	data, err := msgpack.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscription %s: %w", record.ID, err)
	}
	return data, nil
}

// DecodeRecord unmarshals a msgpack record
func DecodeRecord(data []byte) (types.SubscriptionRecord, error) {
	var record types.SubscriptionRecord
	if err := msgpack.Unmarshal(data, &record); err != nil {
		return types.SubscriptionRecord{}, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return record, nil
}

// Observe records the outcome and duration of a store operation
func Observe(backend, operation string, start time.Time, err error) {
	m := metrics.GetMetrics()
	m.StoreOperations.WithLabelValues(backend, operation, strconv.FormatBool(err == nil)).Inc()
	m.StoreOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

// Callbacks keeps the live callbacks of persisted subscriptions. Callbacks
// cannot be persisted, so durable backends pair their records with this
// in-memory overlay.
type Callbacks struct {
	mu        sync.RWMutex
	callbacks map[string]types.Callback
}

// NewCallbacks creates an empty overlay
func NewCallbacks() *Callbacks {
	return &Callbacks{callbacks: make(map[string]types.Callback)}
}

// Set stores or removes (when cb is nil) the callback for id
func (c *Callbacks) Set(id string, cb types.Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb == nil {
		delete(c.callbacks, id)
		return
	}
	c.callbacks[id] = cb
}

// Get returns the callback for id
func (c *Callbacks) Get(id string) (types.Callback, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cb, ok := c.callbacks[id]
	return cb, ok
}

// Delete forgets the callback for id
func (c *Callbacks) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, id)
}

// Clear forgets every callback
func (c *Callbacks) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = make(map[string]types.Callback)
}

// Bind pairs records with their live callbacks. Records without one are
// left out.
func (c *Callbacks) Bind(records []types.SubscriptionRecord) map[string]*types.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subs := make(map[string]*types.Subscription, len(records))
	for _, r := range records {
		if cb, ok := c.callbacks[r.ID]; ok {
			subs[r.ID] = r.Bind(cb)
		}
	}
	return subs
}
