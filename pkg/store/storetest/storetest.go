// Package storetest checks that subscription store backends behave alike.
package storetest

import (
	"testing"

	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store is the subset of the store interface the checks exercise
type Store interface {
	Put(id string, sub *types.Subscription) error
	Delete(id string) error
	GetAll() (map[string]*types.Subscription, error)
	Clear() error
}

// NewSubscription builds a subscription whose callback records nothing
func NewSubscription(id string, eventType types.EventType) *types.Subscription {
	var cb types.Callback
	switch eventType {
	case types.EventNewBlock:
		cb = types.NewBlockCallback(func(*types.EventDataNewBlock, error) {})
	case types.EventNewBlockHeader:
		cb = types.NewBlockHeaderCallback(func(*types.EventDataNewBlockHeader, error) {})
	case types.EventValidatorSetUpdates:
		cb = types.ValidatorSetUpdatesCallback(func([]types.EventDataValidatorSetUpdate, error) {})
	default:
		cb = types.TxCallback(func(*types.EventDataResultTx, error) {})
	}

	return &types.Subscription{
		ID:        id,
		Query:     "tm.event='" + eventType.String() + "'",
		EventType: eventType,
		Callback:  cb,
	}
}

// Run exercises a freshly created, empty store
func Run(t *testing.T, store Store) {
	t.Run("PutAndGetAll", func(t *testing.T) {
		require.NoError(t, store.Clear())

		a := NewSubscription("NewBlock-a-1", types.EventNewBlock)
		b := NewSubscription("Tx-a-2", types.EventTx)
		require.NoError(t, store.Put(a.ID, a))
		require.NoError(t, store.Put(b.ID, b))

		all, err := store.GetAll()
		require.NoError(t, err)
		require.Len(t, all, 2)

		got := all[a.ID]
		require.NotNil(t, got)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, a.Query, got.Query)
		assert.Equal(t, a.EventType, got.EventType)
		require.NotNil(t, got.Callback)
		assert.Equal(t, types.EventNewBlock, got.Callback.EventType())

		assert.Equal(t, types.EventTx, all[b.ID].EventType)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		require.NoError(t, store.Clear())

		first := NewSubscription("Tx-b-1", types.EventTx)
		second := NewSubscription("Tx-b-1", types.EventTx)
		second.Query = "action='send' and tm.event='Tx'"
		require.NoError(t, store.Put(first.ID, first))
		require.NoError(t, store.Put(second.ID, second))

		all, err := store.GetAll()
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, second.Query, all["Tx-b-1"].Query)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Clear())

		a := NewSubscription("NewBlockHeader-c-1", types.EventNewBlockHeader)
		b := NewSubscription("ValidatorSetUpdates-c-2", types.EventValidatorSetUpdates)
		require.NoError(t, store.Put(a.ID, a))
		require.NoError(t, store.Put(b.ID, b))

		require.NoError(t, store.Delete(a.ID))
		// Deleting an unknown id is not an error
		require.NoError(t, store.Delete("missing"))

		all, err := store.GetAll()
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Contains(t, all, b.ID)
	})

	t.Run("GetAllReturnsCopy", func(t *testing.T) {
		require.NoError(t, store.Clear())

		a := NewSubscription("Tx-d-1", types.EventTx)
		require.NoError(t, store.Put(a.ID, a))

		all, err := store.GetAll()
		require.NoError(t, err)
		delete(all, a.ID)

		again, err := store.GetAll()
		require.NoError(t, err)
		assert.Len(t, again, 1)
	})

	t.Run("Clear", func(t *testing.T) {
		for i, eventType := range types.EventTypes {
			sub := NewSubscription(eventType.String()+"-e-"+string(rune('0'+i)), eventType)
			require.NoError(t, store.Put(sub.ID, sub))
		}

		require.NoError(t, store.Clear())

		all, err := store.GetAll()
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("PutNil", func(t *testing.T) {
		assert.Error(t, store.Put("nil", nil))
	})
}
