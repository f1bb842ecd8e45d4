package redis

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/nkkko/chainwatch/pkg/store/storetest"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to the redis named by CHAINWATCH_TEST_REDIS
func openTestStore(t *testing.T) *Store {
	addr := os.Getenv("CHAINWATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAINWATCH_TEST_REDIS not set")
	}

	s, err := Open(Config{Addr: addr, Prefix: "chainwatch-test-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Clear()
		s.Close()
	})
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, openTestStore(t))
}

func TestRecords(t *testing.T) {
	s := openTestStore(t)

	a := storetest.NewSubscription("Tx-r-1", types.EventTx)
	require.NoError(t, s.Put(a.ID, a))

	records, err := s.Records()
	require.NoError(t, err)
	assert.Equal(t, []types.SubscriptionRecord{a.Record()}, records)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = Open(Config{Addr: "http://localhost:6379"})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
