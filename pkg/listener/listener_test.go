package listener

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/chainwatch/pkg/query"
	"github.com/nkkko/chainwatch/pkg/store"
	"github.com/nkkko/chainwatch/pkg/store/badger"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentRequest struct {
	Method string
	ID     string
	Query  string
}

// fakeConn records what the listener does to its connection
type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	sendErr      error
	sent         []sentRequest
	listeners    map[string][]types.FrameHandler
	closeHandler func(error)
	disconnects  int

	// dropOnConnect makes the next Connect lose the connection before it
	// returns
	dropOnConnect bool

	// ackUnsubscribe answers unsubscribe requests synchronously; ackErr is
	// the error carried by the answer
	ackUnsubscribe bool
	ackErr         *types.Error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		listeners:      make(map[string][]types.FrameHandler),
		ackUnsubscribe: true,
	}
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connectErr != nil {
		c.mu.Unlock()
		return c.connectErr
	}
	c.connected = true
	dropOnConnect := c.dropOnConnect
	c.dropOnConnect = false
	c.mu.Unlock()

	if dropOnConnect {
		c.drop(errors.New("connection reset by peer"))
	}
	return nil
}

func (c *fakeConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
	return nil
}

func (c *fakeConn) Send(ctx context.Context, method, id string, params interface{}) error {
	c.mu.Lock()
	if c.sendErr != nil {
		c.mu.Unlock()
		return c.sendErr
	}
	if !c.connected {
		c.mu.Unlock()
		return types.ErrNotConnected
	}
	c.sent = append(c.sent, sentRequest{
		Method: method,
		ID:     id,
		Query:  params.(types.QueryParams).Query,
	})
	ack := method == types.MethodUnsubscribe && c.ackUnsubscribe
	ackErr := c.ackErr
	c.mu.Unlock()

	if ack {
		c.deliver(id, ackErr, json.RawMessage(`{}`))
	}
	return nil
}

func (c *fakeConn) AddListener(id string, h types.FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[id] = append(c.listeners[id], h)
}

func (c *fakeConn) RemoveListeners(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

func (c *fakeConn) SetCloseHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandler = fn
}

// drop simulates the node going away
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.connected = false
	fn := c.closeHandler
	c.mu.Unlock()
	fn(err)
}

func (c *fakeConn) deliver(id string, rpcErr *types.Error, data json.RawMessage) {
	c.mu.Lock()
	handlers := append([]types.FrameHandler(nil), c.listeners[id]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(rpcErr, data)
	}
}

func (c *fakeConn) listenerCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[id])
}

func (c *fakeConn) requests(method string) []sentRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentRequest
	for _, r := range c.sent {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func fixedInstanceID(t *testing.T, id string) {
	previous := newInstanceID
	newInstanceID = func() string { return id }
	t.Cleanup(func() { newInstanceID = previous })
}

func newTestListener(t *testing.T, conn *fakeConn, options ...Option) *EventListener {
	l, err := New(conn, options...)
	require.NoError(t, err)
	return l
}

func noopHeader(*types.EventDataNewBlockHeader, error) {}

func TestNewRequiresConnection(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestDialRequiresEndpoint(t *testing.T) {
	_, err := Dial(Config{})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	cfg := DefaultConfig()
	cfg.Node.Endpoint = "ftp://node:26657"
	_, err = Dial(cfg)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestSubscriptionIDsAndQueries(t *testing.T) {
	fixedInstanceID(t, "abcd1234")
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()

	// Create a Tx subscription with a caller query
	q := query.New().AddAction(query.ActionSend)
	sub, err := l.SubscribeTx(ctx, q, func(*types.EventDataResultTx, error) {})
	require.NoError(t, err)

	assert.Equal(t, "Tx-abcd1234-1", sub.ID)
	assert.Equal(t, "action='send' and tm.event='Tx'", sub.Query)
	assert.Equal(t, types.EventTx, sub.EventType)

	// The caller's builder is left untouched
	assert.Equal(t, "action='send'", q.Build())

	// Categories without a caller query
	block, err := l.SubscribeNewBlock(ctx, func(*types.EventDataNewBlock, error) {})
	require.NoError(t, err)
	assert.Equal(t, "NewBlock-abcd1234-2", block.ID)
	assert.Equal(t, "tm.event='NewBlock'", block.Query)

	header, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)
	assert.Equal(t, "tm.event='NewBlockHeader'", header.Query)

	updates, err := l.SubscribeValidatorSetUpdates(ctx, func([]types.EventDataValidatorSetUpdate, error) {})
	require.NoError(t, err)
	assert.Equal(t, "tm.event='ValidatorSetUpdates'", updates.Query)

	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Len(t, subs, 4)
}

func TestSubscribeRejectsNilCallback(t *testing.T) {
	l := newTestListener(t, newFakeConn())

	_, err := l.Subscribe(context.Background(), nil, nil)
	assert.ErrorIs(t, err, types.ErrNilCallback)

	var cb types.TxCallback
	_, err = l.SubscribeTx(context.Background(), nil, cb)
	assert.ErrorIs(t, err, types.ErrNilCallback)

	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscribeBeforeConnectSendsOnce(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()

	sub, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)
	assert.Empty(t, conn.requests(types.MethodSubscribe))
	assert.Equal(t, 1, conn.listenerCount(sub.ID))

	require.NoError(t, l.Connect(ctx))
	assert.Equal(t, StateConnected, l.State())

	reqs := conn.requests(types.MethodSubscribe)
	require.Len(t, reqs, 1)
	assert.Equal(t, sub.ID, reqs[0].ID)
	assert.Equal(t, sub.Query, reqs[0].Query)
	assert.Equal(t, 1, conn.listenerCount(sub.ID))
}

func TestSubscribeWhileConnected(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()
	require.NoError(t, l.Connect(ctx))

	sub, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)

	reqs := conn.requests(types.MethodSubscribe)
	require.Len(t, reqs, 1)
	assert.Equal(t, sub.ID, reqs[0].ID)
}

func TestReplayAfterConnectionLoss(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()
	require.NoError(t, l.Connect(ctx))

	a, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)
	b, err := l.SubscribeTx(ctx, query.New().AddCondition(query.KeySender, "addr1"), func(*types.EventDataResultTx, error) {})
	require.NoError(t, err)

	before, err := l.Subscriptions()
	require.NoError(t, err)

	// Drop the connection; subscriptions survive
	conn.drop(errors.New("connection reset"))
	assert.Equal(t, StateDisconnected, l.State())

	after, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Reconnect replays each subscription exactly once
	require.NoError(t, l.Connect(ctx))

	reqs := conn.requests(types.MethodSubscribe)
	require.Len(t, reqs, 4)
	assert.ElementsMatch(t, []sentRequest{
		{Method: types.MethodSubscribe, ID: a.ID, Query: a.Query},
		{Method: types.MethodSubscribe, ID: b.ID, Query: b.Query},
	}, reqs[2:])

	// One fresh handler per subscription and an unchanged registry
	assert.Equal(t, 1, conn.listenerCount(a.ID))
	assert.Equal(t, 1, conn.listenerCount(b.ID))

	replayed, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Equal(t, before, replayed)
}

func TestConnectIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()

	_, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)

	require.NoError(t, l.Connect(ctx))
	require.NoError(t, l.Connect(ctx))

	assert.Len(t, conn.requests(types.MethodSubscribe), 1)
}

func TestConnectFailure(t *testing.T) {
	conn := newFakeConn()
	conn.connectErr = errors.New("connection refused")
	l := newTestListener(t, conn)

	err := l.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StateDisconnected, l.State())
}

func TestConnectionLostDuringConnect(t *testing.T) {
	conn := newFakeConn()
	conn.dropOnConnect = true
	l := newTestListener(t, conn)
	ctx := context.Background()

	err := l.Connect(ctx)
	require.ErrorIs(t, err, types.ErrNotConnected)
	assert.Equal(t, StateDisconnected, l.State())

	// Subscribing now is deferred instead of failing on the dead transport
	sub, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)
	assert.Empty(t, conn.requests(types.MethodSubscribe))

	// The next Connect really reconnects and replays
	require.NoError(t, l.Connect(ctx))
	assert.Equal(t, StateConnected, l.State())
	reqs := conn.requests(types.MethodSubscribe)
	require.Len(t, reqs, 1)
	assert.Equal(t, sub.ID, reqs[0].ID)
}

func TestConnectionLostDuringConnectWithStoredSubscriptions(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()

	_, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)

	conn.dropOnConnect = true
	require.Error(t, l.Connect(ctx))
	assert.Equal(t, StateDisconnected, l.State())

	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, l.Connect(ctx))
	assert.Len(t, conn.requests(types.MethodSubscribe), 1)
}

func TestSubscribeSendFailureRollsBack(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()
	require.NoError(t, l.Connect(ctx))

	conn.sendErr = errors.New("broken pipe")
	sub, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.Error(t, err)
	assert.Nil(t, sub)

	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)

	conn.mu.Lock()
	assert.Empty(t, conn.listeners)
	conn.mu.Unlock()
}

func TestDeliveryReachesCallback(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()
	require.NoError(t, l.Connect(ctx))

	var heights []int64
	sub, err := l.SubscribeNewBlockHeader(ctx, func(ev *types.EventDataNewBlockHeader, err error) {
		require.NoError(t, err)
		heights = append(heights, ev.Header.Height.Int64())
	})
	require.NoError(t, err)

	// The subscribe acknowledgment carries no event and is ignored
	conn.deliver(sub.ID, nil, json.RawMessage(`{}`))
	conn.deliver(sub.ID, nil, json.RawMessage(`{
		"query": "tm.event='NewBlockHeader'",
		"data": {"type": "tendermint/event/NewBlockHeader", "value": {"header": {"chain_id": "test", "height": "42"}}}
	}`))

	assert.Equal(t, []int64{42}, heights)
}

func TestUnsubscribe(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()
	require.NoError(t, l.Connect(ctx))

	calls := 0
	sub, err := l.SubscribeNewBlockHeader(ctx, func(*types.EventDataNewBlockHeader, error) { calls++ })
	require.NoError(t, err)

	require.NoError(t, l.Unsubscribe(ctx, sub))

	// The request reuses the original query under the unsubscribe id
	reqs := conn.requests(types.MethodUnsubscribe)
	require.Len(t, reqs, 1)
	assert.Equal(t, "unsubscribe#"+sub.ID, reqs[0].ID)
	assert.Equal(t, sub.Query, reqs[0].Query)

	// Handlers for both ids are gone and so is the registry entry
	assert.Zero(t, conn.listenerCount(sub.ID))
	assert.Zero(t, conn.listenerCount(types.UnsubscribeID(sub.ID)))
	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)

	// Later frames for the id reach nobody
	conn.deliver(sub.ID, nil, json.RawMessage(`{"data":{"value":{"header":{"height":"1"}}}}`))
	assert.Zero(t, calls)
}

func TestUnsubscribeTimeout(t *testing.T) {
	conn := newFakeConn()
	conn.ackUnsubscribe = false
	l := newTestListener(t, conn, WithUnsubscribeTimeout(50*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, l.Connect(ctx))

	sub, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)

	err = l.Unsubscribe(ctx, sub)
	assert.ErrorIs(t, err, types.ErrUnsubscribeTimeout)

	// Torn down locally regardless
	assert.Zero(t, conn.listenerCount(sub.ID))
	assert.Zero(t, conn.listenerCount(types.UnsubscribeID(sub.ID)))
	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnsubscribeContextCanceled(t *testing.T) {
	conn := newFakeConn()
	conn.ackUnsubscribe = false
	l := newTestListener(t, conn)
	require.NoError(t, l.Connect(context.Background()))

	sub, err := l.SubscribeNewBlockHeader(context.Background(), noopHeader)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Unsubscribe(ctx, sub)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnsubscribeRejected(t *testing.T) {
	conn := newFakeConn()
	conn.ackErr = types.NewError(types.CodeInternalError, "Internal error", "subscription not found")
	l := newTestListener(t, conn)
	ctx := context.Background()
	require.NoError(t, l.Connect(ctx))

	sub, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)

	err = l.Unsubscribe(ctx, sub)
	var rpcErr *types.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, types.CodeInternalError, rpcErr.Code)

	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnsubscribeWhileDisconnected(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()

	sub, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)

	require.NoError(t, l.Unsubscribe(ctx, sub))
	assert.Empty(t, conn.requests(types.MethodUnsubscribe))
	assert.Zero(t, conn.listenerCount(sub.ID))

	// Nothing left to replay
	require.NoError(t, l.Connect(ctx))
	assert.Empty(t, conn.requests(types.MethodSubscribe))
}

func TestDisconnectClearsRegistry(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()
	require.NoError(t, l.Connect(ctx))

	a, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)
	b, err := l.SubscribeNewBlock(ctx, func(*types.EventDataNewBlock, error) {})
	require.NoError(t, err)

	require.NoError(t, l.Disconnect(ctx))
	assert.Equal(t, StateDisconnected, l.State())
	assert.Equal(t, 1, conn.disconnects)

	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.Zero(t, conn.listenerCount(a.ID))
	assert.Zero(t, conn.listenerCount(b.ID))

	// A later connect has nothing to replay
	require.NoError(t, l.Connect(ctx))
	assert.Len(t, conn.requests(types.MethodSubscribe), 2)
}

func TestReplayFailureDisconnects(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(t, conn)
	ctx := context.Background()

	_, err := l.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)

	conn.sendErr = errors.New("write: broken pipe")
	err = l.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, StateDisconnected, l.State())

	// The subscription is kept for the next attempt
	subs, err := l.Subscriptions()
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	conn.sendErr = nil
	require.NoError(t, l.Connect(ctx))
	assert.Len(t, conn.requests(types.MethodSubscribe), 1)
}

func TestRestoreFromDurableStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Create subscriptions in a first process
	s, err := badger.Open(badger.Config{Path: dir})
	require.NoError(t, err)
	first := newTestListener(t, newFakeConn(), WithStore(s))

	header, err := first.SubscribeNewBlockHeader(ctx, noopHeader)
	require.NoError(t, err)
	tx, err := first.SubscribeTx(ctx, query.New().AddAction(query.ActionBurn), func(*types.EventDataResultTx, error) {})
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))

	// A second process sees the records but no callbacks
	s, err = badger.Open(badger.Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	conn := newFakeConn()
	second := newTestListener(t, conn, WithStore(s))

	subs, err := second.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)

	restored, err := second.Restore(ctx, func(r types.SubscriptionRecord) types.Callback {
		if r.EventType == types.EventNewBlockHeader {
			return types.NewBlockHeaderCallback(noopHeader)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	subs, err = second.Subscriptions()
	require.NoError(t, err)
	require.Contains(t, subs, header.ID)
	assert.Equal(t, header.Query, subs[header.ID].Query)
	assert.NotContains(t, subs, tx.ID)

	records, err := s.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, header.ID, records[0].ID)

	// The restored subscription replays with its original id
	require.NoError(t, second.Connect(ctx))
	reqs := conn.requests(types.MethodSubscribe)
	require.Len(t, reqs, 1)
	assert.Equal(t, header.ID, reqs[0].ID)
	assert.Equal(t, header.Query, reqs[0].Query)
}

func TestRestoreWithoutRecordLister(t *testing.T) {
	l := newTestListener(t, newFakeConn(), WithStore(store.NewMemoryStore()))

	restored, err := l.Restore(context.Background(), func(types.SubscriptionRecord) types.Callback {
		t.Fatal("no records expected")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
