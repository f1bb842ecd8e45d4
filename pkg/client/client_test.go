package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nkkko/chainwatch/internal/api"
	"github.com/nkkko/chainwatch/internal/notifier"
	"github.com/nkkko/chainwatch/pkg/listener"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	state listener.State
	subs  map[string]*types.Subscription
}

func (f *fakeStatus) State() listener.State { return f.state }

func (f *fakeStatus) Subscriptions() (map[string]*types.Subscription, error) {
	return f.subs, nil
}

func newTestServer(t *testing.T, status *fakeStatus) (*Client, *notifier.Notifier) {
	t.Helper()
	n := notifier.New(notifier.Config{BroadcastFlushInterval: 5 * time.Millisecond})
	server := httptest.NewServer(api.New(api.DefaultConfig(), status, api.WithEventStream(n)).Handler())
	t.Cleanup(func() {
		n.Shutdown(context.Background())
		server.Close()
	})
	return New(server.URL + "/"), n
}

func TestHealthy(t *testing.T) {
	c, _ := newTestServer(t, &fakeStatus{})
	assert.NoError(t, c.Healthy(context.Background()))
}

func TestReady(t *testing.T) {
	status := &fakeStatus{state: listener.StateDisconnected}
	c, _ := newTestServer(t, status)

	state, ready, err := c.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "disconnected", state)
	assert.False(t, ready)

	status.state = listener.StateConnected
	state, ready, err = c.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "connected", state)
	assert.True(t, ready)
}

func TestSubscriptions(t *testing.T) {
	c, _ := newTestServer(t, &fakeStatus{
		state: listener.StateConnected,
		subs: map[string]*types.Subscription{
			"Tx-a-2":             {ID: "Tx-a-2", Query: "tm.event='Tx'", EventType: types.EventTx},
			"NewBlockHeader-a-1": {ID: "NewBlockHeader-a-1", Query: "tm.event='NewBlockHeader'", EventType: types.EventNewBlockHeader},
		},
	})

	status, err := c.Subscriptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "connected", status.State)
	require.Len(t, status.Subscriptions, 2)
	assert.Equal(t, "NewBlockHeader-a-1", status.Subscriptions[0].ID)
	assert.Equal(t, types.EventTx, status.Subscriptions[1].EventType)
}

func TestAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to list subscriptions"}`))
	}))
	defer server.Close()

	_, err := New(server.URL).Subscriptions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list subscriptions")
}

func TestStream(t *testing.T) {
	c, n := newTestServer(t, &fakeStatus{})

	sub, err := c.Stream(context.Background(), types.EventTx)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return n.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	n.Publish(&notifier.Event{Type: types.EventNewBlockHeader, Height: 1})
	n.Publish(&notifier.Event{Type: types.EventTx, Height: 2, Data: map[string]string{"hash": "AB"}})

	select {
	case ev := <-sub.Events:
		assert.Equal(t, types.EventTx, ev.Type)
		assert.Equal(t, int64(2), ev.Height)
		assert.JSONEq(t, `{"hash":"AB"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	require.NoError(t, sub.SetFilter(types.EventNewBlockHeader))
	assert.Eventually(t, func() bool {
		n.Publish(&notifier.Event{Type: types.EventNewBlockHeader, Height: 3})
		select {
		case ev := <-sub.Events:
			return ev.Type == types.EventNewBlockHeader
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamClosedByServer(t *testing.T) {
	c, n := newTestServer(t, &fakeStatus{})

	sub, err := c.Stream(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, n.Shutdown(context.Background()))

	select {
	case <-sub.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
	_, ok := <-sub.Events
	assert.False(t, ok)
}
