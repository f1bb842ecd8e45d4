// Package wstest provides an in-process fake node speaking the event
// stream protocol, for tests.
package wstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/chainwatch/pkg/types"
)

// Request is a request received by the node
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Params  types.QueryParams `json:"params"`
}

// Node is a fake node. By default it acknowledges every subscribe and
// unsubscribe request with an empty result.
type Node struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	requests []Request
	notify   chan struct{}

	ignoreUnsubscribe bool
	rejectSubscribe   *types.Error
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// IgnoreUnsubscribe stops the node from acknowledging unsubscribe requests
func (n *Node) IgnoreUnsubscribe() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ignoreUnsubscribe = true
}

// RejectSubscribe makes the node answer subscribe requests with rpcErr
func (n *Node) RejectSubscribe(rpcErr *types.Error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejectSubscribe = rpcErr
}

// NewNode starts a node and stops it when the test ends
func NewNode(t testing.TB) *Node {
	n := &Node{
		conns:  make(map[*conn]struct{}),
		notify: make(chan struct{}, 1),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.Close)
	return n
}

// URL returns the websocket endpoint of the node
func (n *Node) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http") + "/websocket"
}

// Close drops every connection and stops the server
func (n *Node) Close() {
	n.DropConnections()
	n.server.Close()
}

func (n *Node) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}

	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.conns, c)
		n.mu.Unlock()
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}

		n.mu.Lock()
		n.requests = append(n.requests, req)
		n.mu.Unlock()
		select {
		case n.notify <- struct{}{}:
		default:
		}

		n.respond(c, req)
	}
}

func (n *Node) respond(c *conn, req Request) {
	resp := map[string]interface{}{
		"jsonrpc": types.JSONRPCVersion,
		"id":      req.ID,
	}

	n.mu.Lock()
	ignoreUnsubscribe, rejectSubscribe := n.ignoreUnsubscribe, n.rejectSubscribe
	n.mu.Unlock()

	switch req.Method {
	case types.MethodSubscribe:
		if rejectSubscribe != nil {
			resp["error"] = rejectSubscribe
		} else {
			resp["result"] = map[string]interface{}{}
		}
	case types.MethodUnsubscribe:
		if ignoreUnsubscribe {
			return
		}
		resp["result"] = map[string]interface{}{}
	default:
		resp["error"] = types.NewError(types.CodeMethodNotFound, "Method not found", req.Method)
	}

	c.write(resp)
}

// Requests returns a copy of every request received so far
func (n *Node) Requests() []Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Request(nil), n.requests...)
}

// RequestsByMethod returns the received requests with the given method
func (n *Node) RequestsByMethod(method string) []Request {
	var out []Request
	for _, r := range n.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// WaitForRequests blocks until at least count requests arrived or the
// timeout expires, and returns what arrived
func (n *Node) WaitForRequests(count int, timeout time.Duration) []Request {
	deadline := time.After(timeout)
	for {
		reqs := n.Requests()
		if len(reqs) >= count {
			return reqs
		}
		select {
		case <-n.notify:
		case <-deadline:
			return reqs
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Connections returns the number of open client connections
func (n *Node) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Publish pushes an event frame for subscription id to every connection
func (n *Node) Publish(id string, eventType types.EventType, value interface{}) {
	n.broadcast(map[string]interface{}{
		"jsonrpc": types.JSONRPCVersion,
		"id":      id + types.EventIDSuffix,
		"result": map[string]interface{}{
			"query": "tm.event='" + eventType.String() + "'",
			"data": map[string]interface{}{
				"type":  "tendermint/event/" + eventType.String(),
				"value": value,
			},
		},
	})
}

// PublishError pushes an error frame for subscription id
func (n *Node) PublishError(id string, rpcErr *types.Error) {
	n.broadcast(map[string]interface{}{
		"jsonrpc": types.JSONRPCVersion,
		"id":      id + types.EventIDSuffix,
		"error":   rpcErr,
	})
}

// PublishRaw writes message verbatim to every connection
func (n *Node) PublishRaw(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.conns {
		c.mu.Lock()
		c.ws.WriteMessage(websocket.TextMessage, []byte(message))
		c.mu.Unlock()
	}
}

func (n *Node) broadcast(v interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.conns {
		c.write(v)
	}
}

// DropConnections closes every connection without a close handshake
func (n *Node) DropConnections() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.conns {
		c.ws.Close()
	}
}
