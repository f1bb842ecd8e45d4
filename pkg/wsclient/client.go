// Package wsclient is a JSON-RPC 2.0 websocket connection to a node's
// event stream. Inbound frames are delivered to listeners registered under
// the frame's request id.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/chainwatch/internal/metrics"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// errClosed ends the read loop after an orderly close
var errClosed = errors.New("connection closed")

// Client is a websocket connection to one node endpoint
type Client struct {
	config   Config
	endpoint string
	dialer   *websocket.Dialer
	headers  http.Header
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	// mu guards the connection lifecycle
	mu           sync.Mutex
	conn         *websocket.Conn
	done         chan struct{}
	closing      bool
	closeHandler func(error)

	// writeMu serializes data frames
	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[string][]types.FrameHandler
}

// Option configures a Client
type Option func(*Client)

// WithDialer replaces the websocket dialer
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// WithHeaders sets additional handshake headers
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithLogger replaces the component logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a disconnected client
func New(config Config, options ...Option) (*Client, error) {
	endpoint, err := NormalizeEndpoint(config.Endpoint)
	if err != nil {
		return nil, err
	}
	config = config.withDefaults()

	c := &Client{
		config:    config,
		endpoint:  endpoint,
		dialer:    websocket.DefaultDialer,
		headers:   http.Header{},
		logger:    log.With().Str("component", "wsclient").Str("endpoint", endpoint).Logger(),
		metrics:   metrics.GetMetrics(),
		listeners: make(map[string][]types.FrameHandler),
	}

	for _, option := range options {
		option(c)
	}

	return c, nil
}

// Endpoint returns the websocket URL the client dials
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Connected reports whether the connection is up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SetCloseHandler registers fn to run when the connection drops without
// Disconnect being called
func (c *Client) SetCloseHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandler = fn
}

// Connect dials the node. Connecting an open client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.endpoint, c.headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.metrics.TransportErrorsTotal.WithLabelValues("dial").Inc()
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	conn.SetReadLimit(c.config.ReadLimit)
	if c.config.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		})
	}

	c.conn = conn
	c.closing = false
	c.done = make(chan struct{})

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return c.readLoop(conn)
	})
	g.Go(func() error {
		return c.pingLoop(gctx, conn)
	})
	g.Go(func() error {
		// Unblocks the reader once the pinger fails
		<-gctx.Done()
		conn.Close()
		return nil
	})

	done := c.done
	go func() {
		err := g.Wait()
		c.finish(conn, done, err)
	}()

	c.logger.Info().Msg("Connected")
	return nil
}

// Disconnect closes the connection and waits for the read loop to exit.
// Disconnecting a closed client is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	// Send close message
	c.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.config.WriteTimeout),
	)
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("Failed to send close message")
	}

	// Wait for the node to echo the close
	select {
	case <-done:
	case <-ctx.Done():
		conn.Close()
		<-done
	case <-time.After(time.Second):
		conn.Close()
		<-done
	}

	c.logger.Info().Msg("Disconnected")
	return nil
}

// Send writes one JSON-RPC request. The response is delivered to the
// listeners registered under id.
func (c *Client) Send(ctx context.Context, method, id string, params interface{}) error {
	c.mu.Lock()
	conn := c.conn
	closing := c.closing
	c.mu.Unlock()
	if conn == nil || closing {
		return types.ErrNotConnected
	}

	data, err := json.Marshal(types.NewRequest(method, id, params))
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.metrics.TransportErrorsTotal.WithLabelValues("write").Inc()
		return fmt.Errorf("failed to send %s request %s: %w", method, id, err)
	}

	c.metrics.TransportMessagesTotal.WithLabelValues("out").Inc()
	c.metrics.TransportMessageBytes.WithLabelValues("out").Observe(float64(len(data)))
	c.logger.Debug().Str("method", method).Str("id", id).Msg("Request sent")
	return nil
}

// AddListener registers h for frames addressed to id
func (c *Client) AddListener(id string, h types.FrameHandler) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[id] = append(c.listeners[id], h)
}

// RemoveListeners drops every listener registered under id
func (c *Client) RemoveListeners(id string) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, id)
}

// ListenerCount returns how many listeners are registered under id
func (c *Client) ListenerCount(id string) int {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return len(c.listeners[id])
}

func (c *Client) handlers(id string) []types.FrameHandler {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return append([]types.FrameHandler(nil), c.listeners[id]...)
}

func (c *Client) allHandlers() []types.FrameHandler {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	var all []types.FrameHandler
	for _, hs := range c.listeners {
		all = append(all, hs...)
	}
	return all
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errClosed
			}
			c.metrics.TransportErrorsTotal.WithLabelValues("read").Inc()
			return err
		}

		c.metrics.TransportMessagesTotal.WithLabelValues("in").Inc()
		c.metrics.TransportMessageBytes.WithLabelValues("in").Observe(float64(len(message)))
		if c.config.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
		}

		c.dispatch(message)
	}
}

// dispatch hands one frame to its listeners on the read goroutine
func (c *Client) dispatch(message []byte) {
	var resp types.Response
	if err := json.Unmarshal(message, &resp); err != nil {
		c.metrics.TransportErrorsTotal.WithLabelValues("decode").Inc()
		c.logger.Debug().Err(err).Msg("Ignoring undecodable frame")
		return
	}

	id := types.RouteID(resp.RequestID())
	handlers := c.handlers(id)
	if len(handlers) == 0 {
		c.logger.Debug().Str("id", id).Msg("No listener for frame")
		return
	}

	for _, h := range handlers {
		h(resp.Error, resp.Result)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	if c.config.PingInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			if err != nil {
				c.metrics.TransportErrorsTotal.WithLabelValues("ping").Inc()
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

// finish runs once the loops of conn have exited
func (c *Client) finish(conn *websocket.Conn, done chan struct{}, err error) {
	conn.Close()

	c.mu.Lock()
	expected := c.closing
	if c.conn == conn {
		c.conn = nil
		c.closing = false
	}
	handler := c.closeHandler
	c.mu.Unlock()
	close(done)

	if expected {
		return
	}

	if err == nil || errors.Is(err, errClosed) {
		err = errors.New("connection closed by node")
	}
	c.logger.Warn().Err(err).Msg("Connection lost")

	rpcErr := types.NewTransportError(err)
	for _, h := range c.allHandlers() {
		h(rpcErr, nil)
	}

	if handler != nil {
		handler(err)
	}
}
