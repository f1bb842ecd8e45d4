// Package client talks to the admin API of a running chainwatch process.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/chainwatch/pkg/types"
)

// Client is an HTTP client for the chainwatch admin API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a client for the admin server at baseURL
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Accept", "application/json")

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Status is the listener state reported by the admin server
type Status struct {
	State         string                     `json:"state"`
	Subscriptions []types.SubscriptionRecord `json:"subscriptions,omitempty"`
}

// Healthy reports whether the process answers its liveness probe
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.do(ctx, "/healthz")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Ready returns the connection state and whether the listener is connected
func (c *Client) Ready(ctx context.Context) (string, bool, error) {
	u, err := c.url("/readyz")
	if err != nil {
		return "", false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", false, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	// 503 is a valid answer for a listener that is not connected
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return "", false, apiError(resp)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", false, fmt.Errorf("failed to decode response: %w", err)
	}
	return status.State, resp.StatusCode == http.StatusOK, nil
}

// Subscriptions lists the subscriptions registered by the listener
func (c *Client) Subscriptions(ctx context.Context) (*Status, error) {
	resp, err := c.do(ctx, "/subscriptions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

// Event is one event received from the stream. Data holds the decoded
// event as JSON.
type Event struct {
	Type   types.EventType `json:"type"`
	Height int64           `json:"height,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Time   time.Time       `json:"time"`
}

// Stream opens the live event stream. An empty eventTypes receives every
// category the process subscribes to.
func (c *Client) Stream(ctx context.Context, eventTypes ...types.EventType) (*Subscription, error) {
	u, err := c.url("/events")
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	if len(eventTypes) > 0 {
		names := make([]string, len(eventTypes))
		for i, t := range eventTypes {
			names[i] = t.String()
		}
		q := u.Query()
		q.Set("types", strings.Join(names, ","))
		u.RawQuery = q.Encode()
	}

	conn, resp, err := c.websocketDialer.DialContext(ctx, u.String(), c.headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}

	sub := &Subscription{
		conn:   conn,
		Events: make(chan *Event, 100),
		Done:   make(chan struct{}),
	}

	go sub.receiveEvents()

	return sub, nil
}

func (c *Client) url(path string) (*url.URL, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid admin URL %q: %w", c.baseURL, err)
	}
	u.Path = path
	return u, nil
}

func (c *Client) setHeaders(req *http.Request) {
	for k, v := range c.headers {
		req.Header[k] = v
	}
}

// do makes a GET request and fails on error statuses
func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	u, err := c.url(path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	return resp, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
	}

	return fmt.Errorf("API error (%d): %s", resp.StatusCode, resp.Status)
}

// Subscription is an open event stream. Events is closed when the stream
// ends.
type Subscription struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	Events  chan *Event
	Done    chan struct{}
}

// SetFilter changes the event categories delivered on the stream
func (s *Subscription) SetFilter(eventTypes ...types.EventType) error {
	names := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		names[i] = t.String()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"types":  names,
	})
}

func (s *Subscription) receiveEvents() {
	defer func() {
		close(s.Events)
		close(s.Done)
		s.conn.Close()
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Type == "heartbeat" {
			continue
		}

		select {
		case s.Events <- &event:
		default:
			// Channel is full, drop event
		}
	}
}

// Close closes the stream and waits for the reader to stop
func (s *Subscription) Close() error {
	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.conn.Close()
		<-s.Done
	}

	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
