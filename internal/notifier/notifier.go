// Package notifier streams decoded chain events to websocket clients of the
// admin server.
package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nkkko/chainwatch/internal/metrics"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event is one decoded chain event as written to stream clients
type Event struct {
	Type   types.EventType `json:"type"`
	Height int64           `json:"height,omitempty"`
	Data   interface{}     `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Time   time.Time       `json:"time"`
}

// Config contains notifier configuration
type Config struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Broadcast buffer size for batching events
	BroadcastBufferSize int

	// Flush interval for broadcast buffer
	BroadcastFlushInterval time.Duration

	// Per client queue length
	ClientBufferSize int

	HeartbeatInterval time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:            60 * time.Second,
		BroadcastBufferSize:    200,
		BroadcastFlushInterval: 50 * time.Millisecond,
		ClientBufferSize:       100,
		HeartbeatInterval:      15 * time.Second,
	}
}

// Client is a connected stream client
type Client struct {
	ID         string
	conn       *websocket.Conn
	events     <-chan *Event
	mu         sync.Mutex
	types      map[types.EventType]bool
	lastActive time.Time
}

func (c *Client) wants(t types.EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.types) == 0 || c.types[t]
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Notifier fans published events out to websocket clients
type Notifier struct {
	config          Config
	upgrader        websocket.Upgrader
	clients         map[string]*Client
	mu              sync.RWMutex
	broadcastBuffer *BroadcastBuffer
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

// New creates a notifier. Zero config fields take their defaults.
func New(config Config) *Notifier {
	defaults := DefaultConfig()
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.BroadcastBufferSize == 0 {
		config.BroadcastBufferSize = defaults.BroadcastBufferSize
	}
	if config.BroadcastFlushInterval == 0 {
		config.BroadcastFlushInterval = defaults.BroadcastFlushInterval
	}
	if config.ClientBufferSize == 0 {
		config.ClientBufferSize = defaults.ClientBufferSize
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}

	return &Notifier{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:         make(map[string]*Client),
		broadcastBuffer: NewBroadcastBuffer(config.BroadcastBufferSize, config.BroadcastFlushInterval),
		logger:          log.With().Str("component", "notifier").Logger(),
		metrics:         metrics.GetMetrics(),
	}
}

// Publish queues an event for every interested client
func (n *Notifier) Publish(event *Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	n.broadcastBuffer.Publish(event)
}

// Start removes idle clients until ctx is done
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info().Msg("Starting event notifier")

	ticker := time.NewTicker(n.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.performClientCleanup()
		case <-ctx.Done():
			return nil
		}
	}
}

// Clients returns the number of connected clients
func (n *Notifier) Clients() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// ServeHTTP upgrades the request to a websocket stream. The optional types
// query parameter is a comma separated list of event categories; clients can
// change it later by sending {"action":"subscribe","types":[...]}.
func (n *Notifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTypes(splitTypes(r.URL.Query().Get("types")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		ID:         uuid.NewString(),
		conn:       conn,
		types:      filter,
		lastActive: time.Now(),
	}
	client.events = n.broadcastBuffer.Subscribe(client.ID, n.config.ClientBufferSize)

	// Control frames count as activity
	conn.SetPingHandler(func(appData string) error {
		client.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		client.touch()
		return nil
	})

	n.mu.Lock()
	n.clients[client.ID] = client
	n.mu.Unlock()
	n.metrics.NotifierConnectionsActive.Inc()

	n.logger.Debug().Str("client_id", client.ID).Msg("Client connected")

	go n.readLoop(client)
	n.writeLoop(client)
}

// readLoop handles client messages until the connection fails
func (n *Notifier) readLoop(client *Client) {
	defer n.removeClient(client.ID)

	for {
		messageType, message, err := client.conn.ReadMessage()
		if err != nil {
			n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			return
		}
		client.touch()

		if messageType == websocket.TextMessage {
			n.processClientMessage(client, message)
		}
	}
}

// writeLoop is the only writer of the client connection
func (n *Notifier) writeLoop(client *Client) {
	defer n.removeClient(client.ID)

	heartbeat := time.NewTicker(n.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-client.events:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(time.Second))
				return
			}
			if !client.wants(event.Type) {
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				n.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to marshal event")
				continue
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
				return
			}
			n.metrics.NotifierEventsPublished.WithLabelValues(string(event.Type)).Inc()

		case <-heartbeat.C:
			msg := []byte(`{"type":"heartbeat","time":"` + time.Now().UTC().Format(time.RFC3339) + `"}`)
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (n *Notifier) processClientMessage(client *Client, message []byte) {
	var request struct {
		Action string   `json:"action"`
		Types  []string `json:"types,omitempty"`
	}

	if err := json.Unmarshal(message, &request); err != nil {
		n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to parse client message")
		return
	}

	switch request.Action {
	case "subscribe":
		filter, err := parseTypes(request.Types)
		if err != nil {
			n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Ignoring invalid stream filter")
			return
		}
		client.mu.Lock()
		client.types = filter
		client.mu.Unlock()

		n.logger.Debug().
			Str("client_id", client.ID).
			Strs("types", request.Types).
			Msg("Client updated stream filter")

	case "ping":

	default:
		n.logger.Debug().
			Str("client_id", client.ID).
			Str("action", request.Action).
			Msg("Unknown client action")
	}
}

// removeClient closes the client connection. It is safe to call more than
// once for the same client.
func (n *Notifier) removeClient(clientID string) {
	n.mu.Lock()
	client, exists := n.clients[clientID]
	if exists {
		delete(n.clients, clientID)
	}
	n.mu.Unlock()

	if !exists {
		return
	}

	client.conn.Close()
	n.broadcastBuffer.Unsubscribe(clientID)
	n.metrics.NotifierConnectionsActive.Dec()

	n.logger.Debug().Str("client_id", clientID).Msg("Client removed")
}

// performClientCleanup removes clients that have been idle for too long
func (n *Notifier) performClientCleanup() {
	now := time.Now()
	var idleClients []string

	n.mu.RLock()
	for id, client := range n.clients {
		client.mu.Lock()
		lastActive := client.lastActive
		client.mu.Unlock()

		if now.Sub(lastActive) > n.config.MaxIdleTime {
			idleClients = append(idleClients, id)
		}
	}
	n.mu.RUnlock()

	for _, id := range idleClients {
		n.removeClient(id)
		n.logger.Debug().Str("client_id", id).Msg("Removed idle client")
	}
}

// Shutdown closes the broadcast buffer and every client connection
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.logger.Info().Msg("Shutting down notifier")

	if err := n.broadcastBuffer.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Error closing broadcast buffer")
	}

	n.mu.RLock()
	ids := make([]string, 0, len(n.clients))
	for id := range n.clients {
		ids = append(ids, id)
	}
	n.mu.RUnlock()

	for _, id := range ids {
		n.removeClient(id)
	}

	n.logger.Info().Int("closed_clients", len(ids)).Msg("All client connections closed")
	return nil
}

func splitTypes(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTypes builds a client filter; an empty list accepts every category
func parseTypes(names []string) (map[types.EventType]bool, error) {
	filter := make(map[types.EventType]bool, len(names))
	for _, name := range names {
		t, err := types.ParseEventType(name)
		if err != nil {
			return nil, err
		}
		filter[t] = true
	}
	return filter, nil
}
