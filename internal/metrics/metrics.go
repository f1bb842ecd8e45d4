package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Connection state values reported by ConnectionState
const (
	StateDisconnected = 0
	StateConnecting   = 1
	StateConnected    = 2
)

// Metrics holds Prometheus metrics for chainwatch
type Metrics struct {
	// Listener metrics
	SubscriptionsActive    prometheus.Gauge
	SubscribeRequestsTotal *prometheus.CounterVec
	UnsubscribeTotal       *prometheus.CounterVec
	ReplayedSubscriptions  prometheus.Counter
	ConnectDuration        prometheus.Histogram
	ConnectionState        prometheus.Gauge

	// Decoder metrics
	FramesReceivedTotal *prometheus.CounterVec
	FramesDroppedTotal  *prometheus.CounterVec
	DecodeErrorsTotal   *prometheus.CounterVec
	CallbackDuration    *prometheus.HistogramVec

	// Transport metrics
	TransportMessagesTotal *prometheus.CounterVec
	TransportErrorsTotal   *prometheus.CounterVec
	TransportMessageBytes  *prometheus.HistogramVec

	// Store metrics
	StoreOperations        *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Codec metrics
	TxCacheHitsTotal   prometheus.Counter
	TxCacheMissesTotal prometheus.Counter
	TxDecodeDuration   prometheus.Histogram

	// Event stream metrics
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierEventsDropped     prometheus.Counter
	NotifierEventDelay        prometheus.Histogram
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Listener metrics
	m.SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainwatch_subscriptions_active",
			Help: "Number of subscriptions currently registered",
		},
	)

	m.SubscribeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_subscribe_requests_total",
			Help: "Total number of subscribe requests sent to the node",
		},
		[]string{"event_type", "kind"}, // kind: initial, replay
	)

	m.UnsubscribeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_unsubscribe_total",
			Help: "Total number of unsubscribe calls by outcome",
		},
		[]string{"result"}, // acked, rejected, timeout, canceled, local
	)

	m.ReplayedSubscriptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainwatch_replayed_subscriptions_total",
			Help: "Total number of subscriptions replayed after a connect",
		},
	)

	m.ConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainwatch_connect_duration_seconds",
			Help:    "Time taken to connect and replay subscriptions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
	)

	m.ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainwatch_connection_state",
			Help: "Listener connection state (0 disconnected, 1 connecting, 2 connected)",
		},
	)

	// Decoder metrics
	m.FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_frames_received_total",
			Help: "Total number of frames handed to decoders",
		},
		[]string{"event_type"},
	)

	m.FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_frames_dropped_total",
			Help: "Total number of frames ignored without a callback",
		},
		[]string{"event_type", "reason"}, // reason: empty, shape
	)

	m.DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_decode_errors_total",
			Help: "Total number of errors reported to callbacks",
		},
		[]string{"event_type", "error_type"}, // error_type: rpc, tx, tag
	)

	m.CallbackDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainwatch_callback_duration_seconds",
			Help:    "Time spent decoding a frame and running its callback in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"event_type"},
	)

	// Transport metrics
	m.TransportMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_transport_messages_total",
			Help: "Total number of websocket messages",
		},
		[]string{"direction"}, // in, out
	)

	m.TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_transport_errors_total",
			Help: "Total number of transport errors",
		},
		[]string{"error_type"}, // dial, read, write, decode
	)

	m.TransportMessageBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainwatch_transport_message_bytes",
			Help:    "Size of websocket messages in bytes",
			Buckets: prometheus.ExponentialBuckets(128, 2, 14), // from 128B to ~1MB
		},
		[]string{"direction"},
	)

	// Store metrics
	m.StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_store_operations_total",
			Help: "Total number of subscription store operations",
		},
		[]string{"backend", "operation", "success"},
	)

	m.StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainwatch_store_operation_duration_seconds",
			Help:    "Duration of subscription store operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"backend", "operation"},
	)

	// Codec metrics
	m.TxCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainwatch_tx_cache_hits_total",
			Help: "Total number of decoded transactions served from cache",
		},
	)

	m.TxCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainwatch_tx_cache_misses_total",
			Help: "Total number of transactions decoded without a cache hit",
		},
	)

	m.TxDecodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainwatch_tx_decode_duration_seconds",
			Help:    "Duration of transaction decoding in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12), // from 10us to ~20ms
		},
	)

	// Event stream metrics
	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainwatch_stream_connections_active",
			Help: "Number of clients connected to the event stream",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainwatch_stream_events_published_total",
			Help: "Total number of events written to stream clients",
		},
		[]string{"event_type"},
	)

	m.NotifierEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainwatch_stream_events_dropped_total",
			Help: "Total number of events dropped for slow stream clients",
		},
	)

	m.NotifierEventDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainwatch_stream_flush_duration_seconds",
			Help:    "Time taken to fan a batch of events out to stream clients",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15), // from 10us to ~160ms
		},
	)

	return m
}
