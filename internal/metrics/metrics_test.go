package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	// Get metrics instance
	metrics := GetMetrics()

	// Verify it's not nil
	assert.NotNil(t, metrics, "Metrics should not be nil")

	// Call again to test singleton behavior
	metrics2 := GetMetrics()

	// Verify both instances are the same
	assert.Same(t, metrics, metrics2, "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	// Listener metrics
	assert.NotNil(t, m.SubscriptionsActive)
	assert.NotNil(t, m.SubscribeRequestsTotal)
	assert.NotNil(t, m.UnsubscribeTotal)
	assert.NotNil(t, m.ReplayedSubscriptions)
	assert.NotNil(t, m.ConnectDuration)
	assert.NotNil(t, m.ConnectionState)

	// Decoder metrics
	assert.NotNil(t, m.FramesReceivedTotal)
	assert.NotNil(t, m.FramesDroppedTotal)
	assert.NotNil(t, m.DecodeErrorsTotal)
	assert.NotNil(t, m.CallbackDuration)

	// Transport metrics
	assert.NotNil(t, m.TransportMessagesTotal)
	assert.NotNil(t, m.TransportErrorsTotal)
	assert.NotNil(t, m.TransportMessageBytes)

	// Store metrics
	assert.NotNil(t, m.StoreOperations)
	assert.NotNil(t, m.StoreOperationDuration)

	// Codec metrics
	assert.NotNil(t, m.TxCacheHitsTotal)
	assert.NotNil(t, m.TxCacheMissesTotal)
	assert.NotNil(t, m.TxDecodeDuration)

	// Event stream metrics
	assert.NotNil(t, m.NotifierConnectionsActive)
	assert.NotNil(t, m.NotifierEventsPublished)
	assert.NotNil(t, m.NotifierEventsDropped)
	assert.NotNil(t, m.NotifierEventDelay)
}

func TestCounterOperations(t *testing.T) {
	m := GetMetrics()

	before := testutil.ToFloat64(m.StoreOperations.WithLabelValues("test", "put", "true"))
	m.StoreOperations.WithLabelValues("test", "put", "true").Inc()
	m.StoreOperations.WithLabelValues("test", "put", "true").Add(2)

	assert.Equal(t, before+3, testutil.ToFloat64(m.StoreOperations.WithLabelValues("test", "put", "true")))

	m.ConnectionState.Set(StateConnected)
	assert.Equal(t, float64(StateConnected), testutil.ToFloat64(m.ConnectionState))
}

func BenchmarkMetricsOperations(b *testing.B) {
	// Create a new registry for isolated benchmarking
	registry := prometheus.NewRegistry()

	counterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_frames_total",
			Help: "Benchmark counter vec",
		},
		[]string{"event_type"},
	)
	registry.MustRegister(counterVec)

	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchmark_histogram",
			Help:    "Benchmark histogram",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
	)
	registry.MustRegister(histogram)

	b.Run("CounterVec.WithLabelValues", func(b *testing.B) {
		types := []string{"NewBlock", "NewBlockHeader", "ValidatorSetUpdates", "Tx"}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			counterVec.WithLabelValues(types[i%len(types)]).Inc()
		}
	})

	b.Run("Histogram.Observe", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			histogram.Observe(float64(i) / 1000.0)
		}
	})
}
