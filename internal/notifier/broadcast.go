package notifier

import (
	"sync"
	"time"

	"github.com/nkkko/chainwatch/internal/metrics"
	"github.com/rs/zerolog/log"
)

// BroadcastBuffer batches published events and fans them out to every
// subscriber channel on a flush interval
type BroadcastBuffer struct {
	bufferSize    int
	flushInterval time.Duration

	// subscribersLock is held while sending so Unsubscribe never closes a
	// channel mid-send
	subscribers     map[string]chan *Event
	subscribersLock sync.RWMutex

	currentBuffer     []*Event
	currentBufferLock sync.Mutex

	forceFlush chan struct{}
	close      chan struct{}
	closeOnce  sync.Once
	done       chan struct{}

	metrics *metrics.Metrics
}

// NewBroadcastBuffer creates a broadcast buffer and starts its flush loop
func NewBroadcastBuffer(bufferSize int, flushInterval time.Duration) *BroadcastBuffer {
	b := &BroadcastBuffer{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		subscribers:   make(map[string]chan *Event),
		currentBuffer: make([]*Event, 0, bufferSize),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       metrics.GetMetrics(),
	}

	go b.bufferFlushLoop()

	return b
}

// Subscribe registers a subscriber channel with the given capacity
func (b *BroadcastBuffer) Subscribe(id string, buffer int) <-chan *Event {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	channel := make(chan *Event, buffer)
	b.subscribers[id] = channel

	return channel
}

// Unsubscribe removes a subscriber and closes its channel
func (b *BroadcastBuffer) Unsubscribe(id string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish queues an event for the next flush
func (b *BroadcastBuffer) Publish(event *Event) {
	b.currentBufferLock.Lock()
	defer b.currentBufferLock.Unlock()

	b.currentBuffer = append(b.currentBuffer, event)

	if len(b.currentBuffer) >= b.bufferSize {
		select {
		case b.forceFlush <- struct{}{}:
		default:
		}
	}
}

func (b *BroadcastBuffer) bufferFlushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.forceFlush:
			b.flush()
		case <-b.close:
			b.flush()
			return
		}
	}
}

// flush sends buffered events to all subscribers without blocking. Events
// for a subscriber whose channel is full are dropped.
func (b *BroadcastBuffer) flush() {
	b.currentBufferLock.Lock()
	buffer := b.currentBuffer
	if len(buffer) == 0 {
		b.currentBufferLock.Unlock()
		return
	}
	b.currentBuffer = make([]*Event, 0, b.bufferSize)
	b.currentBufferLock.Unlock()

	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	if len(b.subscribers) == 0 {
		return
	}

	start := time.Now()
	delivered := 0
	skipped := 0

	for id, ch := range b.subscribers {
		dropped := 0
		for _, event := range buffer {
			select {
			case ch <- event:
				delivered++
			default:
				dropped++
			}
		}
		if dropped > 0 {
			skipped += dropped
			log.Warn().
				Str("component", "notifier").
				Str("client_id", id).
				Int("dropped", dropped).
				Msg("Subscriber channel is full, dropping events")
		}
	}

	b.metrics.NotifierEventsDropped.Add(float64(skipped))
	delay := time.Since(start)
	b.metrics.NotifierEventDelay.Observe(delay.Seconds())

	if delay > 100*time.Millisecond {
		log.Warn().
			Str("component", "notifier").
			Dur("delay", delay).
			Int("events", len(buffer)).
			Int("subscribers", len(b.subscribers)).
			Int("delivered", delivered).
			Int("skipped", skipped).
			Msg("High latency in broadcast buffer flush")
	}
}

// Close flushes pending events, stops the flush loop and closes every
// subscriber channel
func (b *BroadcastBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.close)
		<-b.done

		b.subscribersLock.Lock()
		defer b.subscribersLock.Unlock()

		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
	})
	return nil
}
