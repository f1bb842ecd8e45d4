// Package listener manages event subscriptions on a node connection and
// restores them whenever the connection is re-established.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/nkkko/chainwatch/internal/metrics"
	"github.com/nkkko/chainwatch/internal/telemetry"
	"github.com/nkkko/chainwatch/pkg/decoder"
	"github.com/nkkko/chainwatch/pkg/query"
	"github.com/nkkko/chainwatch/pkg/store"
	"github.com/nkkko/chainwatch/pkg/txcodec"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/nkkko/chainwatch/pkg/wsclient"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Connection is the transport the listener drives. *wsclient.Client
// implements it.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, method, id string, params interface{}) error
	AddListener(id string, h types.FrameHandler)
	RemoveListeners(id string)
	SetCloseHandler(fn func(error))
}

// State of the listener's connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultUnsubscribeTimeout bounds the wait for an unsubscribe acknowledgment
const DefaultUnsubscribeTimeout = 10 * time.Second

// Config configures a listener created with Dial
type Config struct {
	Node               wsclient.Config
	UnsubscribeTimeout time.Duration
}

// DefaultConfig returns the default listener configuration
func DefaultConfig() Config {
	return Config{
		Node:               wsclient.DefaultConfig(),
		UnsubscribeTimeout: DefaultUnsubscribeTimeout,
	}
}

// newInstanceID returns the prefix that keeps the ids of one listener apart
// from those of another listener on the same node
var newInstanceID = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// EventListener subscribes to node events and keeps its subscriptions alive
// across reconnects.
type EventListener struct {
	conn               Connection
	store              store.Store
	txDecoder          txcodec.Decoder
	decoder            *decoder.Decoder
	unsubscribeTimeout time.Duration
	logger             zerolog.Logger
	metrics            *metrics.Metrics

	// mu serializes lifecycle and registry changes. It is never held while
	// a callback runs.
	mu       sync.Mutex
	state    atomic.Int32
	instance string
	seq      atomic.Uint64

	// subscription ids with an unsubscribe in flight
	pending mapset.Set[string]
}

// Option configures an EventListener
type Option func(*EventListener)

// WithStore sets the subscription registry. The default is an in-memory
// store.
func WithStore(s store.Store) Option {
	return func(l *EventListener) {
		l.store = s
	}
}

// WithTxDecoder sets the transaction decoder used for NewBlock and Tx
// events
func WithTxDecoder(d txcodec.Decoder) Option {
	return func(l *EventListener) {
		l.txDecoder = d
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(l *EventListener) {
		l.logger = logger
	}
}

// WithUnsubscribeTimeout bounds the wait for an unsubscribe acknowledgment
func WithUnsubscribeTimeout(d time.Duration) Option {
	return func(l *EventListener) {
		if d > 0 {
			l.unsubscribeTimeout = d
		}
	}
}

// New creates a listener on conn. The listener installs itself as the
// connection's close handler.
func New(conn Connection, options ...Option) (*EventListener, error) {
	if conn == nil {
		return nil, types.NewConfigurationError("connection is required")
	}

	l := &EventListener{
		conn:               conn,
		unsubscribeTimeout: DefaultUnsubscribeTimeout,
		logger:             log.With().Str("component", "listener").Logger(),
		metrics:            metrics.GetMetrics(),
		instance:           newInstanceID(),
		pending:            mapset.NewSet[string](),
	}

	for _, option := range options {
		option(l)
	}

	if l.store == nil {
		l.store = store.NewMemoryStore()
	}
	if l.txDecoder == nil {
		l.txDecoder = txcodec.ProtoDecoder{}
	}
	l.decoder = decoder.New(l.txDecoder, l.logger.With().Str("component", "decoder").Logger())

	l.setState(StateDisconnected)
	conn.SetCloseHandler(l.handleClose)

	return l, nil
}

// Dial creates a listener on a websocket connection built from config. It
// fails fast on an empty or malformed endpoint; no connection is made until
// Connect.
func Dial(config Config, options ...Option) (*EventListener, error) {
	client, err := wsclient.New(config.Node)
	if err != nil {
		return nil, err
	}

	options = append([]Option{WithUnsubscribeTimeout(config.UnsubscribeTimeout)}, options...)
	return New(client, options...)
}

// State returns the connection state
func (l *EventListener) State() State {
	return State(l.state.Load())
}

func (l *EventListener) setState(s State) {
	l.state.Store(int32(s))
	l.metrics.ConnectionState.Set(float64(s))
}

func (l *EventListener) transition(from, to State) bool {
	if !l.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	l.metrics.ConnectionState.Set(float64(to))
	return true
}

// Connect opens the connection and re-sends every stored subscription.
// Connecting an already connected listener is a no-op.
func (l *EventListener) Connect(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "listener.Connect")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == StateConnected {
		return nil
	}

	start := time.Now()
	l.setState(StateConnecting)

	if err := l.conn.Connect(ctx); err != nil {
		l.setState(StateDisconnected)
		telemetry.MarkSpanError(ctx, err)
		l.logger.Error().Err(err).Msg("Failed to connect")
		return fmt.Errorf("failed to connect: %w", err)
	}
	// The close handler may already have run for this connection
	if !l.transition(StateConnecting, StateConnected) {
		err := fmt.Errorf("connection lost while connecting: %w", types.ErrNotConnected)
		telemetry.MarkSpanError(ctx, err)
		l.logger.Error().Err(err).Msg("Failed to connect")
		return err
	}
	l.metrics.ConnectDuration.Observe(time.Since(start).Seconds())

	if err := l.replay(ctx); err != nil {
		telemetry.MarkSpanError(ctx, err)
		l.logger.Error().Err(err).Msg("Failed to replay subscriptions")
		if derr := l.conn.Disconnect(ctx); derr != nil {
			l.logger.Warn().Err(derr).Msg("Failed to close connection after replay failure")
		}
		l.setState(StateDisconnected)
		return fmt.Errorf("failed to replay subscriptions: %w", err)
	}

	l.logger.Info().Dur("duration", time.Since(start)).Msg("Connected")
	return nil
}

// replay re-attaches a fresh handler and re-sends subscribe for every
// stored subscription. Must be called with mu held.
func (l *EventListener) replay(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "listener.replay")
	defer span.End()

	subs, err := l.store.GetAll()
	if err != nil {
		return err
	}

	var errs []error
	replayed := 0
	for _, sub := range sorted(subs) {
		if l.pending.Contains(sub.ID) {
			// the unsubscribe that was in flight died with the old connection
			continue
		}

		handler, err := l.decoder.Bind(sub.Callback)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}

		l.conn.RemoveListeners(sub.ID)
		l.conn.AddListener(sub.ID, handler)

		if err := l.conn.Send(ctx, types.MethodSubscribe, sub.ID, types.QueryParams{Query: sub.Query}); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}

		l.metrics.SubscribeRequestsTotal.WithLabelValues(string(sub.EventType), "replay").Inc()
		telemetry.AddSpanEvent(ctx, "subscription.replayed", attribute.String("subscription", sub.ID))
		replayed++
	}

	l.metrics.ReplayedSubscriptions.Add(float64(replayed))
	span.SetAttributes(attribute.Int("subscriptions", replayed))
	if replayed > 0 {
		l.logger.Info().Int("subscriptions", replayed).Msg("Replayed subscriptions")
	}

	return errors.Join(errs...)
}

// Disconnect closes the connection and forgets every subscription
func (l *EventListener) Disconnect(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "listener.Disconnect")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.conn.Disconnect(ctx); err != nil {
		telemetry.MarkSpanError(ctx, err)
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	subs, err := l.store.GetAll()
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to list subscriptions")
	}
	for id := range subs {
		l.conn.RemoveListeners(id)
		l.conn.RemoveListeners(types.UnsubscribeID(id))
	}

	if err := l.store.Clear(); err != nil {
		telemetry.MarkSpanError(ctx, err)
		return fmt.Errorf("failed to clear subscriptions: %w", err)
	}

	l.setState(StateDisconnected)
	l.metrics.SubscriptionsActive.Set(0)
	l.logger.Info().Int("subscriptions", len(subs)).Msg("Disconnected")

	return nil
}

// handleClose runs when the transport drops. Subscriptions stay stored so
// the next Connect replays them.
func (l *EventListener) handleClose(err error) {
	l.setState(StateDisconnected)
	l.logger.Warn().Err(err).Msg("Connection lost, subscriptions will be replayed on next connect")
}

// Subscribe registers cb for events of its category matching q. q may be
// nil; it is not modified. The subscribe request is sent right away when
// connected, otherwise on the next Connect.
func (l *EventListener) Subscribe(ctx context.Context, q *query.Builder, cb types.Callback) (*types.Subscription, error) {
	if cb == nil {
		return nil, types.ErrNilCallback
	}
	handler, err := l.decoder.Bind(cb)
	if err != nil {
		return nil, err
	}

	eventType := cb.EventType()
	sub := &types.Subscription{
		Query:     q.Clone().AddCondition(query.KeyType, eventType.String()).Build(),
		EventType: eventType,
		Callback:  cb,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sub.ID = l.nextID(eventType)

	if err := l.store.Put(sub.ID, sub); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}
	l.conn.AddListener(sub.ID, handler)

	if l.State() == StateConnected {
		if err := l.conn.Send(ctx, types.MethodSubscribe, sub.ID, types.QueryParams{Query: sub.Query}); err != nil {
			l.conn.RemoveListeners(sub.ID)
			if derr := l.store.Delete(sub.ID); derr != nil {
				l.logger.Warn().Err(derr).Str("subscription", sub.ID).Msg("Failed to roll back subscription")
			}
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
		l.metrics.SubscribeRequestsTotal.WithLabelValues(string(eventType), "initial").Inc()
	}

	l.metrics.SubscriptionsActive.Inc()
	l.logger.Debug().
		Str("subscription", sub.ID).
		Str("query", sub.Query).
		Bool("deferred", l.State() != StateConnected).
		Msg("Subscribed")

	return sub, nil
}

// SubscribeNewBlock subscribes to NewBlock events
func (l *EventListener) SubscribeNewBlock(ctx context.Context, cb types.NewBlockCallback) (*types.Subscription, error) {
	return l.Subscribe(ctx, nil, cb)
}

// SubscribeNewBlockHeader subscribes to NewBlockHeader events
func (l *EventListener) SubscribeNewBlockHeader(ctx context.Context, cb types.NewBlockHeaderCallback) (*types.Subscription, error) {
	return l.Subscribe(ctx, nil, cb)
}

// SubscribeValidatorSetUpdates subscribes to ValidatorSetUpdates events
func (l *EventListener) SubscribeValidatorSetUpdates(ctx context.Context, cb types.ValidatorSetUpdatesCallback) (*types.Subscription, error) {
	return l.Subscribe(ctx, nil, cb)
}

// SubscribeTx subscribes to Tx events matching q
func (l *EventListener) SubscribeTx(ctx context.Context, q *query.Builder, cb types.TxCallback) (*types.Subscription, error) {
	return l.Subscribe(ctx, q, cb)
}

// Unsubscribe cancels sub and waits for the node to acknowledge. However
// the wait ends, the subscription's handlers and store entry are removed
// before Unsubscribe returns. It must not be called from a callback.
func (l *EventListener) Unsubscribe(ctx context.Context, sub *types.Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is required")
	}

	ctx, span := telemetry.StartSpan(ctx, "listener.Unsubscribe", attribute.String("subscription", sub.ID))
	defer span.End()

	ackID := types.UnsubscribeID(sub.ID)

	l.mu.Lock()
	if !l.pending.Add(sub.ID) {
		l.mu.Unlock()
		return fmt.Errorf("unsubscribe of %s already in progress", sub.ID)
	}

	if l.State() != StateConnected {
		l.teardown(sub.ID)
		l.mu.Unlock()
		l.metrics.UnsubscribeTotal.WithLabelValues("local").Inc()
		return nil
	}

	ack := make(chan *types.Error, 1)
	l.conn.AddListener(ackID, func(rpcErr *types.Error, _ json.RawMessage) {
		select {
		case ack <- rpcErr:
		default:
		}
	})

	if err := l.conn.Send(ctx, types.MethodUnsubscribe, ackID, types.QueryParams{Query: sub.Query}); err != nil {
		l.teardown(sub.ID)
		l.mu.Unlock()
		l.metrics.UnsubscribeTotal.WithLabelValues("error").Inc()
		telemetry.MarkSpanError(ctx, err)
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	l.mu.Unlock()

	timer := time.NewTimer(l.unsubscribeTimeout)
	defer timer.Stop()

	var (
		result error
		label  string
	)
	select {
	case rpcErr := <-ack:
		label = "acked"
		if rpcErr != nil {
			label = "rejected"
			result = rpcErr
		}
	case <-timer.C:
		label = "timeout"
		result = fmt.Errorf("%w: %s after %s", types.ErrUnsubscribeTimeout, sub.ID, l.unsubscribeTimeout)
	case <-ctx.Done():
		label = "canceled"
		result = ctx.Err()
	}

	l.mu.Lock()
	l.teardown(sub.ID)
	l.mu.Unlock()

	l.metrics.UnsubscribeTotal.WithLabelValues(label).Inc()
	if result != nil {
		telemetry.MarkSpanError(ctx, result)
		l.logger.Warn().Err(result).Str("subscription", sub.ID).Msg("Unsubscribe not acknowledged")
		return result
	}

	l.logger.Debug().Str("subscription", sub.ID).Msg("Unsubscribed")
	return nil
}

// teardown removes every trace of subscription id. Must be called with mu
// held.
func (l *EventListener) teardown(id string) {
	l.conn.RemoveListeners(id)
	l.conn.RemoveListeners(types.UnsubscribeID(id))
	l.pending.Remove(id)

	if err := l.store.Delete(id); err != nil {
		l.logger.Warn().Err(err).Str("subscription", id).Msg("Failed to delete subscription")
	}
	l.refreshActive()
}

// Restore re-registers subscriptions persisted by a durable store in a
// previous run. callbackFor supplies the callback for each record; records
// it returns nil for, or a callback of the wrong category, are deleted.
// Restored subscriptions are sent right away when connected, otherwise on
// the next Connect. Stores that cannot list records restore nothing.
func (l *EventListener) Restore(ctx context.Context, callbackFor func(types.SubscriptionRecord) types.Callback) (int, error) {
	lister, ok := l.store.(store.RecordLister)
	if !ok {
		return 0, nil
	}

	records, err := lister.Records()
	if err != nil {
		return 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	restored := 0
	var errs []error
	for _, record := range records {
		cb := callbackFor(record)
		var handler types.FrameHandler
		if cb != nil && cb.EventType() == record.EventType {
			handler, _ = l.decoder.Bind(cb)
		}
		if handler == nil {
			if derr := l.store.Delete(record.ID); derr != nil {
				errs = append(errs, derr)
			}
			l.logger.Info().Str("subscription", record.ID).Msg("Dropped persisted subscription without callback")
			continue
		}

		sub := record.Bind(cb)
		if err := l.store.Put(sub.ID, sub); err != nil {
			errs = append(errs, err)
			continue
		}

		l.conn.RemoveListeners(sub.ID)
		l.conn.AddListener(sub.ID, handler)

		if l.State() == StateConnected {
			if err := l.conn.Send(ctx, types.MethodSubscribe, sub.ID, types.QueryParams{Query: sub.Query}); err != nil {
				errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
				continue
			}
			l.metrics.SubscribeRequestsTotal.WithLabelValues(string(sub.EventType), "replay").Inc()
		}
		restored++
	}

	l.refreshActive()
	l.logger.Info().Int("restored", restored).Int("records", len(records)).Msg("Restored persisted subscriptions")

	return restored, errors.Join(errs...)
}

// Subscriptions returns the active subscriptions keyed by id
func (l *EventListener) Subscriptions() (map[string]*types.Subscription, error) {
	return l.store.GetAll()
}

// Shutdown closes the connection without forgetting subscriptions and
// releases the store. A durable store keeps its records for Restore in the
// next process; use Disconnect to drop them instead.
func (l *EventListener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if err := l.conn.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to disconnect: %w", err))
	}
	l.setState(StateDisconnected)

	if err := l.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}

func (l *EventListener) nextID(eventType types.EventType) string {
	return fmt.Sprintf("%s-%s-%d", eventType, l.instance, l.seq.Add(1))
}

func (l *EventListener) refreshActive() {
	subs, err := l.store.GetAll()
	if err != nil {
		return
	}
	l.metrics.SubscriptionsActive.Set(float64(len(subs)))
}

// sorted returns subs ordered by id so replay is deterministic
func sorted(subs map[string]*types.Subscription) []*types.Subscription {
	out := make([]*types.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
