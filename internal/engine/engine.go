// Package engine runs chainwatch: it wires the configured store, codec and
// listener together, keeps the node connection up and serves the admin API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/chainwatch/internal/api"
	"github.com/nkkko/chainwatch/internal/config"
	"github.com/nkkko/chainwatch/internal/notifier"
	"github.com/nkkko/chainwatch/internal/telemetry"
	"github.com/nkkko/chainwatch/pkg/listener"
	"github.com/nkkko/chainwatch/pkg/query"
	"github.com/nkkko/chainwatch/pkg/store"
	"github.com/nkkko/chainwatch/pkg/txcodec"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Handlers receive decoded events. A nil handler is replaced by one that
// logs the event.
type Handlers struct {
	NewBlock            types.NewBlockCallback
	NewBlockHeader      types.NewBlockHeaderCallback
	ValidatorSetUpdates types.ValidatorSetUpdatesCallback
	Tx                  types.TxCallback
}

// Engine is the main coordinator of the chainwatch components
type Engine struct {
	config       *config.Config
	store        store.Store
	listener     *listener.EventListener
	api          *api.Server
	notifier     *notifier.Notifier
	events       []types.EventType
	txQuery      *query.Builder
	handlers     Handlers
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       zerolog.Logger
	eventLogger  zerolog.Logger
	telemetryFn  func(context.Context) error
}

// New validates cfg and builds every component. Nothing connects until
// Start.
func New(cfg *config.Config, handlers Handlers) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	events, err := cfg.EventTypes()
	if err != nil {
		return nil, err
	}
	txQuery, err := cfg.TxQuery()
	if err != nil {
		return nil, err
	}

	txDecoder, err := txcodec.New(cfg.ToCodecConfig())
	if err != nil {
		return nil, err
	}

	s, err := store.New(cfg.ToStoreConfig())
	if err != nil {
		return nil, err
	}

	l, err := listener.Dial(cfg.ToListenerConfig(),
		listener.WithStore(s),
		listener.WithTxDecoder(txDecoder),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	e := &Engine{
		config:       cfg,
		store:        s,
		listener:     l,
		events:       events,
		txQuery:      txQuery,
		handlers:     handlers,
		reconnectMin: time.Duration(cfg.Listener.ReconnectMinMs) * time.Millisecond,
		reconnectMax: time.Duration(cfg.Listener.ReconnectMaxMs) * time.Millisecond,
		logger:       log.With().Str("component", "engine").Logger(),
		eventLogger:  log.With().Str("component", "events").Logger(),
	}

	if cfg.Metrics.Enabled {
		var options []api.Option
		if cfg.Stream.Enabled {
			e.notifier = notifier.New(cfg.ToNotifierConfig())
			options = append(options, api.WithEventStream(e.notifier))
		}
		e.api = api.New(cfg.ToAPIConfig(), l, options...)
	}

	return e, nil
}

// Listener returns the event listener driven by the engine
func (e *Engine) Listener() *listener.EventListener {
	return e.listener
}

// Start subscribes to the configured events and runs until ctx is done.
// Subscriptions persisted by a durable store in a previous run are reused
// when they still match the configuration.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().
		Str("endpoint", e.config.Node.Endpoint).
		Str("store", e.config.Store.Backend).
		Msg("Starting chainwatch engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	if err := e.subscribe(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if e.api != nil {
		g.Go(func() error {
			return e.api.Start(ctx)
		})
	}

	if e.notifier != nil {
		g.Go(func() error {
			return e.notifier.Start(ctx)
		})
	}

	g.Go(func() error {
		return e.supervise(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Chainwatch engine stopped")
	return nil
}

// subscribe restores matching persisted subscriptions and creates the rest
func (e *Engine) subscribe(ctx context.Context) error {
	wanted := make(map[string]types.EventType, len(e.events))
	for _, t := range e.events {
		wanted[e.queryFor(t)] = t
	}

	covered := make(map[types.EventType]bool, len(e.events))
	restored, err := e.listener.Restore(ctx, func(r types.SubscriptionRecord) types.Callback {
		t, ok := wanted[r.Query]
		if !ok || t != r.EventType || covered[t] {
			return nil
		}
		covered[t] = true
		return e.callbackFor(t)
	})
	if err != nil {
		return fmt.Errorf("failed to restore subscriptions: %w", err)
	}

	for _, t := range e.events {
		if covered[t] {
			continue
		}
		var q *query.Builder
		if t == types.EventTx {
			q = e.txQuery
		}
		sub, err := e.listener.Subscribe(ctx, q, e.callbackFor(t))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", t, err)
		}
		e.logger.Info().Str("subscription", sub.ID).Str("query", sub.Query).Msg("Subscribed")
	}

	if restored > 0 {
		e.logger.Info().Int("restored", restored).Msg("Reusing persisted subscriptions")
	}
	return nil
}

// queryFor returns the query the listener builds for event type t
func (e *Engine) queryFor(t types.EventType) string {
	q := query.New()
	if t == types.EventTx {
		q = e.txQuery.Clone()
	}
	return q.AddCondition(query.KeyType, t.String()).Build()
}

// supervise connects and reconnects with exponential backoff until ctx is
// done. The listener replays every subscription on each connect.
func (e *Engine) supervise(ctx context.Context) error {
	backoff := e.reconnectMin

	for {
		if e.listener.State() == listener.StateDisconnected {
			if err := e.listener.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Node unreachable")

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, e.reconnectMax)
				continue
			}
			backoff = e.reconnectMin
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.reconnectMin):
		}
	}
}

// Shutdown closes the node connection and the store. Subscriptions kept by
// a durable store are reused by the next run.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down chainwatch engine")

	err := e.listener.Shutdown(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down listener")
	}

	if e.notifier != nil {
		if nerr := e.notifier.Shutdown(ctx); nerr != nil {
			e.logger.Error().Err(nerr).Msg("Failed to shut down notifier")
		}
	}

	if e.telemetryFn != nil {
		if terr := e.telemetryFn(ctx); terr != nil {
			e.logger.Error().Err(terr).Msg("Failed to shut down telemetry")
		}
	}

	return err
}

// callbackFor returns the callback registered for t. Every event is handed
// to the configured handler, or logged, and then published to the stream.
func (e *Engine) callbackFor(t types.EventType) types.Callback {
	switch t {
	case types.EventNewBlock:
		handle := e.handlers.NewBlock
		if handle == nil {
			handle = e.logNewBlock
		}
		return types.NewBlockCallback(func(ev *types.EventDataNewBlock, err error) {
			handle(ev, err)
			var height int64
			if ev != nil && ev.Block != nil {
				height = ev.Block.Header.Height.Int64()
			}
			e.publish(t, height, ev, err)
		})
	case types.EventNewBlockHeader:
		handle := e.handlers.NewBlockHeader
		if handle == nil {
			handle = e.logNewBlockHeader
		}
		return types.NewBlockHeaderCallback(func(ev *types.EventDataNewBlockHeader, err error) {
			handle(ev, err)
			var height int64
			if ev != nil {
				height = ev.Header.Height.Int64()
			}
			e.publish(t, height, ev, err)
		})
	case types.EventValidatorSetUpdates:
		handle := e.handlers.ValidatorSetUpdates
		if handle == nil {
			handle = e.logValidatorSetUpdates
		}
		return types.ValidatorSetUpdatesCallback(func(updates []types.EventDataValidatorSetUpdate, err error) {
			handle(updates, err)
			e.publish(t, 0, updates, err)
		})
	case types.EventTx:
		handle := e.handlers.Tx
		if handle == nil {
			handle = e.logTx
		}
		return types.TxCallback(func(ev *types.EventDataResultTx, err error) {
			handle(ev, err)
			var height int64
			if ev != nil {
				height = ev.Height.Int64()
			}
			e.publish(t, height, ev, err)
		})
	default:
		return nil
	}
}

func (e *Engine) publish(t types.EventType, height int64, data interface{}, err error) {
	if e.notifier == nil {
		return
	}
	event := &notifier.Event{Type: t, Height: height}
	if err != nil {
		event.Error = err.Error()
	} else {
		event.Data = data
	}
	e.notifier.Publish(event)
}

func (e *Engine) logError(t types.EventType, err error) {
	e.eventLogger.Warn().Err(err).Str("event_type", t.String()).Msg("Event error")
}

func (e *Engine) logNewBlock(ev *types.EventDataNewBlock, err error) {
	if err != nil {
		e.logError(types.EventNewBlock, err)
		return
	}
	if ev.Block == nil {
		return
	}
	e.eventLogger.Info().
		Str("event_type", types.EventNewBlock.String()).
		Str("chain_id", ev.Block.Header.ChainID).
		Int64("height", ev.Block.Header.Height.Int64()).
		Int("txs", len(ev.Block.Data.Txs)).
		Msg("New block")
}

func (e *Engine) logNewBlockHeader(ev *types.EventDataNewBlockHeader, err error) {
	if err != nil {
		e.logError(types.EventNewBlockHeader, err)
		return
	}
	e.eventLogger.Info().
		Str("event_type", types.EventNewBlockHeader.String()).
		Str("chain_id", ev.Header.ChainID).
		Int64("height", ev.Header.Height.Int64()).
		Time("time", ev.Header.Time).
		Msg("New block header")
}

func (e *Engine) logValidatorSetUpdates(updates []types.EventDataValidatorSetUpdate, err error) {
	if err != nil {
		e.logError(types.EventValidatorSetUpdates, err)
		return
	}
	for _, u := range updates {
		e.eventLogger.Info().
			Str("event_type", types.EventValidatorSetUpdates.String()).
			Str("address", u.Address).
			Int64("voting_power", u.VotingPower.Int64()).
			Msg("Validator set update")
	}
}

func (e *Engine) logTx(ev *types.EventDataResultTx, err error) {
	if err != nil {
		e.logError(types.EventTx, err)
		return
	}
	event := e.eventLogger.Info().
		Str("event_type", types.EventTx.String()).
		Str("hash", ev.Hash).
		Int64("height", ev.Height.Int64()).
		Uint32("code", ev.Result.Code).
		Int("tags", len(ev.Result.Tags))
	if ev.Tx != nil && ev.Tx.Body.Memo != "" {
		event = event.Str("memo", ev.Tx.Body.Memo)
	}
	event.Msg("Transaction")
}
