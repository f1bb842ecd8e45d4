// Package decoder turns raw event frames into typed values and hands them
// to subscription callbacks.
package decoder

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nkkko/chainwatch/internal/metrics"
	"github.com/nkkko/chainwatch/pkg/txcodec"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Drop reasons reported in metrics
const (
	dropEmpty = "empty"
	dropShape = "shape"
)

// Decoder decodes frames for each event category.
//
// Every method follows the same order: a frame carrying an rpc error first
// invokes the callback with that error, then the payload is processed
// anyway. Frames lacking the expected fields (the subscribe acknowledgment
// among them) are ignored without invoking the callback.
type Decoder struct {
	txDecoder txcodec.Decoder
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// New creates a decoder. A nil txDecoder falls back to txcodec.ProtoDecoder.
func New(txDecoder txcodec.Decoder, logger ...zerolog.Logger) *Decoder {
	if txDecoder == nil {
		txDecoder = txcodec.ProtoDecoder{}
	}

	l := log.With().Str("component", "decoder").Logger()
	if len(logger) > 0 {
		l = logger[0]
	}

	return &Decoder{
		txDecoder: txDecoder,
		logger:    l,
		metrics:   metrics.GetMetrics(),
	}
}

// Bind returns the frame handler that decodes frames for cb's category and
// invokes cb
func (d *Decoder) Bind(cb types.Callback) (types.FrameHandler, error) {
	var handle types.FrameHandler

	switch c := cb.(type) {
	case types.NewBlockCallback:
		if c == nil {
			return nil, types.ErrNilCallback
		}
		handle = func(rpcErr *types.Error, data json.RawMessage) { d.NewBlock(c, rpcErr, data) }
	case types.NewBlockHeaderCallback:
		if c == nil {
			return nil, types.ErrNilCallback
		}
		handle = func(rpcErr *types.Error, data json.RawMessage) { d.NewBlockHeader(c, rpcErr, data) }
	case types.ValidatorSetUpdatesCallback:
		if c == nil {
			return nil, types.ErrNilCallback
		}
		handle = func(rpcErr *types.Error, data json.RawMessage) { d.ValidatorSetUpdates(c, rpcErr, data) }
	case types.TxCallback:
		if c == nil {
			return nil, types.ErrNilCallback
		}
		handle = func(rpcErr *types.Error, data json.RawMessage) { d.Tx(c, rpcErr, data) }
	case nil:
		return nil, types.ErrNilCallback
	default:
		return nil, fmt.Errorf("%w: callback %T", types.ErrUnknownEventType, cb)
	}

	eventType := cb.EventType().String()
	return func(rpcErr *types.Error, data json.RawMessage) {
		start := time.Now()
		d.metrics.FramesReceivedTotal.WithLabelValues(eventType).Inc()
		handle(rpcErr, data)
		d.metrics.CallbackDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}, nil
}

// NewBlock decodes a NewBlock frame, including every transaction of the block
func (d *Decoder) NewBlock(cb types.NewBlockCallback, rpcErr *types.Error, data json.RawMessage) {
	d.reportRPCError(types.EventNewBlock, rpcErr, func(err error) { cb(nil, err) })

	var value wireNewBlock
	if !d.value(types.EventNewBlock, data, &value) {
		return
	}
	if value.Block == nil {
		d.drop(types.EventNewBlock, dropEmpty, nil)
		return
	}

	txs := make([]*types.Tx, 0, len(value.Block.Data.Txs))
	for i, encoded := range value.Block.Data.Txs {
		tx, err := d.decodeTx(encoded)
		if err != nil {
			d.decodeError(types.EventNewBlock, "tx", err)
			cb(nil, fmt.Errorf("block %d tx %d: %w", value.Block.Header.Height, i, err))
			return
		}
		txs = append(txs, tx)
	}

	cb(&types.EventDataNewBlock{
		Block: &types.Block{
			Header:     value.Block.Header,
			Data:       types.BlockData{Txs: txs},
			Evidence:   value.Block.Evidence,
			LastCommit: value.Block.LastCommit,
		},
		ResultBeginBlock: value.ResultBeginBlock,
		ResultEndBlock:   value.ResultEndBlock,
	}, nil)
}

// NewBlockHeader decodes a NewBlockHeader frame
func (d *Decoder) NewBlockHeader(cb types.NewBlockHeaderCallback, rpcErr *types.Error, data json.RawMessage) {
	d.reportRPCError(types.EventNewBlockHeader, rpcErr, func(err error) { cb(nil, err) })

	var value wireNewBlockHeader
	if !d.value(types.EventNewBlockHeader, data, &value) {
		return
	}
	if value.Header == nil {
		d.drop(types.EventNewBlockHeader, dropEmpty, nil)
		return
	}

	cb(&types.EventDataNewBlockHeader{
		Header:           *value.Header,
		NumTxs:           value.NumTxs,
		ResultBeginBlock: value.ResultBeginBlock,
		ResultEndBlock:   value.ResultEndBlock,
	}, nil)
}

// ValidatorSetUpdates decodes a ValidatorSetUpdates frame
func (d *Decoder) ValidatorSetUpdates(cb types.ValidatorSetUpdatesCallback, rpcErr *types.Error, data json.RawMessage) {
	d.reportRPCError(types.EventValidatorSetUpdates, rpcErr, func(err error) { cb(nil, err) })

	var value wireValidatorSetUpdates
	if !d.value(types.EventValidatorSetUpdates, data, &value) {
		return
	}
	if value.ValidatorUpdates == nil {
		d.drop(types.EventValidatorSetUpdates, dropEmpty, nil)
		return
	}

	cb(value.ValidatorUpdates, nil)
}

// Tx decodes a Tx frame: the transaction, its result tags and its hash
func (d *Decoder) Tx(cb types.TxCallback, rpcErr *types.Error, data json.RawMessage) {
	d.reportRPCError(types.EventTx, rpcErr, func(err error) { cb(nil, err) })

	var value wireTxEvent
	if !d.value(types.EventTx, data, &value) {
		return
	}
	if value.TxResult == nil {
		d.drop(types.EventTx, dropEmpty, nil)
		return
	}
	res := value.TxResult

	raw, err := base64.StdEncoding.DecodeString(res.Tx)
	if err != nil {
		d.decodeError(types.EventTx, "tx", err)
		cb(nil, fmt.Errorf("%w: %v", types.ErrTxDecode, err))
		return
	}
	tx, err := d.txDecoder.Decode(raw)
	if err != nil {
		d.decodeError(types.EventTx, "tx", err)
		cb(nil, err)
		return
	}

	tags, err := decodeTags(res.Result.Tags)
	if err != nil {
		d.decodeError(types.EventTx, "tag", err)
		cb(nil, err)
		return
	}

	cb(&types.EventDataResultTx{
		Height: res.Height,
		Index:  res.Index,
		Tx:     tx,
		Result: types.TxResult{
			Code:      res.Result.Code,
			Data:      res.Result.Data,
			Log:       res.Result.Log,
			Info:      res.Result.Info,
			GasWanted: res.Result.GasWanted,
			GasUsed:   res.Result.GasUsed,
			Codespace: res.Result.Codespace,
			Tags:      tags,
			Events:    res.Result.Events,
		},
		Hash: txcodec.Hash(raw),
	}, nil)
}

func (d *Decoder) decodeTx(encoded string) (*types.Tx, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTxDecode, err)
	}
	return d.txDecoder.Decode(raw)
}

// decodeTags decodes base64 tag keys and values. A missing or empty value
// decodes to the empty string.
func decodeTags(wire []wireTag) ([]types.Tag, error) {
	tags := make([]types.Tag, 0, len(wire))
	for i, t := range wire {
		key, err := base64.StdEncoding.DecodeString(t.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %d key: %v", types.ErrTagDecode, i, err)
		}

		var value []byte
		if t.Value != nil && *t.Value != "" {
			value, err = base64.StdEncoding.DecodeString(*t.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: tag %d value: %v", types.ErrTagDecode, i, err)
			}
		}

		tags = append(tags, types.Tag{Key: string(key), Value: string(value)})
	}
	return tags, nil
}

// value unwraps data.value from a frame into v. It reports false when the
// frame has no payload or the payload has an unexpected shape.
func (d *Decoder) value(eventType types.EventType, data json.RawMessage, v interface{}) bool {
	if isEmpty(data) {
		d.drop(eventType, dropEmpty, nil)
		return false
	}

	var frame eventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		d.drop(eventType, dropShape, err)
		return false
	}
	if frame.Data == nil || isEmpty(frame.Data.Value) {
		d.drop(eventType, dropEmpty, nil)
		return false
	}

	if err := json.Unmarshal(frame.Data.Value, v); err != nil {
		d.drop(eventType, dropShape, err)
		return false
	}
	return true
}

func (d *Decoder) reportRPCError(eventType types.EventType, rpcErr *types.Error, cb func(error)) {
	if rpcErr == nil {
		return
	}
	d.metrics.DecodeErrorsTotal.WithLabelValues(eventType.String(), "rpc").Inc()
	cb(rpcErr)
}

func (d *Decoder) drop(eventType types.EventType, reason string, err error) {
	d.metrics.FramesDroppedTotal.WithLabelValues(eventType.String(), reason).Inc()
	if err != nil {
		d.logger.Debug().Err(err).Str("event_type", eventType.String()).Msg("Ignoring malformed frame")
	}
}

func (d *Decoder) decodeError(eventType types.EventType, kind string, err error) {
	d.metrics.DecodeErrorsTotal.WithLabelValues(eventType.String(), kind).Inc()
	d.logger.Warn().Err(err).Str("event_type", eventType.String()).Msg("Failed to decode event")
}
