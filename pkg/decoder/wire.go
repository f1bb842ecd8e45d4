package decoder

import (
	"encoding/json"

	"github.com/nkkko/chainwatch/pkg/types"
)

// Shapes of the event frames pushed by the node. Everything the decoders do
// not interpret stays raw.

type eventFrame struct {
	Query  string          `json:"query"`
	Data   *eventData      `json:"data"`
	Events json.RawMessage `json:"events,omitempty"`
}

type eventData struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type wireNewBlock struct {
	Block            *wireBlock      `json:"block"`
	ResultBeginBlock json.RawMessage `json:"result_begin_block"`
	ResultEndBlock   json.RawMessage `json:"result_end_block"`
}

type wireBlock struct {
	Header types.BlockHeader `json:"header"`
	Data   struct {
		Txs []string `json:"txs"`
	} `json:"data"`
	Evidence   json.RawMessage `json:"evidence"`
	LastCommit json.RawMessage `json:"last_commit"`
}

type wireNewBlockHeader struct {
	Header           *types.BlockHeader `json:"header"`
	NumTxs           types.Int64        `json:"num_txs"`
	ResultBeginBlock json.RawMessage    `json:"result_begin_block"`
	ResultEndBlock   json.RawMessage    `json:"result_end_block"`
}

// UnmarshalJSON also accepts a value carrying the header fields directly
// instead of under "header".
func (w *wireNewBlockHeader) UnmarshalJSON(data []byte) error {
	type plain wireNewBlockHeader
	if err := json.Unmarshal(data, (*plain)(w)); err != nil {
		return err
	}
	if w.Header != nil {
		return nil
	}

	var header types.BlockHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	if header.ChainID != "" || header.Height != 0 {
		w.Header = &header
	}
	return nil
}

type wireValidatorSetUpdates struct {
	ValidatorUpdates []types.EventDataValidatorSetUpdate `json:"validator_updates"`
}

type wireTxEvent struct {
	TxResult *wireTxResult `json:"TxResult"`
}

type wireTxResult struct {
	Height types.Int64 `json:"height"`
	Index  uint32      `json:"index"`
	Tx     string      `json:"tx"`
	Result struct {
		Code      uint32          `json:"code"`
		Data      string          `json:"data"`
		Log       string          `json:"log"`
		Info      string          `json:"info"`
		GasWanted types.Int64     `json:"gas_wanted"`
		GasUsed   types.Int64     `json:"gas_used"`
		Codespace string          `json:"codespace"`
		Tags      []wireTag       `json:"tags"`
		Events    json.RawMessage `json:"events"`
	} `json:"result"`
}

type wireTag struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
