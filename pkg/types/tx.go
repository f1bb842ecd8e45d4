package types

import "encoding/json"

// Any is a packed protobuf message
type Any struct {
	TypeURL string `json:"type_url"`
	Value   []byte `json:"value"`
}

// TxBody is the signed body of a transaction
type TxBody struct {
	Messages      []Any  `json:"messages"`
	Memo          string `json:"memo,omitempty"`
	TimeoutHeight uint64 `json:"timeout_height,omitempty"`
}

// Tx is a decoded transaction. Raw always holds the bytes it was decoded
// from; Body is empty when the transaction was decoded opaquely.
type Tx struct {
	Raw        []byte   `json:"raw"`
	Body       TxBody   `json:"body"`
	AuthInfo   []byte   `json:"auth_info,omitempty"`
	Signatures [][]byte `json:"signatures,omitempty"`
}

// Tag is a decoded key/value attribute attached to a transaction result
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TxResult is the execution result of a transaction
type TxResult struct {
	Code      uint32          `json:"code"`
	Data      string          `json:"data,omitempty"`
	Log       string          `json:"log,omitempty"`
	Info      string          `json:"info,omitempty"`
	GasWanted Int64           `json:"gas_wanted"`
	GasUsed   Int64           `json:"gas_used"`
	Codespace string          `json:"codespace,omitempty"`
	Tags      []Tag           `json:"tags"`
	Events    json.RawMessage `json:"events,omitempty"`
}

// EventDataResultTx is delivered to Tx subscribers
type EventDataResultTx struct {
	Height Int64    `json:"height"`
	Index  uint32   `json:"index"`
	Tx     *Tx      `json:"tx"`
	Result TxResult `json:"result"`
	Hash   string   `json:"hash"`
}
