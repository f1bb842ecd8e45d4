package types

import (
	"encoding/json"
	"time"
)

// Version holds the block and app protocol versions of a header
type Version struct {
	Block Int64 `json:"block"`
	App   Int64 `json:"app"`
}

// PartSetHeader identifies the parts a block was gossiped in
type PartSetHeader struct {
	Total Int64  `json:"total"`
	Hash  string `json:"hash"`
}

// BlockID identifies a block by hash
type BlockID struct {
	Hash  string        `json:"hash"`
	Parts PartSetHeader `json:"parts"`
}

// BlockHeader is the header of a committed block
type BlockHeader struct {
	Version            Version   `json:"version"`
	ChainID            string    `json:"chain_id"`
	Height             Int64     `json:"height"`
	Time               time.Time `json:"time"`
	NumTxs             Int64     `json:"num_txs,omitempty"`
	TotalTxs           Int64     `json:"total_txs,omitempty"`
	LastBlockID        BlockID   `json:"last_block_id"`
	LastCommitHash     string    `json:"last_commit_hash"`
	DataHash           string    `json:"data_hash"`
	ValidatorsHash     string    `json:"validators_hash"`
	NextValidatorsHash string    `json:"next_validators_hash"`
	ConsensusHash      string    `json:"consensus_hash"`
	AppHash            string    `json:"app_hash"`
	LastResultsHash    string    `json:"last_results_hash"`
	EvidenceHash       string    `json:"evidence_hash"`
	ProposerAddress    string    `json:"proposer_address"`
}

// BlockData carries the decoded transactions of a block in block order
type BlockData struct {
	Txs []*Tx `json:"txs"`
}

// Block is a committed block with decoded transactions
type Block struct {
	Header     BlockHeader     `json:"header"`
	Data       BlockData       `json:"data"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	LastCommit json.RawMessage `json:"last_commit,omitempty"`
}

// EventDataNewBlock is delivered to NewBlock subscribers
type EventDataNewBlock struct {
	Block            *Block          `json:"block"`
	ResultBeginBlock json.RawMessage `json:"result_begin_block,omitempty"`
	ResultEndBlock   json.RawMessage `json:"result_end_block,omitempty"`
}

// EventDataNewBlockHeader is delivered to NewBlockHeader subscribers
type EventDataNewBlockHeader struct {
	Header           BlockHeader     `json:"header"`
	NumTxs           Int64           `json:"num_txs,omitempty"`
	ResultBeginBlock json.RawMessage `json:"result_begin_block,omitempty"`
	ResultEndBlock   json.RawMessage `json:"result_end_block,omitempty"`
}

// PubKey is a typed public key as encoded by the node
type PubKey struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// EventDataValidatorSetUpdate describes one changed validator
type EventDataValidatorSetUpdate struct {
	Address          string `json:"address"`
	PubKey           PubKey `json:"pub_key"`
	VotingPower      Int64  `json:"voting_power"`
	ProposerPriority Int64  `json:"proposer_priority"`
}
