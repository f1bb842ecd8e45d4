// Package txcodec turns raw transaction bytes from the event stream into
// structured transactions.
package txcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nkkko/chainwatch/pkg/types"
)

// Decoder decodes raw transaction bytes
type Decoder interface {
	Decode(raw []byte) (*types.Tx, error)
}

// DecoderFunc adapts a function to the Decoder interface
type DecoderFunc func(raw []byte) (*types.Tx, error)

// Decode calls f(raw)
func (f DecoderFunc) Decode(raw []byte) (*types.Tx, error) {
	return f(raw)
}

// Decoder names accepted by New
const (
	DecoderProto = "proto"
	DecoderRaw   = "raw"
)

// Config selects and tunes the transaction decoder
type Config struct {
	// Decoder is "proto" (default) or "raw"
	Decoder string

	// CacheSize enables a decoded transaction cache when positive
	CacheSize int
}

// DefaultConfig returns the default codec configuration
func DefaultConfig() Config {
	return Config{
		Decoder:   DecoderProto,
		CacheSize: 4096,
	}
}

// New builds the decoder described by config
func New(config Config) (Decoder, error) {
	var dec Decoder
	switch strings.ToLower(config.Decoder) {
	case "", DecoderProto:
		dec = ProtoDecoder{}
	case DecoderRaw:
		dec = RawDecoder{}
	default:
		return nil, types.NewConfigurationError("unknown tx decoder %q", config.Decoder)
	}

	if config.CacheSize > 0 {
		return NewCachingDecoder(dec, config.CacheSize)
	}
	return dec, nil
}

// Hash returns the transaction hash the node indexes transactions by:
// the uppercase hex SHA-256 of the raw bytes.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// RawDecoder keeps transactions opaque
type RawDecoder struct{}

// Decode returns a transaction holding only a copy of raw
func (RawDecoder) Decode(raw []byte) (*types.Tx, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", types.ErrTxDecode)
	}
	return &types.Tx{Raw: append([]byte(nil), raw...)}, nil
}
