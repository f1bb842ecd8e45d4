package txcodec

import (
	"fmt"

	"github.com/nkkko/chainwatch/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of cosmos.tx.v1beta1.TxRaw, TxBody and google.protobuf.Any
const (
	txRawBodyBytes     protowire.Number = 1
	txRawAuthInfoBytes protowire.Number = 2
	txRawSignatures    protowire.Number = 3

	txBodyMessages      protowire.Number = 1
	txBodyMemo          protowire.Number = 2
	txBodyTimeoutHeight protowire.Number = 3

	anyTypeURL protowire.Number = 1
	anyValue   protowire.Number = 2
)

// ProtoDecoder decodes protobuf encoded TxRaw transactions. Message values
// are left packed; unknown fields are skipped.
type ProtoDecoder struct{}

// Decode parses raw as a TxRaw and its body as a TxBody
func (ProtoDecoder) Decode(raw []byte) (*types.Tx, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", types.ErrTxDecode)
	}

	tx := &types.Tx{Raw: append([]byte(nil), raw...)}
	var body []byte
	hasBody := false

	err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case txRawBodyBytes, txRawAuthInfoBytes, txRawSignatures:
			if typ != protowire.BytesType {
				return 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case txRawBodyBytes:
				body, hasBody = v, true
			case txRawAuthInfoBytes:
				tx.AuthInfo = append([]byte(nil), v...)
			case txRawSignatures:
				tx.Signatures = append(tx.Signatures, append([]byte(nil), v...))
			}
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTxDecode, err)
	}

	if hasBody {
		if err := decodeBody(body, &tx.Body); err != nil {
			return nil, fmt.Errorf("%w: body: %v", types.ErrTxDecode, err)
		}
	}

	return tx, nil
}

func decodeBody(b []byte, body *types.TxBody) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case txBodyMessages, txBodyMemo:
			if typ != protowire.BytesType {
				return 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if num == txBodyMemo {
				body.Memo = string(v)
				return n, nil
			}
			msg, err := decodeAny(v)
			if err != nil {
				return 0, err
			}
			body.Messages = append(body.Messages, msg)
			return n, nil
		case txBodyTimeoutHeight:
			if typ != protowire.VarintType {
				return 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			body.TimeoutHeight = v
			return n, nil
		}
		return skip(num, typ, b)
	})
}

func decodeAny(b []byte) (types.Any, error) {
	var msg types.Any
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if (num == anyTypeURL || num == anyValue) && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			if num == anyTypeURL {
				msg.TypeURL = string(v)
			} else {
				msg.Value = append([]byte(nil), v...)
			}
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return types.Any{}, fmt.Errorf("message: %w", err)
	}
	return msg, nil
}

// walk iterates over the fields of a protobuf message. fn receives the
// bytes following each tag and returns how many it consumed.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
