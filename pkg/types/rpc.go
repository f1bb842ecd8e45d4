package types

import (
	"encoding/json"
	"strings"
)

// JSONRPCVersion is the protocol version sent with every request
const JSONRPCVersion = "2.0"

// RPC methods used by the event stream
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

const (
	// EventIDSuffix is appended by the node to the subscription id of every event frame
	EventIDSuffix = "#event"

	// UnsubscribeIDPrefix derives the request id of an unsubscribe call
	UnsubscribeIDPrefix = "unsubscribe#"
)

// Request is a JSON-RPC 2.0 request frame
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// QueryParams are the params of subscribe and unsubscribe requests
type QueryParams struct {
	Query string `json:"query"`
}

// Response is an inbound JSON-RPC 2.0 frame: either a reply to a request or
// an event pushed for a subscription
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest builds a request frame
func NewRequest(method, id string, params interface{}) *Request {
	return &Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// RequestID returns the response id as a string. Numeric ids are returned
// in their JSON text form.
func (r *Response) RequestID() string {
	if len(r.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s
	}
	return string(r.ID)
}

// RouteID maps a frame id to the id handlers are registered under. Event
// frames carry the subscription id plus EventIDSuffix.
func RouteID(id string) string {
	return strings.TrimSuffix(id, EventIDSuffix)
}

// UnsubscribeID derives the request id of the unsubscribe call for a subscription
func UnsubscribeID(id string) string {
	return UnsubscribeIDPrefix + id
}
