package types

import "encoding/json"

// FrameHandler receives every inbound frame addressed to one id.
// rpcErr is set when the frame carries an error object.
type FrameHandler func(rpcErr *Error, data json.RawMessage)

// Callback is the subscriber side of a subscription. It is implemented only
// by the four typed callbacks below, one per EventType.
type Callback interface {
	EventType() EventType
	isCallback()
}

// NewBlockCallback receives decoded NewBlock events
type NewBlockCallback func(*EventDataNewBlock, error)

// NewBlockHeaderCallback receives decoded NewBlockHeader events
type NewBlockHeaderCallback func(*EventDataNewBlockHeader, error)

// ValidatorSetUpdatesCallback receives the changed validators of one update
type ValidatorSetUpdatesCallback func([]EventDataValidatorSetUpdate, error)

// TxCallback receives decoded Tx events
type TxCallback func(*EventDataResultTx, error)

func (NewBlockCallback) EventType() EventType            { return EventNewBlock }
func (NewBlockHeaderCallback) EventType() EventType      { return EventNewBlockHeader }
func (ValidatorSetUpdatesCallback) EventType() EventType { return EventValidatorSetUpdates }
func (TxCallback) EventType() EventType                  { return EventTx }

func (NewBlockCallback) isCallback()            {}
func (NewBlockHeaderCallback) isCallback()      {}
func (ValidatorSetUpdatesCallback) isCallback() {}
func (TxCallback) isCallback()                  {}

// Subscription is a registered interest in one category of events
type Subscription struct {
	ID        string
	Query     string
	EventType EventType
	Callback  Callback
}

// SubscriptionRecord is the persistable part of a Subscription
type SubscriptionRecord struct {
	ID        string    `json:"id" msgpack:"id"`
	Query     string    `json:"query" msgpack:"query"`
	EventType EventType `json:"event_type" msgpack:"event_type"`
}

// Record returns the persistable part of the subscription
func (s *Subscription) Record() SubscriptionRecord {
	return SubscriptionRecord{
		ID:        s.ID,
		Query:     s.Query,
		EventType: s.EventType,
	}
}

// Bind attaches a callback to a persisted record
func (r SubscriptionRecord) Bind(cb Callback) *Subscription {
	return &Subscription{
		ID:        r.ID,
		Query:     r.Query,
		EventType: r.EventType,
		Callback:  cb,
	}
}
