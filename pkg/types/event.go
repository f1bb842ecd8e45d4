package types

// EventType is the category of node event a subscription listens to
type EventType string

const (
	// EventNewBlock fires with every committed block including its transactions
	EventNewBlock EventType = "NewBlock"

	// EventNewBlockHeader fires with every committed block header
	EventNewBlockHeader EventType = "NewBlockHeader"

	// EventValidatorSetUpdates fires when the validator set changes
	EventValidatorSetUpdates EventType = "ValidatorSetUpdates"

	// EventTx fires for every transaction matching the subscription query
	EventTx EventType = "Tx"
)

// EventTypes lists every supported category
var EventTypes = []EventType{
	EventNewBlock,
	EventNewBlockHeader,
	EventValidatorSetUpdates,
	EventTx,
}

// Valid reports whether t is one of the supported categories
func (t EventType) Valid() bool {
	switch t {
	case EventNewBlock, EventNewBlockHeader, EventValidatorSetUpdates, EventTx:
		return true
	}
	return false
}

func (t EventType) String() string {
	return string(t)
}

// ParseEventType converts a name into an EventType
func ParseEventType(name string) (EventType, error) {
	t := EventType(name)
	if !t.Valid() {
		return "", NewUnknownEventTypeError(name)
	}
	return t, nil
}
