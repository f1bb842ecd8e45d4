// Package query builds the condition expressions the node's event stream
// filters subscriptions by.
package query

import "strings"

// EventKey is a well-known event attribute
type EventKey string

const (
	KeyType                 EventKey = "tm.event"
	KeyAction               EventKey = "action"
	KeySender               EventKey = "sender"
	KeyRecipient            EventKey = "recipient"
	KeyDestinationValidator EventKey = "destination-validator"
	KeyTxHash               EventKey = "tx.hash"
	KeyTxHeight             EventKey = "tx.height"
)

// EventAction is a well-known value of the action attribute
type EventAction string

const (
	ActionSend          EventAction = "send"
	ActionBurn          EventAction = "burn"
	ActionSetMemoRegexp EventAction = "set-memo-regexp"
	ActionEditValidator EventAction = "edit_validator"
)

const separator = " and "

// Builder accumulates key='value' conditions.
// Values are not escaped; a value containing a single quote produces an
// expression the node will reject.
type Builder struct {
	conditions []string
}

// New creates an empty builder
func New() *Builder {
	return &Builder{}
}

// AddCondition appends key='value' and returns the builder for chaining
func (b *Builder) AddCondition(key EventKey, value string) *Builder {
	b.conditions = append(b.conditions, string(key)+"='"+value+"'")
	return b
}

// AddAction is shorthand for AddCondition(KeyAction, action)
func (b *Builder) AddAction(action EventAction) *Builder {
	return b.AddCondition(KeyAction, string(action))
}

// Build joins the conditions in insertion order. A builder with no
// conditions yields the empty string. Build does not reset the builder.
func (b *Builder) Build() string {
	if b == nil {
		return ""
	}
	return strings.Join(b.conditions, separator)
}

// Len returns the number of conditions added so far
func (b *Builder) Len() int {
	if b == nil {
		return 0
	}
	return len(b.conditions)
}

// Clone returns an independent copy of the builder
func (b *Builder) Clone() *Builder {
	c := &Builder{}
	if b != nil {
		c.conditions = append([]string(nil), b.conditions...)
	}
	return c
}
