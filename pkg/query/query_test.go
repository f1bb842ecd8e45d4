package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name     string
		builder  *Builder
		expected string
	}{
		{
			name:     "empty",
			builder:  New(),
			expected: "",
		},
		{
			name:     "nil builder",
			builder:  nil,
			expected: "",
		},
		{
			name:     "single condition",
			builder:  New().AddCondition(KeyType, "NewBlock"),
			expected: "tm.event='NewBlock'",
		},
		{
			name: "conditions keep insertion order",
			builder: New().
				AddCondition(KeyAction, "send").
				AddCondition(KeySender, "addr1").
				AddCondition(KeyType, "Tx"),
			expected: "action='send' and sender='addr1' and tm.event='Tx'",
		},
		{
			name:     "custom key",
			builder:  New().AddCondition("transfer.amount", "10"),
			expected: "transfer.amount='10'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.builder.Build())
		})
	}
}

func TestBuildDoesNotReset(t *testing.T) {
	b := New().AddAction(ActionBurn)

	assert.Equal(t, "action='burn'", b.Build())
	assert.Equal(t, "action='burn'", b.Build())
	assert.Equal(t, 1, b.Len())
}

func TestClone(t *testing.T) {
	b := New().AddCondition(KeyRecipient, "addr2")
	c := b.Clone().AddCondition(KeyType, "Tx")

	// The original is untouched
	assert.Equal(t, "recipient='addr2'", b.Build())
	assert.Equal(t, "recipient='addr2' and tm.event='Tx'", c.Build())

	var nilBuilder *Builder
	assert.Equal(t, "tm.event='Tx'", nilBuilder.Clone().AddCondition(KeyType, "Tx").Build())
}
