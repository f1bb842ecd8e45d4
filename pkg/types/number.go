package types

import (
	"fmt"
	"strconv"
)

// Int64 decodes integers the node may encode either as JSON numbers or as
// quoted strings.
type Int64 int64

// UnmarshalJSON accepts 42, "42" and null
func (i *Int64) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	if len(data) == 0 || string(data) == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", data, err)
	}
	*i = Int64(v)
	return nil
}

// MarshalJSON encodes the value as a quoted string, matching the node
func (i Int64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(i), 10))), nil
}

// Int64 returns the plain value
func (i Int64) Int64() int64 {
	return int64(i)
}
