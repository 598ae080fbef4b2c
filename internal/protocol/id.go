package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies users, messages and notifications. The backend emits
// integer primary keys while some collaborators send strings, so ID accepts
// both and writes numeric ids back as JSON numbers.
type ID string

// ParseID converts a user-supplied value into an ID.
func ParseID(s string) ID {
	return ID(s)
}

// IDFromInt formats an integer id.
func IDFromInt(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id == ""
}

// Int returns the numeric value of id when it is an integer.
func (id ID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return n, err == nil
}

// Less orders ids numerically when both are integers, lexically otherwise.
func (id ID) Less(other ID) bool {
	a, aok := id.Int()
	b, bok := other.Int()
	if aok && bok {
		return a < b
	}
	if len(id) != len(other) {
		return len(id) < len(other)
	}
	return id < other
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid id %s: %w", data, err)
		}
		*id = ID(n.String())
		return nil
	}
}

func (id ID) numeric() bool {
	s := string(id)
	if s == "" || len(s) > 18 {
		return false
	}
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
