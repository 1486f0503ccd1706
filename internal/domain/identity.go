package domain

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cast"
)

// UserID identifies a hub member. The relay keys clients by database id, so
// it travels as a JSON number. Zero means "not set".
type UserID uint64

func (id UserID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// UnmarshalJSON accepts a number or a numeric string.
func (id *UserID) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*id = 0
		return nil
	}
	v, err := cast.ToUint64E(raw)
	if err != nil {
		return fmt.Errorf("user id %s: %w", string(data), err)
	}
	*id = UserID(v)
	return nil
}

// ParseUserID parses a decimal user id.
func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse user id %q: %w", s, err)
	}
	return UserID(v), nil
}

// Identity is the currently authenticated hub member. It is supplied by the
// host application; this module never logs in by itself.
type Identity struct {
	ID          UserID
	Token       string
	DisplayName string
}

// Valid reports whether the identity carries both an id and a bearer token.
func (i Identity) Valid() bool {
	return i.ID != 0 && i.Token != ""
}
