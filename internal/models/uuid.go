// Package models provides data model definitions for the Coach Core sync core.
package models

import (
	"database/sql/driver"
	"fmt"
)

// UUID is a wrapper around string for id type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case nil:
		*u = ""
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("models: cannot scan %T into UUID", value)
	}
	if s != "" && len(s) != 36 {
		return fmt.Errorf("models: invalid UUID length %d", len(s))
	}
	*u = UUID(s)
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}
