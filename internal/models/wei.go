package models

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// Wei is a wei-scale amount persisted as a decimal string. On-chain amounts
// routinely exceed 64-bit range, so every amount column and payload field
// goes through this type instead of a machine integer.
type Wei struct {
	big.Int
}

// NewWei copies v into a Wei value. A nil v yields zero.
func NewWei(v *big.Int) Wei {
	var w Wei
	if v != nil {
		w.Set(v)
	}
	return w
}

// BigInt returns a copy of the amount, safe for the caller to mutate.
func (w *Wei) BigInt() *big.Int {
	return new(big.Int).Set(&w.Int)
}

// Value implements driver.Valuer.
func (w Wei) Value() (driver.Value, error) {
	return w.String(), nil
}

// Scan implements sql.Scanner.
func (w *Wei) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		w.SetInt64(0)
		return nil
	case int64:
		w.SetInt64(v)
		return nil
	case string:
		return w.setString(v)
	case []byte:
		return w.setString(string(v))
	default:
		return fmt.Errorf("cannot scan %T into Wei", src)
	}
}

func (w *Wei) setString(s string) error {
	if s == "" {
		w.SetInt64(0)
		return nil
	}
	if _, ok := w.SetString(s, 10); !ok {
		return fmt.Errorf("invalid wei amount %q", s)
	}
	return nil
}

// GormDataType keeps the column a plain string on every dialect.
func (Wei) GormDataType() string {
	return "varchar(80)"
}

// MarshalJSON encodes the amount as a quoted decimal string so payloads
// survive JSON readers that truncate large numbers.
func (w Wei) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted strings and bare number literals.
func (w *Wei) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return w.setString(s)
}
