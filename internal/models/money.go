package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrSubCentPrecision is returned when a decimal amount cannot be represented in minor units.
var ErrSubCentPrecision = errors.New("amount has more than two decimal places")

// Money is a signed currency amount in minor units (cents).
type Money int64

var maxMinorUnits = decimal.NewFromInt(1 << 53)

// MoneyFromDecimal converts a boundary decimal amount into minor units.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, ErrSubCentPrecision
	}
	if cents.Abs().GreaterThan(maxMinorUnits) {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return Money(cents.IntPart()), nil
}

// ParseMoney parses a decimal string such as "500" or "12.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount: %w", err)
	}
	return MoneyFromDecimal(d)
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String formats the amount with two decimals.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// MarshalJSON encodes the amount as a decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	v, err := MoneyFromDecimal(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
