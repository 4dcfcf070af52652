// Package money provides the fixed-point currency type used across escrows and wallets.
//
// Amounts are stored as an int64 count of minor units (cents for a two-decimal
// currency). Decimal strings are only used at the edges (JSON, logs).
package money

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of the platform currency.
const Decimals = 2

var ErrInvalidAmount = errors.New("invalid amount")

// Amount is a currency value in minor units.
type Amount int64

// Zero is the empty amount.
const Zero Amount = 0

// FromMinor wraps a minor-unit integer.
func FromMinor(units int64) Amount { return Amount(units) }

// Parse converts a decimal string (e.g. "500.00") to minor units.
//
// Rules:
//   - Empty or non-numeric input is rejected
//   - More than two fractional digits is rejected rather than rounded
//   - Negative amounts parse; callers that need positive values use Positive()
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return fromDecimal(d)
}

func fromDecimal(d decimal.Decimal) (Amount, error) {
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrInvalidAmount
	}
	if !scaled.BigInt().IsInt64() {
		return 0, ErrInvalidAmount
	}
	return Amount(scaled.IntPart()), nil
}

// MinorUnits returns the raw integer value.
func (a Amount) MinorUnits() int64 { return int64(a) }

// Positive reports whether the amount is strictly greater than zero.
func (a Amount) Positive() bool { return a > 0 }

// Decimal returns the amount as a decimal in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Decimals)
}

// String formats the amount with exactly two decimals ("500.00").
func (a Amount) String() string {
	return a.Decimal().StringFixed(Decimals)
}

// MarshalJSON renders the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts "500.00" or 500.00.
func (a *Amount) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = unq
	}
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
