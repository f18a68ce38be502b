// Package money provides fixed-point amount parsing, formatting and fee math.
//
// Amounts are stored as int64 minor units (1.00 = 100). Decimal strings are
// the wire format; arithmetic on rates goes through shopspring/decimal so
// nothing ever touches a float.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by an Amount.
const Decimals = 2

// RateDecimals is the number of fractional digits a fee rate may carry,
// matching the NUMERIC(7,6) fee_rate column.
const RateDecimals = 6

var (
	ErrInvalidFormat  = errors.New("invalid amount format")
	ErrTooPrecise     = errors.New("amount has more than 2 decimal places")
	ErrOutOfRange     = fmt.Errorf("%w: amount out of range", ErrInvalidFormat)
	ErrInvalidRate    = errors.New("fee rate must be in [0, 1)")
	ErrRateTooPrecise = errors.New("fee rate has more than 6 decimal places")
)

// Amount is a currency amount in minor units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// Parse converts a decimal string (e.g. "100.50") to an Amount.
//
// Rules:
//   - Empty string is rejected
//   - More than two fractional digits are rejected, unless they are zeros
//   - Negative values parse; callers decide whether they are allowed
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidFormat
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidFormat
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("money: MustParse(%q): %v", s, err))
	}
	return a
}

// FromDecimal converts a decimal value to minor units without rounding.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if !shifted.BigInt().IsInt64() {
		return 0, ErrOutOfRange
	}
	return Amount(shifted.IntPart()), nil
}

// Decimal returns the amount as a decimal in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Decimals)
}

// String formats the amount with exactly two decimal places ("90.00").
func (a Amount) String() string {
	return a.Decimal().StringFixed(Decimals)
}

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// MarshalJSON renders the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = s
	}
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the amount as BIGINT minor units.
func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}

// Scan reads BIGINT minor units.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*a = Amount(v)
	case nil:
		*a = 0
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		*a = Amount(d.IntPart())
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
	return nil
}

// Fee computes round(amount * rate) to the minor unit, rounding half away
// from zero.
func Fee(amount Amount, rate decimal.Decimal) Amount {
	return Amount(decimal.NewFromInt(int64(amount)).Mul(rate).Round(0).IntPart())
}

// ValidateRate returns ErrInvalidRate unless 0 <= rate < 1, and
// ErrRateTooPrecise when the rate would not survive storage unchanged.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalidRate
	}
	if !rate.Equal(rate.Truncate(RateDecimals)) {
		return ErrRateTooPrecise
	}
	return nil
}
