// Package money converts between decimal amounts and int64 minor currency units.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrFractionalMinor  = errors.New("amount_has_sub_minor_precision")
	ErrUnsupportedScale = errors.New("unsupported_currency_scale")
)

// Scale returns the number of minor-unit digits for an ISO currency code.
func Scale(currency string) int32 {
	switch strings.ToUpper(strings.TrimSpace(currency)) {
	case "JPY", "KRW", "VND", "IDR":
		return 0
	case "BHD", "KWD", "OMR":
		return 3
	default:
		return 2
	}
}

// ParseMinor parses a decimal string such as "1200.00" into minor units.
func ParseMinor(raw string, currency string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return ToMinor(d, currency)
}

// ToMinor converts a decimal amount to minor units, rejecting sub-minor precision.
func ToMinor(d decimal.Decimal, currency string) (int64, error) {
	scale := Scale(currency)
	shifted := d.Shift(scale)
	if !shifted.IsInteger() {
		return 0, ErrFractionalMinor
	}
	if shifted.GreaterThan(decimal.NewFromInt(maxInt64)) || shifted.LessThan(decimal.NewFromInt(-maxInt64)) {
		return 0, ErrUnsupportedScale
	}
	return shifted.IntPart(), nil
}

// FromMinor converts minor units to a decimal amount.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Scale(currency))
}

// Format renders minor units with the currency's fixed scale, e.g. 120000 USD -> "1200.00".
func Format(minor int64, currency string) string {
	scale := Scale(currency)
	return FromMinor(minor, currency).StringFixed(scale)
}

// CeilDiv divides two non-negative minor amounts rounding up.
func CeilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Min returns the smaller of two amounts.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

const maxInt64 = int64(^uint64(0) >> 1)
