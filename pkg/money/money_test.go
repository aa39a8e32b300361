package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinor(t *testing.T) {
	cases := []struct {
		raw      string
		currency string
		want     int64
	}{
		{"1200.00", "USD", 120000},
		{"100", "USD", 10000},
		{"0.01", "usd", 1},
		{"500", "JPY", 500},
		{"1.234", "KWD", 1234},
	}
	for _, tc := range cases {
		got, err := ParseMinor(tc.raw, tc.currency)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestParseMinorRejectsSubMinorPrecision(t *testing.T) {
	_, err := ParseMinor("10.005", "USD")
	assert.ErrorIs(t, err, ErrFractionalMinor)

	_, err = ParseMinor("abc", "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseMinor("  ", "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1200.00", Format(120000, "USD"))
	assert.Equal(t, "0.05", Format(5, "EUR"))
	assert.Equal(t, "500", Format(500, "JPY"))
	assert.True(t, FromMinor(120000, "USD").Equal(decimal.RequireFromString("1200")))
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(12), CeilDiv(120000, 10000))
	assert.Equal(t, int64(3), CeilDiv(100001, 33334))
	assert.Equal(t, int64(0), CeilDiv(10, 0))
}
