// Package money holds the decimal arithmetic shared by orders, gateways and
// commissions. Amounts are shopspring decimals in major units; gateways that
// speak minor units convert at their boundary with ToMinor/FromMinor.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zero-decimal and three-decimal ISO 4217 currencies; everything else uses two.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

var hundred = decimal.NewFromInt(100)

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// Round rounds half away from zero to the currency's minor unit.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(Exponent(currency))
}

// Round2 rounds half away from zero to two places.
func Round2(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// Percent returns round2(pct/100 * base).
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return Round2(pct.Div(hundred).Mul(base))
}

// ToMinor converts a major-unit amount to an integer count of minor units.
func ToMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(Exponent(currency)).Round(0).IntPart()
}

// FromMinor converts minor units back to a major-unit amount.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// Parse parses a gateway-supplied amount string.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// Equal compares two amounts after rounding both to the currency's minor unit.
func Equal(a, b decimal.Decimal, currency string) bool {
	return Round(a, currency).Equal(Round(b, currency))
}

// Format renders an amount with exactly the currency's minor-unit digits.
func Format(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(Exponent(currency))
}

// SameCurrency compares ISO codes case-insensitively.
func SameCurrency(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
