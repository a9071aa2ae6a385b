package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
)

// ErrInvalidAmount is returned when a decimal amount cannot be represented in a currency's minor units.
var ErrInvalidAmount = errors.New("domain: invalid amount")

// NormalizeCurrency validates an ISO 4217 code and returns it uppercased.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("domain: unsupported currency %q: %w", code, err)
	}
	return unit.String(), nil
}

// CurrencyScale returns the number of minor-unit digits for the currency (2 for USD, 0 for JPY).
func CurrencyScale(code string) int {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// ParseAmount converts a decimal string such as "45.00" into minor units of the currency.
func ParseAmount(value string, code string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	scale := CurrencyScale(code)

	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > scale {
		trimmed := strings.TrimRight(frac[scale:], "0")
		if trimmed != "" {
			return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, value, scale)
		}
		frac = frac[:scale]
	}
	frac += strings.Repeat("0", scale-len(frac))

	units, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, value)
	}
	return units, nil
}

// FromFloat converts a JSON number into minor units, rounding half away from zero.
func FromFloat(value float64, code string) (int64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, value)
	}
	factor := math.Pow10(CurrencyScale(code))
	return int64(math.Round(value * factor)), nil
}

// FormatAmount renders minor units as a decimal string in the currency's scale.
func FormatAmount(units int64, code string) string {
	scale := CurrencyScale(code)
	if scale == 0 {
		return strconv.FormatInt(units, 10)
	}
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	factor := int64(math.Pow10(scale))
	return fmt.Sprintf("%s%d.%0*d", sign, units/factor, scale, units%factor)
}
