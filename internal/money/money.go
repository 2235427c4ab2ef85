package money

import (
	"github.com/shopspring/decimal"
)

// CurrencyConfig defines the minor-unit precision for a currency.
// All balance comparisons happen at this precision, never in floating point.
type CurrencyConfig struct {
	Code       string
	MinorUnits int32 // Number of decimal places
}

var (
	// Standard configs
	defaultCurrencies = map[string]CurrencyConfig{
		"USD":  {Code: "USD", MinorUnits: 2},
		"EUR":  {Code: "EUR", MinorUnits: 2},
		"USDT": {Code: "USDT", MinorUnits: 6},
		"USDC": {Code: "USDC", MinorUnits: 6},
		"BTC":  {Code: "BTC", MinorUnits: 8},
		"ETH":  {Code: "ETH", MinorUnits: 8},
	}

	// DefaultMinorUnits applies to currencies without an explicit config.
	DefaultMinorUnits int32 = 2
)

// MinorUnits returns the decimal precision for a currency code.
func MinorUnits(currency string) int32 {
	if cfg, ok := defaultCurrencies[currency]; ok {
		return cfg.MinorUnits
	}
	return DefaultMinorUnits
}

// Known reports whether the currency has an explicit precision config.
func Known(currency string) bool {
	_, ok := defaultCurrencies[currency]
	return ok
}

// Quantize rounds v to the currency's minor-unit precision using
// banker's rounding, matching the rounding mode used for all derived
// amounts (margin, PnL, penalties).
func Quantize(currency string, v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(MinorUnits(currency))
}

// Equal compares two amounts at the currency's minor-unit precision.
func Equal(currency string, a, b decimal.Decimal) bool {
	return Quantize(currency, a).Equal(Quantize(currency, b))
}

// IsNegative reports whether v is below zero at minor-unit precision.
func IsNegative(currency string, v decimal.Decimal) bool {
	return Quantize(currency, v).IsNegative()
}
