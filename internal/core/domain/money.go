package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an upper-case currency or asset code (e.g., "USD", "BTC").
type Currency string

// currencyExponents holds the minor-unit precision of every supported currency.
var currencyExponents = map[Currency]int32{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"JPY":  0,
	"BTC":  8,
	"ETH":  18,
	"USDC": 6,
}

// MaxAmount bounds a single transaction regardless of currency.
var MaxAmount = decimal.NewFromInt(1_000_000)

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(code)))
}

// Exponent returns the minor-unit precision of the currency.
func (c Currency) Exponent() (int32, bool) {
	exp, ok := currencyExponents[c]
	return exp, ok
}

// Supported reports whether the currency is known.
func (c Currency) Supported() bool {
	_, ok := currencyExponents[c]
	return ok
}

// ValidateAmount checks that amount is positive, bounded and representable in the
// currency's minor units.
func ValidateAmount(amount decimal.Decimal, currency Currency) error {
	exp, ok := currency.Exponent()
	if !ok {
		return fmt.Errorf("unsupported currency %q", currency)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount)
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("amount %s exceeds maximum %s", amount, MaxAmount)
	}
	if !amount.Equal(amount.Truncate(exp)) {
		return fmt.Errorf("amount %s has more than %d decimal places for %s", amount, exp, currency)
	}
	return nil
}

// RoundToCurrency rounds a computed value (fees) to the currency's minor units.
func RoundToCurrency(amount decimal.Decimal, currency Currency) decimal.Decimal {
	exp, ok := currency.Exponent()
	if !ok {
		exp = 2
	}
	return amount.RoundBank(exp)
}
