// Package money provides integer-cent arithmetic, currency normalization,
// and the platform fee calculator. No floating point crosses a package
// boundary except the dollar-to-cents conversion at the HTTP edge.
package money

import (
	"fmt"
	"math"
	"strings"
)

// DefaultCurrency is assumed when a caller omits the currency.
const DefaultCurrency = "usd"

// Platform-wide processor fee parameters. A provider may override the
// platform percentage only; processor terms are fixed by the acquiring
// contract.
const (
	DefaultProcessorPercent = 0.029
	DefaultProcessorFixed   = 30
	DefaultPlatformPercent  = 0.01
)

// ToCents converts a major-unit amount to integer cents, flooring.
func ToCents(amount float64) int64 {
	return int64(math.Floor(amount * 100))
}

// FromCents renders cents as major units for display only.
func FromCents(cents int64) float64 {
	return float64(cents) / 100
}

// NormalizeCurrency lowercases an ISO code and defaults empty input to usd.
func NormalizeCurrency(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

// FeeConfig holds the fee parameters applied to a gross charge.
type FeeConfig struct {
	ProcessorPercent    float64
	ProcessorFixedCents int64
	PlatformPercent     float64
}

// DefaultFeeConfig returns the platform-wide defaults.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		ProcessorPercent:    DefaultProcessorPercent,
		ProcessorFixedCents: DefaultProcessorFixed,
		PlatformPercent:     DefaultPlatformPercent,
	}
}

// WithPlatformOverride returns a copy with the provider's platform percentage.
func (c FeeConfig) WithPlatformOverride(percent float64) FeeConfig {
	c.PlatformPercent = percent
	return c
}

// FeeBreakdown decomposes a gross amount into fees and net.
type FeeBreakdown struct {
	GrossCents        int64 `json:"gross_cents"`
	ProcessorFeeCents int64 `json:"processor_fee_cents"`
	PlatformFeeCents  int64 `json:"platform_fee_cents"`
	TotalFeeCents     int64 `json:"total_fee_cents"`
	NetCents          int64 `json:"net_cents"`
}

// CalculateFees computes the fee decomposition for a gross charge.
// All percentage multiplications floor, so net + total_fee == gross exactly
// whenever gross covers the fees.
func CalculateFees(grossCents int64, cfg FeeConfig) FeeBreakdown {
	processor := floorMul(grossCents, cfg.ProcessorPercent) + cfg.ProcessorFixedCents
	platform := floorMul(grossCents, cfg.PlatformPercent)
	total := processor + platform

	net := grossCents - total
	if net < 0 {
		net = 0
	}

	return FeeBreakdown{
		GrossCents:        grossCents,
		ProcessorFeeCents: processor,
		PlatformFeeCents:  platform,
		TotalFeeCents:     total,
		NetCents:          net,
	}
}

func floorMul(cents int64, percent float64) int64 {
	return int64(math.Floor(float64(cents) * percent))
}

// FormatCents renders an amount for logs and messages, e.g. "$100.00 usd".
func FormatCents(cents int64, currency string) string {
	return fmt.Sprintf("$%d.%02d %s", cents/100, abs(cents%100), NormalizeCurrency(currency))
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
