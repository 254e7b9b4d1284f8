// Package fraud provides the pre-charge risk gate. The charge pipeline calls
// it before reserving idempotency; a block surfaces as a 403 and nothing is
// written.
package fraud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"paycore/internal/core"
)

// Check describes an attempted charge.
type Check struct {
	ProviderID  string
	CustomerID  string
	Channel     string
	AmountCents int64
	Currency    string
}

// Gate decides whether a charge may proceed.
type Gate interface {
	Allow(ctx context.Context, c Check) error
}

// Config holds fraud gate configuration.
type Config struct {
	MaxAmountCents int64         `envconfig:"FRAUD_MAX_AMOUNT_CENTS" default:"100000000"`
	VelocityLimit  int           `envconfig:"FRAUD_VELOCITY_LIMIT" default:"20"`
	VelocityWindow time.Duration `envconfig:"FRAUD_VELOCITY_WINDOW" default:"1m"`
}

// AllowAll is the permissive gate used in tests and development.
type AllowAll struct{}

// Allow always permits the charge.
func (AllowAll) Allow(context.Context, Check) error { return nil }

// ThresholdGate blocks charges over a hard amount ceiling and rate-limits
// attempts per customer. Velocity state is per-process.
type ThresholdGate struct {
	cfg Config

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewThresholdGate creates a threshold gate.
func NewThresholdGate(cfg Config) *ThresholdGate {
	return &ThresholdGate{
		cfg:      cfg,
		attempts: make(map[string][]time.Time),
	}
}

// Allow permits the charge unless it exceeds the amount ceiling or the
// customer's attempt velocity.
func (g *ThresholdGate) Allow(_ context.Context, c Check) error {
	if g.cfg.MaxAmountCents > 0 && c.AmountCents > g.cfg.MaxAmountCents {
		return core.Blocked("amount_over_limit",
			fmt.Sprintf("amount %d exceeds the per-charge limit", c.AmountCents))
	}

	if c.CustomerID == "" || g.cfg.VelocityLimit <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-g.cfg.VelocityWindow)

	recent := g.attempts[c.CustomerID][:0]
	for _, t := range g.attempts[c.CustomerID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= g.cfg.VelocityLimit {
		g.attempts[c.CustomerID] = recent
		return core.Blocked("velocity_exceeded", "too many charge attempts, try again later")
	}

	g.attempts[c.CustomerID] = append(recent, now)
	return nil
}
