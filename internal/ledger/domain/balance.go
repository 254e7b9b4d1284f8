package domain

import "time"

// Balance is the cached projection for one (provider, currency) pair. It is
// never written directly by API handlers; only ledger posting and settlement
// mutate it, and a replay over posted entries must reproduce it exactly.
type Balance struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Currency   string `json:"currency"`

	AvailableCents int64 `json:"available_cents"`
	PendingCents   int64 `json:"pending_cents"`
	ReservedCents  int64 `json:"reserved_cents"`

	LifetimeVolumeCents int64 `json:"lifetime_volume_cents"`
	LifetimeFeesCents   int64 `json:"lifetime_fees_cents"`
	LifetimeNetCents    int64 `json:"lifetime_net_cents"`

	LastRecalculatedAt *time.Time `json:"last_recalculated_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CreatedAt          time.Time  `json:"created_at"`
}

// TotalCents is the provider's net position.
func (b *Balance) TotalCents() int64 {
	return b.AvailableCents + b.PendingCents - b.ReservedCents
}

// Apply folds a delta into the projection.
func (b *Balance) Apply(d Delta) {
	b.AvailableCents += d.Available
	b.PendingCents += d.Pending
	b.ReservedCents += d.Reserved
	b.LifetimeVolumeCents += d.LifetimeGross
	b.LifetimeFeesCents += d.LifetimeFees
	b.LifetimeNetCents += d.LifetimeNet
}
