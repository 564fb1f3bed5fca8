package models

import (
	"time"
)

// Ledger entry reasons. Entries are append-only; every balance-affecting event
// is recorded under exactly one of these.
const (
	ReasonPurchase                 = "purchase"
	ReasonConsumption              = "consumption"
	ReasonExpiryForfeit            = "expiry_forfeit"
	ReasonAdminAdjustment          = "admin_adjustment"
	ReasonReconciliationCorrection = "reconciliation_correction"
)

// TokenPack represents a bounded grant of prepaid tokens with its own expiry
// and remaining balance. Packs are never deleted; exhaustion and expiry both
// deactivate the pack permanently.
type TokenPack struct {
	ID              string     `json:"id" db:"id"`
	OwnerID         string     `json:"owner_id" db:"owner_id"`
	TokensGranted   int64      `json:"tokens_granted" db:"tokens_granted"`
	TokensRemaining int64      `json:"tokens_remaining" db:"tokens_remaining"`
	GrantedAt       time.Time  `json:"granted_at" db:"granted_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	SourceRef       string     `json:"source_ref" db:"source_ref"`
	Active          bool       `json:"active" db:"active"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable record of a balance-affecting event. PackID is
// nil only for reconciliation corrections, which document cache drift rather
// than a movement of tokens in a specific pack.
type LedgerEntry struct {
	Seq            int64     `json:"seq" db:"seq"`
	ID             string    `json:"id" db:"id"`
	OwnerID        string    `json:"owner_id" db:"owner_id"`
	PackID         *string   `json:"pack_id,omitempty" db:"pack_id"`
	Delta          int64     `json:"delta" db:"delta"`
	Reason         string    `json:"reason" db:"reason"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// BalanceCache is the derived per-owner aggregate used for fast reads. It is
// never the source of truth; the reconciliation job rebuilds it from packs.
type BalanceCache struct {
	OwnerID          string     `json:"owner_id" db:"owner_id"`
	CachedTotal      int64      `json:"cached_total" db:"cached_total"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty" db:"last_reconciled_at"`
	Version          int64      `json:"version" db:"version"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// PackConsumption is one pack's share of a consumption call.
type PackConsumption struct {
	PackID string `json:"pack_id"`
	Tokens int64  `json:"tokens"`
}

// ConsumptionReceipt describes how a consume call was satisfied across packs.
// Replaying the same idempotency key returns an identical receipt with
// Replayed set.
type ConsumptionReceipt struct {
	OwnerID        string            `json:"owner_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	TotalConsumed  int64             `json:"total_consumed"`
	Breakdown      []PackConsumption `json:"breakdown"`
	Replayed       bool              `json:"replayed"`
}

// ReconcileResult reports one reconciliation pass for an owner.
type ReconcileResult struct {
	OwnerID   string `json:"owner_id"`
	Before    int64  `json:"before"`
	After     int64  `json:"after"`
	Corrected bool   `json:"corrected"`
}

// UsageReport is the message the chat pipeline publishes per billable request.
// Tokens is the cost already computed upstream; RequestID doubles as the
// consumption idempotency key so redelivery is safe.
type UsageReport struct {
	OwnerID   string    `json:"owner_id"`
	Tokens    int64     `json:"tokens"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// BalanceChangedEvent is published best-effort after successful mutations.
type BalanceChangedEvent struct {
	OwnerID  string `json:"owner_id"`
	NewTotal int64  `json:"new_total"`
	Version  int64  `json:"version"`
}
