// Package bursar defines the request and response shapes of the token ledger
// HTTP API.
package bursar

import (
	"time"

	"talecast/pkg/models"
)

// ErrorResponse is the generic error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BalanceResponse is the payload for balance reads.
type BalanceResponse struct {
	OwnerID string `json:"owner_id"`
	Balance int64  `json:"balance"`
}

// GetPacksResponse lists an owner's active packs, soonest-expiring first.
type GetPacksResponse struct {
	OwnerID string             `json:"owner_id"`
	Packs   []models.TokenPack `json:"packs"`
	Count   int                `json:"count"`
}

// GetLedgerResponse is a keyset-paginated slice of an owner's ledger.
// NextCursor is the seq of the last returned entry; pass it back as the
// cursor query parameter to continue.
type GetLedgerResponse struct {
	OwnerID    string               `json:"owner_id"`
	Entries    []models.LedgerEntry `json:"entries"`
	NextCursor int64                `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
}

// ConsumeRequest asks the ledger to consume tokens for one billable action.
type ConsumeRequest struct {
	OwnerID   string `json:"owner_id" binding:"required"`
	Tokens    int64  `json:"tokens" binding:"required"`
	RequestID string `json:"request_id" binding:"required"`
}

// ConsumeResponse wraps the consumption receipt.
type ConsumeResponse struct {
	Receipt *models.ConsumptionReceipt `json:"receipt"`
}

// CreditRequest grants a new token pack. SourceRef is the payment-event or
// admin-ticket identifier and makes the call idempotent.
type CreditRequest struct {
	OwnerID   string     `json:"owner_id" binding:"required"`
	SourceRef string     `json:"source_ref" binding:"required"`
	Tokens    int64      `json:"tokens" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreditResponse returns the pack the credit resolved to.
type CreditResponse struct {
	PackID string `json:"pack_id"`
}

// AdjustRequest applies a manual correction. Positive delta grants a
// never-expiring pack, negative delta force-consumes across packs.
type AdjustRequest struct {
	OwnerID   string `json:"owner_id" binding:"required"`
	Delta     int64  `json:"delta" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// AdjustResponse reports the outcome of an adjustment.
type AdjustResponse struct {
	OwnerID string `json:"owner_id"`
	Delta   int64  `json:"delta"`
	PackID  string `json:"pack_id,omitempty"`
}

// ReconcileResponse wraps a reconciliation pass result.
type ReconcileResponse struct {
	Result models.ReconcileResult `json:"result"`
}
