package testutil

import (
	"database/sql/driver"
	"time"

	"talecast/pkg/models"
)

// DatabaseFixtures provides test data fixtures for database testing
type DatabaseFixtures struct{}

// NewDatabaseFixtures creates a new database fixtures helper
func NewDatabaseFixtures() *DatabaseFixtures {
	return &DatabaseFixtures{}
}

// ActivePack creates a live pack with tokens remaining
func (f *DatabaseFixtures) ActivePack(id, ownerID string, remaining int64, expiresAt *time.Time) *models.TokenPack {
	granted := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	return &models.TokenPack{
		ID:              id,
		OwnerID:         ownerID,
		TokensGranted:   remaining,
		TokensRemaining: remaining,
		GrantedAt:       granted,
		ExpiresAt:       expiresAt,
		SourceRef:       "evt_" + id,
		Active:          true,
		CreatedAt:       granted,
		UpdatedAt:       granted,
	}
}

// DrainedPack creates an exhausted, deactivated pack
func (f *DatabaseFixtures) DrainedPack(id, ownerID string, granted int64) *models.TokenPack {
	p := f.ActivePack(id, ownerID, granted, nil)
	p.TokensRemaining = 0
	p.Active = false
	return p
}

// ExpiredPack creates a pack whose expiry is in the past and is still active,
// i.e. not yet seen by the sweeper
func (f *DatabaseFixtures) ExpiredPack(id, ownerID string, remaining int64) *models.TokenPack {
	past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return f.ActivePack(id, ownerID, remaining, &past)
}

// GetPackColumns returns the column names for token pack queries
func (f *DatabaseFixtures) GetPackColumns() []string {
	return []string{
		"id", "owner_id", "tokens_granted", "tokens_remaining",
		"granted_at", "expires_at", "source_ref", "active",
		"created_at", "updated_at",
	}
}

// GetPackRowData returns sqlmock row data for a given TokenPack model
func (f *DatabaseFixtures) GetPackRowData(p *models.TokenPack) []driver.Value {
	return []driver.Value{
		p.ID, p.OwnerID, p.TokensGranted, p.TokensRemaining,
		p.GrantedAt, p.ExpiresAt, p.SourceRef, p.Active,
		p.CreatedAt, p.UpdatedAt,
	}
}

// LedgerEntry creates a ledger entry fixture
func (f *DatabaseFixtures) LedgerEntry(seq int64, ownerID string, packID *string, delta int64, reason, key string) *models.LedgerEntry {
	return &models.LedgerEntry{
		Seq:            seq,
		ID:             "11111111-1111-1111-1111-111111111111",
		OwnerID:        ownerID,
		PackID:         packID,
		Delta:          delta,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

// GetLedgerColumns returns the column names for ledger queries
func (f *DatabaseFixtures) GetLedgerColumns() []string {
	return []string{
		"seq", "id", "owner_id", "pack_id", "delta",
		"reason", "idempotency_key", "created_at",
	}
}

// GetLedgerRowData returns sqlmock row data for a given LedgerEntry model
func (f *DatabaseFixtures) GetLedgerRowData(e *models.LedgerEntry) []driver.Value {
	return []driver.Value{
		e.Seq, e.ID, e.OwnerID, e.PackID, e.Delta,
		e.Reason, e.IdempotencyKey, e.CreatedAt,
	}
}
