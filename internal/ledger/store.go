package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"talecast/pkg/models"
)

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// ActivePacks returns an owner's live packs in consumption order: soonest
// expiry first, never-expiring packs last, grant order breaking ties. Every
// consumption and expiry decision depends on this ordering.
func (e *Engine) ActivePacks(ctx context.Context, ownerID string) ([]models.TokenPack, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT id, owner_id, tokens_granted, tokens_remaining,
		       granted_at, expires_at, source_ref, active, created_at, updated_at
		FROM bursar.token_packs
		WHERE owner_id = $1 AND active = TRUE
		ORDER BY expires_at ASC NULLS LAST, granted_at ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active packs: %w", err)
	}
	defer rows.Close()

	var packs []models.TokenPack
	for rows.Next() {
		var p models.TokenPack
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.TokensGranted, &p.TokensRemaining,
			&p.GrantedAt, &p.ExpiresAt, &p.SourceRef, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pack: %w", err)
		}
		packs = append(packs, p)
	}
	return packs, rows.Err()
}

// Ledger returns a page of an owner's entries after the given cursor, oldest
// first. cursor 0 starts from the beginning. The second return reports
// whether more entries remain.
func (e *Engine) Ledger(ctx context.Context, ownerID string, cursor int64, limit int) ([]models.LedgerEntry, bool, error) {
	if ownerID == "" {
		return nil, false, ErrOwnerRequired
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT seq, id, owner_id, pack_id, delta, reason, idempotency_key, created_at
		FROM bursar.ledger_entries
		WHERE owner_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, ownerID, cursor, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.Seq, &entry.ID, &entry.OwnerID, &entry.PackID,
			&entry.Delta, &entry.Reason, &entry.IdempotencyKey, &entry.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return entries, hasMore, nil
}

// GetBalance returns the owner's cached total, seeding the cache row from
// pack state on first read.
func (e *Engine) GetBalance(ctx context.Context, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, ErrOwnerRequired
	}

	var total int64
	err := e.db.QueryRowContext(ctx, `
		SELECT cached_total FROM bursar.balance_cache WHERE owner_id = $1
	`, ownerID).Scan(&total)
	if err == nil {
		return total, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read balance cache: %w", err)
	}

	// Cache miss: seed from pack state.
	tx, err := e.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	total, _, err = e.refreshCacheTx(tx, ownerID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cache seed: %w", err)
	}
	return total, nil
}

// consumptionReceipt rebuilds the receipt for an idempotency key from the
// ledger, or returns nil when the key has not been used. Used for the replay
// paths of Consume and negative Adjust.
func (e *Engine) consumptionReceipt(ctx context.Context, ownerID, idempotencyKey, reason string) (*models.ConsumptionReceipt, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT pack_id, delta
		FROM bursar.ledger_entries
		WHERE owner_id = $1 AND idempotency_key = $2 AND reason = $3
		ORDER BY seq ASC
	`, ownerID, idempotencyKey, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to query prior consumption: %w", err)
	}
	defer rows.Close()

	receipt := &models.ConsumptionReceipt{
		OwnerID:        ownerID,
		IdempotencyKey: idempotencyKey,
		Replayed:       true,
	}
	for rows.Next() {
		var packID sql.NullString
		var delta int64
		if err := rows.Scan(&packID, &delta); err != nil {
			return nil, fmt.Errorf("failed to scan prior consumption: %w", err)
		}
		receipt.Breakdown = append(receipt.Breakdown, models.PackConsumption{
			PackID: packID.String,
			Tokens: -delta,
		})
		receipt.TotalConsumed += -delta
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(receipt.Breakdown) == 0 {
		return nil, nil
	}
	return receipt, nil
}
