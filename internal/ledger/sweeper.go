package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"talecast/pkg/logging"
	"talecast/pkg/models"
)

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	PacksExpired    int   `json:"packs_expired"`
	TokensForfeited int64 `json:"tokens_forfeited"`
	OwnersSkipped   int   `json:"owners_skipped"`
}

// Sweep forfeits the unconsumed tokens of every pack past its expiry,
// emitting an expiry_forfeit entry per pack. Owners are processed
// independently; a busy owner is skipped and picked up on the next run.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	rows, err := e.db.QueryContext(ctx, `
		SELECT DISTINCT owner_id
		FROM bursar.token_packs
		WHERE active = TRUE AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return result, fmt.Errorf("failed to find owners with expired packs: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var ownerID string
		if err := rows.Scan(&ownerID); err != nil {
			return result, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, ownerID)
	}
	if err := rows.Err(); err != nil {
		return result, err
	}

	for _, ownerID := range owners {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		expired, forfeited, err := e.sweepOwner(ctx, ownerID, now)
		if errors.Is(err, ErrBusy) {
			result.OwnersSkipped++
			continue
		}
		if err != nil {
			e.logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to sweep owner")
			continue
		}
		result.PacksExpired += expired
		result.TokensForfeited += forfeited
	}

	if result.PacksExpired > 0 {
		e.logger.WithFields(logging.Fields{
			"packs_expired":    result.PacksExpired,
			"tokens_forfeited": result.TokensForfeited,
			"owners_skipped":   result.OwnersSkipped,
		}).Info("Expiry sweep completed")
	}
	return result, nil
}

// sweepOwner expires one owner's overdue packs in a single transaction.
func (e *Engine) sweepOwner(ctx context.Context, ownerID string, now time.Time) (int, int64, error) {
	if err := e.lockOwner(ownerID); err != nil {
		return 0, 0, err
	}
	defer e.locks.release(ownerID)

	tx, err := e.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(`
		SELECT id, tokens_remaining
		FROM bursar.token_packs
		WHERE owner_id = $1 AND active = TRUE AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at ASC, granted_at ASC
		FOR UPDATE
	`, ownerID, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to lock expired packs: %w", err)
	}

	var packs []lockedPack
	for rows.Next() {
		var p lockedPack
		if err := rows.Scan(&p.id, &p.remaining); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan expired pack: %w", err)
		}
		packs = append(packs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, err
	}
	rows.Close()

	if len(packs) == 0 {
		return 0, 0, nil
	}

	var expired int
	var forfeited int64
	for _, p := range packs {
		// Forfeited tokens must be logged, not silently dropped, or
		// reconciliation would perpetually rediscover the same drift.
		if p.remaining > 0 {
			_, err = tx.Exec(`
				INSERT INTO bursar.ledger_entries (id, owner_id, pack_id, delta, reason, idempotency_key)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, uuid.New().String(), ownerID, p.id, -p.remaining, models.ReasonExpiryForfeit, "expire:"+p.id)
			if err != nil {
				// Any errored statement aborts the tx in Postgres, so even a
				// key collision (unreachable under the row lock) cannot be
				// skipped mid-transaction.
				return 0, 0, fmt.Errorf("failed to append forfeit entry for pack %s: %w", p.id, err)
			}
		}

		_, err = tx.Exec(`
			UPDATE bursar.token_packs
			SET tokens_remaining = 0, active = FALSE, updated_at = NOW()
			WHERE id = $1
		`, p.id)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to expire pack %s: %w", p.id, err)
		}

		expired++
		forfeited += p.remaining
	}

	total, version, err := e.refreshCacheTx(tx, ownerID)
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit sweep: %w", err)
	}

	for _, p := range packs {
		e.metrics.packExpired(p.remaining)
	}
	e.notifyBalance(ctx, ownerID, total, version)
	return expired, forfeited, nil
}
