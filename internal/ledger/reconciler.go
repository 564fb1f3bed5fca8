package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"talecast/pkg/logging"
	"talecast/pkg/models"
)

// largeDriftTokens is the correction size above which reconciliation
// escalates from a warning to an error log. Repeated large corrections for
// the same owner point at a bug in a write path, not normal cache lag.
const largeDriftTokens = 1000

// Reconcile recomputes an owner's true balance from pack state and corrects
// the cache if it drifted. The comparison read runs without the owner lock;
// a corrective write re-checks under the lock before touching anything.
// Every correction is recorded as a ledger entry, never applied invisibly.
func (e *Engine) Reconcile(ctx context.Context, ownerID string) (*models.ReconcileResult, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	cached, err := e.cachedTotal(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	actual, err := e.packTotal(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if cached == actual {
		_, err = e.db.ExecContext(ctx, `
			UPDATE bursar.balance_cache SET last_reconciled_at = NOW() WHERE owner_id = $1
		`, ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to stamp reconciliation: %w", err)
		}
		return &models.ReconcileResult{OwnerID: ownerID, Before: cached, After: cached}, nil
	}

	if err := e.lockOwner(ownerID); err != nil {
		return nil, err
	}
	defer e.locks.release(ownerID)

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Re-check under the lock: the drift may have been a consume or sweep
	// committing between our two reads.
	var before int64
	err = tx.QueryRow(`
		SELECT cached_total FROM bursar.balance_cache WHERE owner_id = $1 FOR UPDATE
	`, ownerID).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		before = 0
	} else if err != nil {
		return nil, fmt.Errorf("failed to lock balance cache: %w", err)
	}

	var after int64
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(tokens_remaining), 0)
		FROM bursar.token_packs
		WHERE owner_id = $1 AND active = TRUE
	`, ownerID).Scan(&after)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute balance: %w", err)
	}

	if before == after {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
		}
		return &models.ReconcileResult{OwnerID: ownerID, Before: before, After: after}, nil
	}

	drift := after - before
	correctionKey := fmt.Sprintf("recon:%s:%d", ownerID, time.Now().UnixNano())
	_, err = tx.Exec(`
		INSERT INTO bursar.ledger_entries (id, owner_id, pack_id, delta, reason, idempotency_key)
		VALUES ($1, $2, NULL, $3, $4, $5)
	`, uuid.New().String(), ownerID, drift, models.ReasonReconciliationCorrection, correctionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to append correction entry: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO bursar.balance_cache (owner_id, cached_total, last_reconciled_at, version)
		VALUES ($1, $2, NOW(), 1)
		ON CONFLICT (owner_id) DO UPDATE SET
			cached_total = $2,
			last_reconciled_at = NOW(),
			version = balance_cache.version + 1,
			updated_at = NOW()
	`, ownerID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to correct balance cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
	}

	e.metrics.driftObserved(drift)
	fields := logging.Fields{
		"owner_id": ownerID,
		"before":   before,
		"after":    after,
		"drift":    drift,
	}
	if drift >= largeDriftTokens || drift <= -largeDriftTokens {
		e.logger.WithFields(fields).Error("Reconciliation corrected large balance drift")
	} else {
		e.logger.WithFields(fields).Warn("Reconciliation corrected balance drift")
	}

	return &models.ReconcileResult{OwnerID: ownerID, Before: before, After: after, Corrected: true}, nil
}

// ReconcileAll reconciles every owner known to the ledger. Busy owners are
// skipped; the next cycle catches them.
func (e *Engine) ReconcileAll(ctx context.Context) ([]models.ReconcileResult, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT DISTINCT owner_id FROM bursar.token_packs
		UNION
		SELECT owner_id FROM bursar.balance_cache
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var ownerID string
		if err := rows.Scan(&ownerID); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, ownerID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var corrected []models.ReconcileResult
	for _, ownerID := range owners {
		if ctx.Err() != nil {
			return corrected, ctx.Err()
		}
		result, err := e.Reconcile(ctx, ownerID)
		if errors.Is(err, ErrBusy) {
			continue
		}
		if err != nil {
			e.logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to reconcile owner")
			continue
		}
		if result.Corrected {
			corrected = append(corrected, *result)
		}
	}
	return corrected, nil
}

// cachedTotal reads the owner's cached balance; a missing row reads as zero.
func (e *Engine) cachedTotal(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := e.db.QueryRowContext(ctx, `
		SELECT cached_total FROM bursar.balance_cache WHERE owner_id = $1
	`, ownerID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance cache: %w", err)
	}
	return total, nil
}

// packTotal computes the owner's authoritative balance from active packs.
func (e *Engine) packTotal(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := e.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_remaining), 0)
		FROM bursar.token_packs
		WHERE owner_id = $1 AND active = TRUE
	`, ownerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pack balances: %w", err)
	}
	return total, nil
}
