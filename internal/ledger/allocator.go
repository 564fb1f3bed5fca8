package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"talecast/pkg/logging"
	"talecast/pkg/models"
)

// errDuplicateConsumption signals that another call with the same idempotency
// key committed first. The original receipt is rebuilt from the ledger.
var errDuplicateConsumption = errors.New("idempotency key already consumed")

// lockedPack is a pack row held under FOR UPDATE during an allocation scan.
type lockedPack struct {
	id        string
	remaining int64
}

// Consume deducts tokens from the owner's packs in FIFO-by-expiry order.
// The whole call is atomic: either every pack decrement and ledger entry
// commits, or nothing does. Replaying the same idempotency key returns the
// original receipt without mutating anything.
func (e *Engine) Consume(ctx context.Context, ownerID string, tokens int64, idempotencyKey string) (*models.ConsumptionReceipt, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if idempotencyKey == "" {
		return nil, ErrKeyRequired
	}
	if tokens <= 0 {
		return nil, ErrInvalidAmount
	}

	// Replay check before taking the lock: redelivered requests are common
	// and should not contend with live traffic.
	if receipt, err := e.consumptionReceipt(ctx, ownerID, idempotencyKey, models.ReasonConsumption); err != nil {
		return nil, err
	} else if receipt != nil {
		e.metrics.consumeResult("replayed")
		return receipt, nil
	}

	if err := e.lockOwner(ownerID); err != nil {
		e.metrics.consumeResult("busy")
		return nil, err
	}
	defer e.locks.release(ownerID)

	// The sweeper can expire a pack between our scan and the guarded
	// decrement when it runs from another process. One rescan picks up the
	// post-sweep state.
	var receipt *models.ConsumptionReceipt
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		receipt, err = e.deductOnce(ctx, ownerID, tokens, idempotencyKey, models.ReasonConsumption)
		if !errors.Is(err, errPackConflict) {
			break
		}
		e.logger.WithFields(logging.Fields{
			"owner_id": ownerID,
			"attempt":  attempt + 1,
		}).Warn("Pack changed during allocation, rescanning")
	}

	switch {
	case err == nil:
		e.metrics.consumeResult("ok")
		return receipt, nil
	case errors.Is(err, errDuplicateConsumption):
		// Lost a race with an identical request; hand back its receipt.
		prior, lookupErr := e.consumptionReceipt(ctx, ownerID, idempotencyKey, models.ReasonConsumption)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if prior == nil {
			return nil, fmt.Errorf("duplicate consumption key %q has no ledger entries", idempotencyKey)
		}
		e.metrics.consumeResult("replayed")
		return prior, nil
	case errors.Is(err, ErrInsufficientBalance):
		e.metrics.consumeResult("insufficient")
		return nil, err
	case errors.Is(err, errPackConflict):
		e.metrics.consumeResult("conflict")
		return nil, fmt.Errorf("allocation conflicted twice for owner %s: %w", ownerID, err)
	default:
		e.metrics.consumeResult("error")
		return nil, err
	}
}

// deductOnce runs a single scan-then-apply allocation in one transaction.
func (e *Engine) deductOnce(ctx context.Context, ownerID string, tokens int64, idempotencyKey, reason string) (*models.ConsumptionReceipt, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	packs, err := scanPacksForUpdate(tx, ownerID)
	if err != nil {
		return nil, err
	}

	// Decide before touching anything: a shortfall discovered halfway
	// through the list must leave no partial decrements behind.
	var available int64
	for _, p := range packs {
		available += p.remaining
	}
	if available < tokens {
		return nil, ErrInsufficientBalance
	}

	receipt := &models.ConsumptionReceipt{
		OwnerID:        ownerID,
		IdempotencyKey: idempotencyKey,
	}

	needed := tokens
	for _, p := range packs {
		if needed == 0 {
			break
		}
		slice := p.remaining
		if slice > needed {
			slice = needed
		}

		res, err := tx.Exec(`
			UPDATE bursar.token_packs
			SET tokens_remaining = tokens_remaining - $1,
			    active = (tokens_remaining - $1) > 0,
			    updated_at = NOW()
			WHERE id = $2 AND active = TRUE AND tokens_remaining >= $1
		`, slice, p.id)
		if err != nil {
			return nil, fmt.Errorf("failed to decrement pack %s: %w", p.id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check decrement of pack %s: %w", p.id, err)
		}
		if affected != 1 {
			return nil, errPackConflict
		}

		_, err = tx.Exec(`
			INSERT INTO bursar.ledger_entries (id, owner_id, pack_id, delta, reason, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), ownerID, p.id, -slice, reason, idempotencyKey)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, errDuplicateConsumption
			}
			return nil, fmt.Errorf("failed to append consumption entry: %w", err)
		}

		receipt.Breakdown = append(receipt.Breakdown, models.PackConsumption{PackID: p.id, Tokens: slice})
		receipt.TotalConsumed += slice
		needed -= slice
	}

	total, version, err := e.refreshCacheTx(tx, ownerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit consumption: %w", err)
	}

	e.notifyBalance(ctx, ownerID, total, version)
	return receipt, nil
}

// scanPacksForUpdate locks and returns the owner's consumable packs in
// FIFO-by-expiry order.
func scanPacksForUpdate(tx *sql.Tx, ownerID string) ([]lockedPack, error) {
	rows, err := tx.Query(`
		SELECT id, tokens_remaining
		FROM bursar.token_packs
		WHERE owner_id = $1
		  AND active = TRUE
		  AND tokens_remaining > 0
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY expires_at ASC NULLS LAST, granted_at ASC
		FOR UPDATE
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock packs: %w", err)
	}
	defer rows.Close()

	var packs []lockedPack
	for rows.Next() {
		var p lockedPack
		if err := rows.Scan(&p.id, &p.remaining); err != nil {
			return nil, fmt.Errorf("failed to scan locked pack: %w", err)
		}
		packs = append(packs, p)
	}
	return packs, rows.Err()
}
