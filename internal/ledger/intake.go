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

// Credit grants a new token pack from a confirmed payment or an explicit
// admin grant. sourceRef is the payment-event or ticket identifier; payment
// providers redeliver webhooks by design, so calling this N times for the
// same sourceRef creates exactly one pack and returns its id every time.
func (e *Engine) Credit(ctx context.Context, ownerID, sourceRef string, tokens int64, expiresAt *time.Time) (*models.TokenPack, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if sourceRef == "" {
		return nil, ErrKeyRequired
	}
	if tokens <= 0 {
		return nil, ErrInvalidAmount
	}

	// Redelivery fast path before any validation that depends on the clock:
	// providers retry events for days, so a replay can arrive after the
	// pack's own expiry has passed and must still resolve to the pack.
	if pack, err := e.packBySourceRef(ctx, sourceRef); err != nil {
		return nil, err
	} else if pack != nil {
		e.metrics.creditResult("replayed")
		return pack, nil
	}

	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return nil, ErrInvalidExpiry
	}

	if err := e.lockOwner(ownerID); err != nil {
		e.metrics.creditResult("busy")
		return nil, err
	}
	defer e.locks.release(ownerID)

	pack, err := e.creditTx(ctx, ownerID, sourceRef, tokens, expiresAt, models.ReasonPurchase)
	if err != nil {
		if errors.Is(err, errDuplicateConsumption) {
			// Another delivery of the same event committed first.
			prior, lookupErr := e.packBySourceRef(ctx, sourceRef)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if prior == nil {
				return nil, fmt.Errorf("duplicate source ref %q has no pack", sourceRef)
			}
			e.metrics.creditResult("replayed")
			return prior, nil
		}
		e.metrics.creditResult("error")
		return nil, err
	}

	e.metrics.creditResult("ok")
	e.logger.WithFields(logging.Fields{
		"owner_id":   ownerID,
		"pack_id":    pack.ID,
		"tokens":     tokens,
		"source_ref": sourceRef,
	}).Info("Credited token pack")
	return pack, nil
}

// Adjust applies a manual correction. A positive delta grants a
// never-expiring pack so the ledger sum stays in lockstep with pack state; a
// negative delta force-deducts across packs in the usual FIFO order. The
// reference makes the call idempotent.
func (e *Engine) Adjust(ctx context.Context, ownerID string, delta int64, reference string) (string, error) {
	if ownerID == "" {
		return "", ErrOwnerRequired
	}
	if reference == "" {
		return "", ErrKeyRequired
	}
	if delta == 0 {
		return "", ErrInvalidAmount
	}

	sourceRef := "admin:" + reference

	if delta < 0 {
		if receipt, err := e.consumptionReceipt(ctx, ownerID, sourceRef, models.ReasonAdminAdjustment); err != nil {
			return "", err
		} else if receipt != nil {
			return "", nil
		}

		if err := e.lockOwner(ownerID); err != nil {
			return "", err
		}
		defer e.locks.release(ownerID)

		_, err := e.deductOnce(ctx, ownerID, -delta, sourceRef, models.ReasonAdminAdjustment)
		if errors.Is(err, errDuplicateConsumption) {
			return "", nil
		}
		if errors.Is(err, errPackConflict) {
			_, err = e.deductOnce(ctx, ownerID, -delta, sourceRef, models.ReasonAdminAdjustment)
		}
		if err != nil {
			return "", err
		}
		e.logger.WithFields(logging.Fields{
			"owner_id":  ownerID,
			"delta":     delta,
			"reference": reference,
		}).Info("Applied negative adjustment")
		return "", nil
	}

	if pack, err := e.packBySourceRef(ctx, sourceRef); err != nil {
		return "", err
	} else if pack != nil {
		return pack.ID, nil
	}

	if err := e.lockOwner(ownerID); err != nil {
		return "", err
	}
	defer e.locks.release(ownerID)

	pack, err := e.creditTx(ctx, ownerID, sourceRef, delta, nil, models.ReasonAdminAdjustment)
	if err != nil {
		if errors.Is(err, errDuplicateConsumption) {
			prior, lookupErr := e.packBySourceRef(ctx, sourceRef)
			if lookupErr != nil {
				return "", lookupErr
			}
			if prior != nil {
				return prior.ID, nil
			}
		}
		return "", err
	}

	e.logger.WithFields(logging.Fields{
		"owner_id":  ownerID,
		"delta":     delta,
		"pack_id":   pack.ID,
		"reference": reference,
	}).Info("Applied positive adjustment")
	return pack.ID, nil
}

// creditTx creates a pack plus its grant entry and refreshes the cache in one
// transaction.
func (e *Engine) creditTx(ctx context.Context, ownerID, sourceRef string, tokens int64, expiresAt *time.Time, reason string) (*models.TokenPack, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	pack := &models.TokenPack{
		OwnerID:         ownerID,
		TokensGranted:   tokens,
		TokensRemaining: tokens,
		ExpiresAt:       expiresAt,
		SourceRef:       sourceRef,
		Active:          true,
	}
	err = tx.QueryRow(`
		INSERT INTO bursar.token_packs (id, owner_id, tokens_granted, tokens_remaining, expires_at, source_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, granted_at, created_at, updated_at
	`, uuid.New().String(), ownerID, tokens, tokens, expiresAt, sourceRef).
		Scan(&pack.ID, &pack.GrantedAt, &pack.CreatedAt, &pack.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errDuplicateConsumption
		}
		return nil, fmt.Errorf("failed to create token pack: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO bursar.ledger_entries (id, owner_id, pack_id, delta, reason, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), ownerID, pack.ID, tokens, reason, sourceRef)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errDuplicateConsumption
		}
		return nil, fmt.Errorf("failed to append grant entry: %w", err)
	}

	total, version, err := e.refreshCacheTx(tx, ownerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credit: %w", err)
	}

	e.notifyBalance(ctx, ownerID, total, version)
	return pack, nil
}

// packBySourceRef returns the pack created for a source reference, or nil.
func (e *Engine) packBySourceRef(ctx context.Context, sourceRef string) (*models.TokenPack, error) {
	var p models.TokenPack
	err := e.db.QueryRowContext(ctx, `
		SELECT id, owner_id, tokens_granted, tokens_remaining,
		       granted_at, expires_at, source_ref, active, created_at, updated_at
		FROM bursar.token_packs
		WHERE source_ref = $1
	`, sourceRef).Scan(&p.ID, &p.OwnerID, &p.TokensGranted, &p.TokensRemaining,
		&p.GrantedAt, &p.ExpiresAt, &p.SourceRef, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pack by source ref: %w", err)
	}
	return &p, nil
}
