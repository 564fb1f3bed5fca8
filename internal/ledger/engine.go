// Package ledger implements the token ledger and consumption engine: prepaid
// token packs with expiry, an append-only entry log, FIFO-by-expiry
// consumption, scheduled expiry sweeps, and reconciliation of the derived
// balance cache.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"talecast/pkg/logging"
	"talecast/pkg/models"
)

const defaultLockWait = 2 * time.Second

// Engine coordinates all balance-affecting operations. Mutations for one
// owner are serialized through a keyed lock plus row locks in Postgres, so
// concurrent consumes, credits and sweeps never interleave mid-transaction.
type Engine struct {
	db       *sql.DB
	logger   logging.Logger
	locks    *ownerLocks
	notifier Notifier
	metrics  *Metrics
	lockWait time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the balance-change notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics sets the engine's Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLockWait sets how long a mutation waits for the per-owner lock before
// returning ErrBusy.
func WithLockWait(d time.Duration) Option {
	return func(e *Engine) { e.lockWait = d }
}

// New creates an Engine on the given database.
func New(database *sql.DB, log logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:       database,
		logger:   log,
		locks:    newOwnerLocks(),
		notifier: NoopNotifier{},
		lockWait: defaultLockWait,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockOwner acquires the keyed lock for an owner, honoring ctx cancellation
// through the bounded wait.
func (e *Engine) lockOwner(ownerID string) error {
	if e.locks.acquire(ownerID, e.lockWait) {
		return nil
	}
	e.metrics.lockTimeout()
	return ErrBusy
}

// refreshCacheTx recomputes the owner's cached total from active packs inside
// the caller's transaction and bumps the cache version. Returns the new total
// and version for notification.
func (e *Engine) refreshCacheTx(tx *sql.Tx, ownerID string) (int64, int64, error) {
	var total, version int64
	err := tx.QueryRow(`
		INSERT INTO bursar.balance_cache (owner_id, cached_total, version)
		VALUES ($1, (
			SELECT COALESCE(SUM(tokens_remaining), 0)
			FROM bursar.token_packs
			WHERE owner_id = $1 AND active = TRUE
		), 1)
		ON CONFLICT (owner_id) DO UPDATE SET
			cached_total = (
				SELECT COALESCE(SUM(tokens_remaining), 0)
				FROM bursar.token_packs
				WHERE token_packs.owner_id = $1 AND active = TRUE
			),
			version = balance_cache.version + 1,
			updated_at = NOW()
		RETURNING cached_total, version
	`, ownerID).Scan(&total, &version)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to refresh balance cache: %w", err)
	}
	return total, version, nil
}

// notifyBalance publishes a balance-changed event best-effort.
func (e *Engine) notifyBalance(ctx context.Context, ownerID string, total, version int64) {
	e.notifier.BalanceChanged(ctx, models.BalanceChangedEvent{
		OwnerID:  ownerID,
		NewTotal: total,
		Version:  version,
	})
}
