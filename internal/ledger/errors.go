package ledger

import "errors"

var (
	// ErrInsufficientBalance is returned when an owner's active packs cannot
	// cover a consumption request. No mutation happens on this path.
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrBusy is returned when the per-owner lock could not be acquired
	// within the configured wait. Callers should retry.
	ErrBusy = errors.New("owner ledger busy")

	// ErrInvalidAmount is returned for zero or negative token amounts.
	ErrInvalidAmount = errors.New("token amount must be positive")

	// ErrInvalidExpiry is returned when a credit carries an expiry that is
	// already in the past.
	ErrInvalidExpiry = errors.New("pack expiry is in the past")

	// ErrOwnerRequired is returned when an owner id is missing.
	ErrOwnerRequired = errors.New("owner id is required")

	// ErrKeyRequired is returned when a mutation is missing its idempotency
	// key or source reference.
	ErrKeyRequired = errors.New("idempotency key is required")

	// errPackConflict signals that a pack chosen by the allocation scan was
	// mutated underneath us, typically expired by the sweeper between the
	// scan and the guarded decrement. The consume call retries the scan once
	// before giving up; the error never reaches callers.
	errPackConflict = errors.New("pack changed during allocation")
)
