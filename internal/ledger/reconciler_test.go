package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"talecast/pkg/models"
)

func TestReconcile_NoDrift(t *testing.T) {
	engine, mock := newTestEngine(t)

	ownerID := uuid.New().String()

	mock.ExpectQuery(`SELECT cached_total FROM bursar.balance_cache`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"cached_total"}).AddRow(50))
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(50))
	mock.ExpectExec(`UPDATE bursar.balance_cache SET last_reconciled_at`).
		WithArgs(ownerID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := engine.Reconcile(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Corrected {
		t.Fatal("matching totals must not produce a correction")
	}
	if result.Before != 50 || result.After != 50 {
		t.Fatalf("expected 50/50, got %d/%d", result.Before, result.After)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcile_CorrectsDriftWithLedgerEntry(t *testing.T) {
	engine, mock := newTestEngine(t)

	ownerID := uuid.New().String()

	mock.ExpectQuery(`SELECT cached_total FROM bursar.balance_cache`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"cached_total"}).AddRow(100))
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(70))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT cached_total.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"cached_total"}).AddRow(100))
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(70))
	mock.ExpectExec(`INSERT INTO bursar.ledger_entries`).
		WithArgs(sqlmock.AnyArg(), ownerID, int64(-30), models.ReasonReconciliationCorrection, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO bursar.balance_cache`).
		WithArgs(ownerID, int64(70)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := engine.Reconcile(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Corrected {
		t.Fatal("expected a correction")
	}
	if result.Before != 100 || result.After != 70 {
		t.Fatalf("expected 100 -> 70, got %d -> %d", result.Before, result.After)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcile_DriftResolvedBeforeLock(t *testing.T) {
	engine, mock := newTestEngine(t)

	ownerID := uuid.New().String()

	// Unlocked comparison sees drift from an in-flight consume.
	mock.ExpectQuery(`SELECT cached_total FROM bursar.balance_cache`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"cached_total"}).AddRow(100))
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(80))

	// Under the lock the totals agree again; no correction is written.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT cached_total.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"cached_total"}).AddRow(80))
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(80))
	mock.ExpectCommit()

	result, err := engine.Reconcile(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Corrected {
		t.Fatal("transient drift must not produce a correction")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReconcileAll_ReportsCorrectedOwners(t *testing.T) {
	engine, mock := newTestEngine(t)

	owner1 := uuid.New().String()

	mock.ExpectQuery(`SELECT DISTINCT owner_id FROM bursar.token_packs`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow(owner1))

	mock.ExpectQuery(`SELECT cached_total FROM bursar.balance_cache`).
		WithArgs(owner1).
		WillReturnRows(sqlmock.NewRows([]string{"cached_total"}).AddRow(10))
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(owner1).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(10))
	mock.ExpectExec(`UPDATE bursar.balance_cache SET last_reconciled_at`).
		WithArgs(owner1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	corrected, err := engine.ReconcileAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(corrected) != 0 {
		t.Fatalf("expected no corrections, got %d", len(corrected))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
