package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"talecast/pkg/testutil"
)

func TestGetBalance_CacheHit(t *testing.T) {
	engine, mock := newTestEngine(t)

	ownerID := uuid.New().String()
	mock.ExpectQuery(`SELECT cached_total FROM bursar.balance_cache`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"cached_total"}).AddRow(1234))

	balance, err := engine.GetBalance(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 1234 {
		t.Fatalf("expected 1234, got %d", balance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetBalance_CacheMissSeedsFromPacks(t *testing.T) {
	engine, mock := newTestEngine(t)

	ownerID := uuid.New().String()
	mock.ExpectQuery(`SELECT cached_total FROM bursar.balance_cache`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"cached_total"}))

	mock.ExpectBegin()
	expectCacheRefresh(mock, ownerID, 300, 1)
	mock.ExpectCommit()

	balance, err := engine.GetBalance(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 300 {
		t.Fatalf("expected seeded balance 300, got %d", balance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestActivePacks_OrderedSoonestExpiryFirst(t *testing.T) {
	engine, mock := newTestEngine(t)

	ownerID := uuid.New().String()
	soon := time.Now().Add(24 * time.Hour)

	fixtures := testutil.NewDatabaseFixtures()
	packB := fixtures.ActivePack("pack-b", ownerID, 20, &soon)
	packA := fixtures.ActivePack("pack-a", ownerID, 30, nil)

	mock.ExpectQuery(`SELECT id, owner_id, tokens_granted`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows(fixtures.GetPackColumns()).
			AddRow(fixtures.GetPackRowData(packB)...).
			AddRow(fixtures.GetPackRowData(packA)...))

	packs, err := engine.ActivePacks(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packs) != 2 {
		t.Fatalf("expected 2 packs, got %d", len(packs))
	}
	if packs[0].ID != "pack-b" {
		t.Fatalf("expected soonest-expiring pack first, got %s", packs[0].ID)
	}
	if packs[1].ExpiresAt != nil {
		t.Fatal("never-expiring pack should have nil expiry")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLedger_KeysetPagination(t *testing.T) {
	engine, mock := newTestEngine(t)

	ownerID := uuid.New().String()
	packID := "pack-1"
	fixtures := testutil.NewDatabaseFixtures()

	// limit 2 fetches 3 rows to detect the next page
	mock.ExpectQuery(`SELECT seq, id, owner_id, pack_id`).
		WithArgs(ownerID, int64(0), 3).
		WillReturnRows(sqlmock.NewRows(fixtures.GetLedgerColumns()).
			AddRow(fixtures.GetLedgerRowData(fixtures.LedgerEntry(1, ownerID, &packID, 100, "purchase", "evt_1"))...).
			AddRow(fixtures.GetLedgerRowData(fixtures.LedgerEntry(2, ownerID, &packID, -40, "consumption", "req-1"))...).
			AddRow(fixtures.GetLedgerRowData(fixtures.LedgerEntry(3, ownerID, &packID, -10, "consumption", "req-2"))...))

	entries, hasMore, err := engine.Ledger(context.Background(), ownerID, 0, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasMore {
		t.Fatal("expected another page")
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Fatalf("expected seqs 1,2 got %d,%d", entries[0].Seq, entries[1].Seq)
	}

	mock.ExpectQuery(`SELECT seq, id, owner_id, pack_id`).
		WithArgs(ownerID, int64(2), 3).
		WillReturnRows(sqlmock.NewRows(fixtures.GetLedgerColumns()).
			AddRow(fixtures.GetLedgerRowData(fixtures.LedgerEntry(3, ownerID, &packID, -10, "consumption", "req-2"))...))

	entries, hasMore, err = engine.Ledger(context.Background(), ownerID, 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasMore {
		t.Fatal("expected final page")
	}
	if len(entries) != 1 || entries[0].Seq != 3 {
		t.Fatalf("expected single entry with seq 3, got %+v", entries)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
