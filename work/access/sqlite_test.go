package access

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore returned error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteLedgerLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record, err := store.Get(ctx, "viewer@example.com")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record != nil {
		t.Fatalf("expected no row for unknown email, got %+v", record)
	}

	// EnsurePending is idempotent: three calls, one row.
	for i := 0; i < 3; i++ {
		if err := store.EnsurePending(ctx, "viewer@example.com"); err != nil {
			t.Fatalf("EnsurePending returned error: %v", err)
		}
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending returned error: %v", err)
	}
	if len(pending) != 1 || pending[0] != "viewer@example.com" {
		t.Fatalf("unexpected pending list: %v", pending)
	}

	if err := store.Approve(ctx, "viewer@example.com", "admin@example.com"); err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}

	record, err = store.Get(ctx, "viewer@example.com")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record == nil || !record.Approved || record.ApprovedBy != "admin@example.com" || record.ApprovedAt == nil {
		t.Fatalf("unexpected record after approval: %+v", record)
	}

	pending, err = store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending returned error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty pending list after approval, got %v", pending)
	}
}

func TestSQLiteApproveUnknownEmailCreatesRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Approve(ctx, "new@example.com", "admin@example.com"); err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}
	record, err := store.Get(ctx, "new@example.com")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record == nil || !record.Approved {
		t.Fatalf("expected approved row created by upsert, got %+v", record)
	}
}
