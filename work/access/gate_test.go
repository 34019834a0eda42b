package access

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mktv-gateway/work/auth"
	"mktv-gateway/work/logger"
	"mktv-gateway/work/types"
)

// memoryStore is an in-memory ledger for gate tests. ensureCalls counts
// EnsurePending invocations to verify the upsert stays idempotent.
type memoryStore struct {
	mu          sync.Mutex
	rows        map[string]*types.AccessRecord
	ensureCalls int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string]*types.AccessRecord)}
}

func (m *memoryStore) Get(ctx context.Context, email string) (*types.AccessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[email]; ok {
		copied := *row
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryStore) EnsurePending(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureCalls++
	if _, ok := m.rows[email]; !ok {
		m.rows[email] = &types.AccessRecord{Email: email}
	}
	return nil
}

func (m *memoryStore) Approve(ctx context.Context, email, approvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.rows[email] = &types.AccessRecord{Email: email, Approved: true, ApprovedBy: approvedBy, ApprovedAt: &now}
	return nil
}

func (m *memoryStore) ListPending(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var emails []string
	for email, row := range m.rows {
		if !row.Approved {
			emails = append(emails, email)
		}
	}
	return emails, nil
}

// newTestGate wires a gate against a fake identity provider where the token
// literally is the account email.
func newTestGate(t *testing.T, store Store, admins []string) (*Gate, func()) {
	t.Helper()
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")[len("Bearer "):]
		json.NewEncoder(w).Encode(map[string]string{"id": "uid-" + token, "email": token})
	}))

	verifier := auth.NewVerifier(provider.URL, "anon", time.Minute, 100, http.DefaultClient, logger.New("ERROR"))
	gate := NewGate(verifier, store, admins, logger.New("ERROR"))
	return gate, provider.Close
}

func TestAdminBypassesLedger(t *testing.T) {
	store := newMemoryStore()
	gate, done := newTestGate(t, store, []string{"Admin@Example.com"})
	defer done()

	grant, err := gate.RequireApproved(context.Background(), "admin@example.com")
	if err != nil {
		t.Fatalf("RequireApproved returned error: %v", err)
	}
	if !grant.IsAdmin {
		t.Fatal("expected admin grant")
	}
	if store.ensureCalls != 0 {
		t.Fatal("admin must never touch the ledger")
	}
}

func TestUnapprovedGetsPendingAndExactlyOneRow(t *testing.T) {
	store := newMemoryStore()
	gate, done := newTestGate(t, store, nil)
	defer done()

	for i := 0; i < 3; i++ {
		_, err := gate.RequireApproved(context.Background(), "viewer@example.com")
		if !errors.Is(err, ErrPendingApproval) {
			t.Fatalf("attempt %d: expected ErrPendingApproval, got %v", i, err)
		}
	}

	if len(store.rows) != 1 {
		t.Fatalf("expected exactly one pending row, got %d", len(store.rows))
	}
	row := store.rows["viewer@example.com"]
	if row == nil || row.Approved {
		t.Fatalf("expected unapproved pending row, got %+v", row)
	}
}

func TestApproveTakesEffectImmediately(t *testing.T) {
	store := newMemoryStore()
	gate, done := newTestGate(t, store, []string{"admin@example.com"})
	defer done()

	if _, err := gate.RequireApproved(context.Background(), "viewer@example.com"); !errors.Is(err, ErrPendingApproval) {
		t.Fatalf("expected pending before approval, got %v", err)
	}

	if err := gate.Approve(context.Background(), "admin@example.com", "viewer@example.com"); err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}

	grant, err := gate.RequireApproved(context.Background(), "viewer@example.com")
	if err != nil {
		t.Fatalf("expected approval to take effect on the next request: %v", err)
	}
	if grant.IsAdmin {
		t.Fatal("regular approval must not grant admin")
	}
	if store.rows["viewer@example.com"].ApprovedBy != "admin@example.com" {
		t.Fatalf("expected approver recorded, got %+v", store.rows["viewer@example.com"])
	}
}

func TestAdminOnlyOperations(t *testing.T) {
	store := newMemoryStore()
	gate, done := newTestGate(t, store, []string{"admin@example.com"})
	defer done()

	if _, err := gate.ListPending(context.Background(), "viewer@example.com"); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin for ListPending, got %v", err)
	}
	if err := gate.Approve(context.Background(), "viewer@example.com", "other@example.com"); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin for Approve, got %v", err)
	}

	gate.RequireApproved(context.Background(), "viewer@example.com")
	pending, err := gate.ListPending(context.Background(), "admin@example.com")
	if err != nil {
		t.Fatalf("ListPending returned error: %v", err)
	}
	if len(pending) != 1 || pending[0] != "viewer@example.com" {
		t.Fatalf("unexpected pending list: %v", pending)
	}
}

func TestStatusReportsPendingState(t *testing.T) {
	store := newMemoryStore()
	gate, done := newTestGate(t, store, []string{"admin@example.com"})
	defer done()

	status, err := gate.Status(context.Background(), "viewer@example.com")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Approved || !status.Pending || status.IsAdmin {
		t.Fatalf("unexpected status for unapproved account: %+v", status)
	}

	status, err = gate.Status(context.Background(), "admin@example.com")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if !status.Approved || !status.IsAdmin || status.Pending {
		t.Fatalf("unexpected status for admin: %+v", status)
	}
}

func TestNilStoreIsUnconfigured(t *testing.T) {
	gate, done := newTestGate(t, nil, []string{"admin@example.com"})
	defer done()

	if _, err := gate.RequireApproved(context.Background(), "viewer@example.com"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	// The fixed allowlist still works without a ledger.
	if _, err := gate.RequireApproved(context.Background(), "admin@example.com"); err != nil {
		t.Fatalf("expected admin to pass without a ledger: %v", err)
	}
}
