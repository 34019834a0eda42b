package access

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"mktv-gateway/work/types"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS access_requests (
	email       TEXT PRIMARY KEY,
	approved    INTEGER NOT NULL DEFAULT 0,
	approved_by TEXT NOT NULL DEFAULT '',
	approved_at TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
);`

// SQLiteStore keeps the approval ledger in a local sqlite file. It exists for
// deployments without a Supabase project: same Store contract, same upsert
// semantics, no external dependency.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the ledger database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get reads the ledger row for an email, or nil when none exists.
func (s *SQLiteStore) Get(ctx context.Context, email string) (*types.AccessRecord, error) {
	var (
		approved   int
		approvedBy string
		approvedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT approved, approved_by, approved_at FROM access_requests WHERE email = ?`,
		email).Scan(&approved, &approvedBy, &approvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}

	record := &types.AccessRecord{
		Email:      email,
		Approved:   approved != 0,
		ApprovedBy: approvedBy,
	}
	if approvedAt != "" {
		if t, err := time.Parse(time.RFC3339, approvedAt); err == nil {
			record.ApprovedAt = &t
		}
	}
	return record, nil
}

// EnsurePending inserts an unapproved row if the email is unknown.
func (s *SQLiteStore) EnsurePending(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_requests (email, approved) VALUES (?, 0)
		 ON CONFLICT(email) DO NOTHING`, email)
	if err != nil {
		return fmt.Errorf("ledger upsert failed: %w", err)
	}
	return nil
}

// Approve upserts an approved row for the email.
func (s *SQLiteStore) Approve(ctx context.Context, email, approvedBy string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_requests (email, approved, approved_by, approved_at)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET
			approved = 1,
			approved_by = excluded.approved_by,
			approved_at = excluded.approved_at`,
		email, approvedBy, now)
	if err != nil {
		return fmt.Errorf("ledger upsert failed: %w", err)
	}
	return nil
}

// ListPending returns the emails of all unapproved rows, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email FROM access_requests WHERE approved = 0 ORDER BY created_at, email`)
	if err != nil {
		return nil, fmt.Errorf("pending list failed: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("pending list failed: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}
