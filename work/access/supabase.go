package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mktv-gateway/work/types"
)

const requestsTable = "access_requests"

// SupabaseStore keeps the approval ledger in a Supabase table, reached over
// the PostgREST interface. Writes go through on_conflict upserts so the
// ledger tolerates concurrent first-sign-ins of the same account.
type SupabaseStore struct {
	baseURL string
	apiKey  string // service key preferred; falls back to the anon key
	client  *http.Client
}

// accessRow is the wire shape of one ledger row.
type accessRow struct {
	Email      string     `json:"email"`
	Approved   bool       `json:"approved"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// NewSupabaseStore builds a ledger client. Returns nil when the project URL
// or key is missing, which the gate reports as unconfigured.
func NewSupabaseStore(baseURL, apiKey string, client *http.Client) *SupabaseStore {
	if baseURL == "" || apiKey == "" {
		return nil
	}
	return &SupabaseStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

// Get reads the ledger row for an email, or nil when none exists.
func (s *SupabaseStore) Get(ctx context.Context, email string) (*types.AccessRecord, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?select=email,approved,approved_by,approved_at&email=eq.%s",
		s.baseURL, requestsTable, url.QueryEscape(email))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("ledger lookup failed with status %d", resp.StatusCode)
	}

	var rows []accessRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	return &types.AccessRecord{
		Email:      row.Email,
		Approved:   row.Approved,
		ApprovedBy: row.ApprovedBy,
		ApprovedAt: row.ApprovedAt,
	}, nil
}

// EnsurePending creates an unapproved row for the email if none exists.
// ignore-duplicates makes the call idempotent across concurrent sign-ins.
func (s *SupabaseStore) EnsurePending(ctx context.Context, email string) error {
	return s.upsert(ctx, accessRow{Email: email, Approved: false}, "ignore-duplicates")
}

// Approve upserts an approved row for the email. merge-duplicates turns an
// existing pending row into an approved one in place.
func (s *SupabaseStore) Approve(ctx context.Context, email, approvedBy string) error {
	now := time.Now().UTC()
	return s.upsert(ctx, accessRow{
		Email:      email,
		Approved:   true,
		ApprovedBy: approvedBy,
		ApprovedAt: &now,
	}, "merge-duplicates")
}

// ListPending returns the emails of all unapproved rows.
func (s *SupabaseStore) ListPending(ctx context.Context) ([]string, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?select=email&approved=eq.false&order=email.asc",
		s.baseURL, requestsTable)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pending list failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("pending list failed with status %d", resp.StatusCode)
	}

	var rows []accessRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("pending list failed: %w", err)
	}

	emails := make([]string, 0, len(rows))
	for _, row := range rows {
		emails = append(emails, row.Email)
	}
	return emails, nil
}

func (s *SupabaseStore) upsert(ctx context.Context, row accessRow, resolution string) error {
	endpoint := fmt.Sprintf("%s/rest/v1/%s?on_conflict=email", s.baseURL, requestsTable)

	body, err := json.Marshal([]accessRow{row})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution="+resolution+",return=minimal")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger upsert failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// 409 can still surface from races the resolution header does not cover;
	// the row exists either way, which is all EnsurePending needs.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("ledger upsert failed with status %d", resp.StatusCode)
	}
	return nil
}

func (s *SupabaseStore) setHeaders(req *http.Request) {
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
}
