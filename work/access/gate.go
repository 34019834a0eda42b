package access

import (
	"context"
	"errors"
	"strings"

	"mktv-gateway/work/auth"
	"mktv-gateway/work/logger"
	"mktv-gateway/work/types"
)

var (
	// ErrPendingApproval means the account is known but not yet approved.
	// Distinct from a hard failure so the client can show a waiting state.
	ErrPendingApproval = errors.New("access pending approval")
	// ErrNotAdmin means the caller is not on the administrator allowlist.
	ErrNotAdmin = errors.New("administrator privileges required")
	// ErrNotConfigured means no approval ledger is configured.
	ErrNotConfigured = errors.New("approval ledger not configured")
)

// Store is the approval ledger. Rows are only ever read-then-conditionally-
// created (EnsurePending) or read-then-updated (Approve); both writes are
// idempotent upserts so repeated checks never duplicate rows.
type Store interface {
	Get(ctx context.Context, email string) (*types.AccessRecord, error)
	EnsurePending(ctx context.Context, email string) error
	Approve(ctx context.Context, email, approvedBy string) error
	ListPending(ctx context.Context) ([]string, error)
}

// Grant is an identity that has passed the approval gate.
type Grant struct {
	types.Identity
	IsAdmin bool
}

// Gate enforces the approval workflow on top of token authentication. The
// administrator allowlist is a fixed two-tier escape hatch: those addresses
// never go through the ledger and are always approved.
type Gate struct {
	verifier *auth.Verifier
	store    Store
	admins   map[string]struct{}
	log      *logger.Logger
}

// NewGate builds a Gate. store may be nil, in which case approval checks for
// non-admin accounts fail with ErrNotConfigured.
func NewGate(verifier *auth.Verifier, store Store, adminEmails []string, log *logger.Logger) *Gate {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		if email = normalizeEmail(email); email != "" {
			admins[email] = struct{}{}
		}
	}
	return &Gate{verifier: verifier, store: store, admins: admins, log: log}
}

// Authenticate resolves a bearer token to an identity without consulting the
// ledger. The concurrency manager and proxy need nothing more.
func (g *Gate) Authenticate(ctx context.Context, token string) (types.Identity, error) {
	return g.verifier.Authenticate(ctx, token)
}

// IsAdmin reports whether an email is on the fixed allowlist.
func (g *Gate) IsAdmin(email string) bool {
	_, ok := g.admins[normalizeEmail(email)]
	return ok
}

// Status authenticates the caller and reports their approval state. For an
// unapproved, non-admin account it also ensures a pending ledger row exists,
// so signing in once is enough to show up in the admin's pending list.
func (g *Gate) Status(ctx context.Context, token string) (types.AccessStatus, error) {
	identity, err := g.verifier.Authenticate(ctx, token)
	if err != nil {
		return types.AccessStatus{}, err
	}

	status := types.AccessStatus{Email: identity.Email}
	if g.IsAdmin(identity.Email) {
		status.Approved = true
		status.IsAdmin = true
		return status, nil
	}

	if g.store == nil {
		return status, ErrNotConfigured
	}

	record, err := g.store.Get(ctx, normalizeEmail(identity.Email))
	if err != nil {
		return status, err
	}
	if record != nil && record.Approved {
		status.Approved = true
		return status, nil
	}

	if err := g.store.EnsurePending(ctx, normalizeEmail(identity.Email)); err != nil {
		g.log.Warn("failed to record pending access request for %s: %v", identity.Email, err)
	}
	status.Pending = true
	return status, nil
}

// RequireApproved authenticates and authorizes in one step, failing with
// ErrPendingApproval for accounts still waiting on the ledger.
func (g *Gate) RequireApproved(ctx context.Context, token string) (Grant, error) {
	identity, err := g.verifier.Authenticate(ctx, token)
	if err != nil {
		return Grant{}, err
	}

	if g.IsAdmin(identity.Email) {
		return Grant{Identity: identity, IsAdmin: true}, nil
	}

	if g.store == nil {
		return Grant{}, ErrNotConfigured
	}

	record, err := g.store.Get(ctx, normalizeEmail(identity.Email))
	if err != nil {
		return Grant{}, err
	}
	if record != nil && record.Approved {
		return Grant{Identity: identity}, nil
	}

	if err := g.store.EnsurePending(ctx, normalizeEmail(identity.Email)); err != nil {
		g.log.Warn("failed to record pending access request for %s: %v", identity.Email, err)
	}
	return Grant{}, ErrPendingApproval
}

// ListPending returns emails awaiting approval. Admin only.
func (g *Gate) ListPending(ctx context.Context, token string) ([]string, error) {
	identity, err := g.verifier.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if !g.IsAdmin(identity.Email) {
		return nil, ErrNotAdmin
	}
	if g.store == nil {
		return nil, ErrNotConfigured
	}
	return g.store.ListPending(ctx)
}

// Approve marks an email as approved, creating the row if absent. Admin only.
// The write is synchronous: once it returns, RequireApproved succeeds for
// that account immediately.
func (g *Gate) Approve(ctx context.Context, token, email string) error {
	identity, err := g.verifier.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	if !g.IsAdmin(identity.Email) {
		return ErrNotAdmin
	}
	if g.store == nil {
		return ErrNotConfigured
	}
	email = normalizeEmail(email)
	if email == "" {
		return errors.New("missing email")
	}
	return g.store.Approve(ctx, email, identity.Email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
