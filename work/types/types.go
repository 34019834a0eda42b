package types

import "time"

// Channel represents a single playable catalog entry parsed from a playlist
// source. The URL doubles as the channel's identity: it is the unique key the
// client uses for favorites and recents, and the address the proxy fetches on
// the channel's behalf. Channels are immutable once the catalog is built.
type Channel struct {
	ID    string `json:"id"`    // tvg-id attribute, may be empty
	Name  string `json:"name"`  // display name from the EXTINF line
	Logo  string `json:"logo"`  // tvg-logo attribute, may be empty
	Group string `json:"group"` // group-title attribute, falls back to a default label
	URL   string `json:"url"`   // upstream playable address, unique per channel
}

// Group is a derived aggregate recomputed at catalog build time: one entry per
// distinct group label with the number of channels carrying it.
type Group struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Identity is the result of a successful bearer-token verification against the
// identity provider.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// AccessRecord is one row of the approval ledger. The gate only ever
// reads-then-conditionally-creates or reads-then-updates these; approval state
// is never cached, so a ledger change takes effect on the very next request.
type AccessRecord struct {
	Email      string     `json:"email"`
	Approved   bool       `json:"approved"`
	ApprovedBy string     `json:"approvedBy,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
}

// AccessStatus is what /api/access/status reports back to the client so it can
// distinguish "wait for approval" from "denied".
type AccessStatus struct {
	Approved bool   `json:"approved"`
	Pending  bool   `json:"pending"`
	IsAdmin  bool   `json:"isAdmin"`
	Email    string `json:"email"`
}
