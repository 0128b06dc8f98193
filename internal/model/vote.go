package model

import "time"

// VoteLedgerEntry is one accepted vote in the append-only ledger. All
// identifiers are stored hashed; entries are never mutated after insert
// except for the administrative soft-delete flag.
type VoteLedgerEntry struct {
	ID              string
	MatchID         string
	Team            Team
	FingerprintHash string
	AddressHash     string
	UserAgentHash   string
	CellIndex       string
	Resolution      int
	CountryCode     string
	Source          LocationSource
	Consent         bool
	Nonce           string
	SubmittedAt     time.Time
	Deleted         bool
}

// CellTotals are the per-team counters for one spatial cell.
type CellTotals struct {
	TeamA int64 `json:"team_a"`
	TeamB int64 `json:"team_b"`
	Total int64 `json:"total"`
}

// Receipt is the success response for an accepted vote. Cell holds the
// freshly incremented counters for the vote's own spatial cell; Degraded is
// set when the ledger insert succeeded but an aggregate increment did not.
type Receipt struct {
	VoteID   string
	Cell     CellTotals
	Flagged  bool
	Degraded bool
}
