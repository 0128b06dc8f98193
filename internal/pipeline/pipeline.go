package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"votepulse/internal/model"
)

// MatchReader loads match state for eligibility checks.
type MatchReader interface {
	GetMatch(ctx context.Context, id string) (model.Match, error)
}

// Ledger is the durable, append-only vote record plus the fraud event table.
type Ledger interface {
	CountVotes(ctx context.Context, matchID, fingerprintHash string) (int, error)
	InsertVote(ctx context.Context, entry model.VoteLedgerEntry) error
	InsertFraudEvent(ctx context.Context, ev model.FraudEvent) error
}

// Aggregator performs the atomic increment-or-insert on the two aggregate
// dimensions. Implementations must make each increment a single indivisible
// operation against the shared store, never read-then-write.
type Aggregator interface {
	IncrementCell(ctx context.Context, matchID, cellIndex string, resolution int, team model.Team) (model.CellAggregate, error)
	IncrementCountry(ctx context.Context, matchID, countryCode string, team model.Team) (model.CountryAggregate, error)
}

// Publisher distributes committed aggregate deltas to match subscribers.
type Publisher interface {
	PublishDelta(matchID string, delta model.DeltaEvent)
}

// Config holds the orchestrator's runtime settings.
type Config struct {
	DefaultVoteCap int
	StoreTimeout   time.Duration
	VerifyTimeout  time.Duration
	BurstWindow    time.Duration
}

// identityHashes are the hashed forms of the raw submission identifiers.
// Raw values never reach a store.
type identityHashes struct {
	fingerprint string
	address     string
	userAgent   string
}

func hashIdentity(sub model.Submission) identityHashes {
	return identityHashes{
		fingerprint: hashValue(sub.Fingerprint),
		address:     hashValue(sub.RemoteAddr),
		userAgent:   hashValue(sub.UserAgent),
	}
}

func hashValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
