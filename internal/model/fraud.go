package model

import "time"

// Severity categorizes a fraud score by its strongest triggered rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for max comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Decision is the outcome of fraud scoring for one attempt.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionFlag  Decision = "flag"
	DecisionBlock Decision = "block"
)

// FraudEvent records a flagged or blocked attempt for later review. A blocked
// attempt produces a FraudEvent and no ledger entry.
type FraudEvent struct {
	ID              string
	MatchID         string
	VoteID          string
	Severity        Severity
	Score           float64
	Reasons         []string
	FingerprintHash string
	AddressHash     string
	Reviewed        bool
	CreatedAt       time.Time
}
