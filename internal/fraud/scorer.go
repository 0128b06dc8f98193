package fraud

import (
	"votepulse/internal/config"
	"votepulse/internal/model"
)

// Signals are the store reads feeding one scoring pass. Counts include the
// current attempt, which was recorded before scoring; the rule thresholds are
// calibrated so a lone first attempt never trips them.
type Signals struct {
	DistinctAddresses  int
	SharedFingerprints int
	RecentVotes        int
	CoordinateHits     int
}

// Result is the outcome of scoring one attempt.
type Result struct {
	Score    float64
	Severity model.Severity
	Decision model.Decision
	Reasons  []string
}

// Scorer turns signals into a score, severity and decision. Deterministic:
// same signals and config always produce the same result.
type Scorer struct {
	cfg config.FraudConfig
}

func NewScorer(cfg config.FraudConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score applies the scoring rules. Severity is the highest triggered rule's.
// Thresholds are boundary-inclusive on the allow side: a score exactly at the
// block threshold is allowed-flagged, exactly at the flag threshold is
// allowed-clean.
func (s *Scorer) Score(sig Signals) Result {
	res := Result{Severity: model.SeverityLow, Decision: model.DecisionAllow}

	if sig.DistinctAddresses > 1 {
		res.Score += s.cfg.MultiAddressWeight
		res.Severity = res.Severity.Max(model.SeverityMedium)
		res.Reasons = append(res.Reasons, "fingerprint seen from multiple addresses")
	}
	if sig.SharedFingerprints > 2 {
		res.Score += s.cfg.SharedAddressWeight
		res.Severity = res.Severity.Max(model.SeverityHigh)
		res.Reasons = append(res.Reasons, "address shared by many fingerprints")
	}
	if sig.RecentVotes > 3 {
		res.Score += s.cfg.BurstWeight
		res.Severity = res.Severity.Max(model.SeverityCritical)
		res.Reasons = append(res.Reasons, "vote burst from fingerprint")
	}
	if sig.CoordinateHits > 10 {
		res.Score += s.cfg.CoordinateWeight
		res.Severity = res.Severity.Max(model.SeverityLow)
		res.Reasons = append(res.Reasons, "exact coordinate stacking")
	}

	switch {
	case res.Score > s.cfg.BlockThreshold:
		res.Decision = model.DecisionBlock
	case res.Score > s.cfg.FlagThreshold:
		res.Decision = model.DecisionFlag
	}
	return res
}
