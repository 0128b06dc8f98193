package pipeline

import (
	"time"

	"votepulse/internal/model"
)

// checkEligibility validates the match lifecycle state and voting window.
// Side-effect-free.
func checkEligibility(match model.Match, now time.Time) error {
	if match.Status != model.MatchLive {
		return model.Reject(model.CodeMatchNotActive, "match %s is %s", match.ID, match.Status)
	}
	if now.Before(match.StartsAt) || now.After(match.EndsAt) {
		return model.Reject(model.CodeMatchOutsideWindow, "match %s voting window is closed", match.ID)
	}
	return nil
}

// voteCap resolves the effective per-fingerprint allowance for a match.
func voteCap(match model.Match, fallback int) int {
	if match.VoteCap > 0 {
		return match.VoteCap
	}
	if fallback > 0 {
		return fallback
	}
	return 1
}
