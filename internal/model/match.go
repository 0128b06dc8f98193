package model

import "time"

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchScheduled MatchStatus = "scheduled"
	MatchLive      MatchStatus = "live"
	MatchEnded     MatchStatus = "ended"
)

// Match holds the voting window and policy for one event.
type Match struct {
	ID             string
	Name           string
	Status         MatchStatus
	StartsAt       time.Time
	EndsAt         time.Time
	RequireCaptcha bool
	VoteCap        int
}
