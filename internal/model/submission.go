package model

import (
	"fmt"
	"strings"
)

// Team is one of the two vote choices for a match.
type Team string

const (
	TeamA Team = "team_a"
	TeamB Team = "team_b"
)

func ParseTeam(raw string) (Team, error) {
	switch Team(strings.ToLower(strings.TrimSpace(raw))) {
	case TeamA:
		return TeamA, nil
	case TeamB:
		return TeamB, nil
	default:
		return "", fmt.Errorf("unknown team %q", raw)
	}
}

// LocationSource tags how the submission location was produced.
type LocationSource string

const (
	SourceNetwork LocationSource = "network"
	SourceDevice  LocationSource = "device"
	SourceManual  LocationSource = "manual"
)

func ParseLocationSource(raw string) (LocationSource, error) {
	switch LocationSource(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceNetwork:
		return SourceNetwork, nil
	case SourceDevice:
		return SourceDevice, nil
	case SourceManual:
		return SourceManual, nil
	default:
		return "", fmt.Errorf("unknown location source %q", raw)
	}
}

// Location is the pre-resolved geolocation attached to a submission. The
// resolver upstream has already converted device or network position into a
// spatial cell; this pipeline only validates shape.
type Location struct {
	CellIndex   string
	Resolution  int
	CountryCode string
	City        string
	Lat         *float64
	Lng         *float64
	Source      LocationSource
	Consent     bool
}

// Submission is the validated inbound payload for one vote attempt.
// Fingerprint and RemoteAddr arrive raw and are hashed inside the pipeline
// before touching any store.
type Submission struct {
	MatchID      string
	Team         Team
	Fingerprint  string
	Location     Location
	CaptchaToken string
	UserAgent    string
	RemoteAddr   string
	Nonce        string
}

// Validate checks the payload shape once at the pipeline boundary.
func (s Submission) Validate() error {
	if s.MatchID == "" {
		return Reject(CodeValidation, "match id is required")
	}
	if s.Team != TeamA && s.Team != TeamB {
		return Reject(CodeValidation, "team must be %s or %s", TeamA, TeamB)
	}
	if s.Fingerprint == "" {
		return Reject(CodeValidation, "fingerprint is required")
	}
	if s.Location.CellIndex != "" {
		if s.Location.Resolution < 0 || s.Location.Resolution > 15 {
			return Reject(CodeValidation, "cell resolution must be in [0,15], got %d", s.Location.Resolution)
		}
	}
	if cc := s.Location.CountryCode; cc != "" && len(cc) != 2 {
		return Reject(CodeValidation, "country code must be 2 letters, got %q", cc)
	}
	if (s.Location.Lat == nil) != (s.Location.Lng == nil) {
		return Reject(CodeValidation, "lat and lng must be provided together")
	}
	switch s.Location.Source {
	case SourceNetwork, SourceDevice, SourceManual:
	default:
		return Reject(CodeValidation, "unknown location source %q", s.Location.Source)
	}
	return nil
}
