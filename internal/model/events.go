package model

import "time"

// AggregateKind distinguishes the two aggregation dimensions on the wire.
type AggregateKind string

const (
	KindCell    AggregateKind = "cell"
	KindCountry AggregateKind = "country"
)

// EventType tags fan-out events.
type EventType string

const (
	EventDelta    EventType = "delta"
	EventSnapshot EventType = "snapshot"
)

// DeltaEvent announces one committed increment for one aggregate key.
// Deltas for the same key are published in commit order.
type DeltaEvent struct {
	MatchID     string        `json:"match_id"`
	Kind        AggregateKind `json:"kind"`
	Key         string        `json:"key"`
	Resolution  int           `json:"resolution,omitempty"`
	Team        Team          `json:"team"`
	TeamA       int64         `json:"team_a"`
	TeamB       int64         `json:"team_b"`
	Total       int64         `json:"total"`
	CommittedAt time.Time     `json:"committed_at"`
}

// SnapshotEvent is the full match statistics view, sent on join, on demand,
// and on a slow cadence. Reconnecting clients resync from a snapshot; missed
// deltas are not replayed.
type SnapshotEvent struct {
	MatchID    string    `json:"match_id"`
	TotalVotes int64     `json:"total_votes"`
	TeamAVotes int64     `json:"team_a_votes"`
	TeamBVotes int64     `json:"team_b_votes"`
	Countries  int64     `json:"countries"`
	Cells      int64     `json:"cells"`
	LastVoteAt time.Time `json:"last_vote_at"`
}

// Event is the envelope delivered to fan-out subscribers.
type Event struct {
	Type     EventType      `json:"type"`
	Delta    *DeltaEvent    `json:"delta,omitempty"`
	Snapshot *SnapshotEvent `json:"snapshot,omitempty"`
}
