package model

import "time"

// CellAggregate is the per-team counter row for one (match, cell, resolution)
// key. Rows are only ever touched through atomic increment-or-insert; the sum
// of TeamA+TeamB across all rows of a match equals the number of non-deleted
// ledger entries carrying a cell index.
type CellAggregate struct {
	MatchID    string
	CellIndex  string
	Resolution int
	TeamA      int64
	TeamB      int64
	UpdatedAt  time.Time
}

func (a CellAggregate) Totals() CellTotals {
	return CellTotals{TeamA: a.TeamA, TeamB: a.TeamB, Total: a.TeamA + a.TeamB}
}

// CountryAggregate is the per-team counter row for one (match, country) key,
// with the same invariant restricted to entries carrying a country code.
type CountryAggregate struct {
	MatchID     string
	CountryCode string
	TeamA       int64
	TeamB       int64
	UpdatedAt   time.Time
}

func (a CountryAggregate) Totals() CellTotals {
	return CellTotals{TeamA: a.TeamA, TeamB: a.TeamB, Total: a.TeamA + a.TeamB}
}
