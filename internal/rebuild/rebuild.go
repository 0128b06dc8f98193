// Package rebuild rederives the aggregate tables from the vote ledger.
// Aggregates are a cache of the ledger; after corruption, drifted repair, or
// a schema change they are reset and replayed rather than patched.
package rebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"votepulse/internal/model"
)

// Store is the slice of the vote store a replay needs.
type Store interface {
	StreamVotes(ctx context.Context, matchID string, since time.Time, fn func(model.VoteLedgerEntry) error) error
	ResetAggregates(ctx context.Context, matchID string) error
	UpsertCellAggregates(ctx context.Context, aggs []model.CellAggregate) error
	UpsertCountryAggregates(ctx context.Context, aggs []model.CountryAggregate) error
}

// Config controls replay behavior.
type Config struct {
	BatchSize int
	State     *FileStateStore
}

// Summary reports what one replay did.
type Summary struct {
	Votes     int64
	Cells     int
	Countries int
}

// Rebuilder replays a match's ledger into fresh aggregate counters.
type Rebuilder struct {
	cfg    Config
	store  Store
	clock  clockwork.Clock
	logger *zap.Logger
}

func New(cfg Config, store Store, clock clockwork.Clock, logger *zap.Logger) *Rebuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Rebuilder{cfg: cfg, store: store, clock: clock, logger: logger}
}

// Run streams every non-deleted ledger entry for the match, folds it into
// in-memory counters, then resets and rewrites both aggregate tables. The
// counters replace whatever the tables held, so the replay is always a full
// one; an incremental replay could not express decrements for entries
// soft-deleted since the last run.
func (r *Rebuilder) Run(ctx context.Context, matchID string) (Summary, error) {
	if prev, ok, err := r.cfg.State.Load(); err != nil {
		r.logger.Warn("replay state unreadable", zap.Error(err))
	} else if ok {
		r.logger.Info("previous replay",
			zap.String("match_id", prev.MatchID),
			zap.Time("replayed_at", prev.ReplayedAt),
			zap.Int64("votes", prev.Votes),
		)
	}

	cells := make(map[string]*model.CellAggregate)
	countries := make(map[string]*model.CountryAggregate)
	var votes int64

	err := r.store.StreamVotes(ctx, matchID, time.Time{}, func(entry model.VoteLedgerEntry) error {
		votes++
		if entry.CellIndex != "" {
			key := fmt.Sprintf("%s|%d", entry.CellIndex, entry.Resolution)
			agg := cells[key]
			if agg == nil {
				agg = &model.CellAggregate{
					MatchID:    matchID,
					CellIndex:  entry.CellIndex,
					Resolution: entry.Resolution,
				}
				cells[key] = agg
			}
			addVote(&agg.TeamA, &agg.TeamB, entry.Team)
		}
		if entry.CountryCode != "" {
			agg := countries[entry.CountryCode]
			if agg == nil {
				agg = &model.CountryAggregate{MatchID: matchID, CountryCode: entry.CountryCode}
				countries[entry.CountryCode] = agg
			}
			addVote(&agg.TeamA, &agg.TeamB, entry.Team)
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("stream ledger: %w", err)
	}

	if err := r.store.ResetAggregates(ctx, matchID); err != nil {
		return Summary{}, err
	}
	if err := r.writeCells(ctx, cells); err != nil {
		return Summary{}, err
	}
	if err := r.writeCountries(ctx, countries); err != nil {
		return Summary{}, err
	}

	summary := Summary{Votes: votes, Cells: len(cells), Countries: len(countries)}
	state := ReplayState{MatchID: matchID, ReplayedAt: r.clock.Now().UTC(), Votes: votes}
	if err := r.cfg.State.Save(state); err != nil {
		r.logger.Warn("replay state save failed", zap.Error(err))
	}

	r.logger.Info("replay complete",
		zap.String("match_id", matchID),
		zap.Int64("votes", summary.Votes),
		zap.Int("cells", summary.Cells),
		zap.Int("countries", summary.Countries),
	)
	return summary, nil
}

func (r *Rebuilder) writeCells(ctx context.Context, cells map[string]*model.CellAggregate) error {
	batch := make([]model.CellAggregate, 0, r.cfg.BatchSize)
	for _, agg := range cells {
		batch = append(batch, *agg)
		if len(batch) == r.cfg.BatchSize {
			if err := r.store.UpsertCellAggregates(ctx, batch); err != nil {
				return fmt.Errorf("write cell aggregates: %w", err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := r.store.UpsertCellAggregates(ctx, batch); err != nil {
			return fmt.Errorf("write cell aggregates: %w", err)
		}
	}
	return nil
}

func (r *Rebuilder) writeCountries(ctx context.Context, countries map[string]*model.CountryAggregate) error {
	batch := make([]model.CountryAggregate, 0, r.cfg.BatchSize)
	for _, agg := range countries {
		batch = append(batch, *agg)
		if len(batch) == r.cfg.BatchSize {
			if err := r.store.UpsertCountryAggregates(ctx, batch); err != nil {
				return fmt.Errorf("write country aggregates: %w", err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := r.store.UpsertCountryAggregates(ctx, batch); err != nil {
			return fmt.Errorf("write country aggregates: %w", err)
		}
	}
	return nil
}

func addVote(teamA, teamB *int64, team model.Team) {
	if team == model.TeamB {
		*teamB++
	} else {
		*teamA++
	}
}
