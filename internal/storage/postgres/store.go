package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"votepulse/internal/model"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// Store provides Postgres persistence for the vote ledger, the two aggregate
// tables, matches, and fraud events.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetMatch loads one match by id.
func (s *Store) GetMatch(ctx context.Context, id string) (model.Match, error) {
	var m model.Match
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, starts_at, ends_at, require_captcha, vote_cap
		FROM matches WHERE id = $1
	`, id)
	var status string
	if err := row.Scan(&m.ID, &m.Name, &status, &m.StartsAt, &m.EndsAt, &m.RequireCaptcha, &m.VoteCap); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Match{}, model.Reject(model.CodeMatchNotFound, "match %s not found", id)
		}
		return model.Match{}, fmt.Errorf("get match: %w", err)
	}
	m.Status = model.MatchStatus(status)
	return m, nil
}

// CountVotes returns the number of non-deleted ledger entries for one
// (fingerprint, match) pair. Used by the quota check; always reads the shared
// store, never a cached count.
func (s *Store) CountVotes(ctx context.Context, matchID, fingerprintHash string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM votes
		WHERE match_id = $1 AND fingerprint_hash = $2 AND NOT deleted
	`, matchID, fingerprintHash)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count votes: %w", err)
	}
	return count, nil
}

// InsertVote appends one entry to the vote ledger. A violation of the
// (match, fingerprint, nonce) unique constraint surfaces as DuplicateVote.
func (s *Store) InsertVote(ctx context.Context, entry model.VoteLedgerEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO votes (
			id, match_id, team, fingerprint_hash, address_hash, user_agent_hash,
			cell_index, resolution, country_code, location_source, consent,
			nonce, submitted_at, deleted
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,FALSE)
	`,
		entry.ID,
		entry.MatchID,
		string(entry.Team),
		entry.FingerprintHash,
		entry.AddressHash,
		entry.UserAgentHash,
		entry.CellIndex,
		entry.Resolution,
		entry.CountryCode,
		string(entry.Source),
		entry.Consent,
		entry.Nonce,
		entry.SubmittedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.Reject(model.CodeDuplicateVote, "vote already recorded")
		}
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

// IncrementCell atomically increments the counter for the vote's team on one
// (match, cell, resolution) row, creating the row on first touch. The whole
// operation is a single statement so concurrent increments never read a stale
// count, and the freshly committed counters come back with the increment.
func (s *Store) IncrementCell(ctx context.Context, matchID, cellIndex string, resolution int, team model.Team) (model.CellAggregate, error) {
	teamA, teamB := teamDeltas(team)
	agg := model.CellAggregate{MatchID: matchID, CellIndex: cellIndex, Resolution: resolution}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO cell_aggregates (match_id, cell_index, resolution, team_a, team_b, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (match_id, cell_index, resolution)
		DO UPDATE SET
			team_a = cell_aggregates.team_a + EXCLUDED.team_a,
			team_b = cell_aggregates.team_b + EXCLUDED.team_b,
			updated_at = now()
		RETURNING team_a, team_b, updated_at
	`, matchID, cellIndex, resolution, teamA, teamB)
	if err := row.Scan(&agg.TeamA, &agg.TeamB, &agg.UpdatedAt); err != nil {
		return model.CellAggregate{}, fmt.Errorf("increment cell aggregate: %w", err)
	}
	return agg, nil
}

// IncrementCountry is the country-dimension counterpart of IncrementCell.
func (s *Store) IncrementCountry(ctx context.Context, matchID, countryCode string, team model.Team) (model.CountryAggregate, error) {
	teamA, teamB := teamDeltas(team)
	agg := model.CountryAggregate{MatchID: matchID, CountryCode: countryCode}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO country_aggregates (match_id, country_code, team_a, team_b, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (match_id, country_code)
		DO UPDATE SET
			team_a = country_aggregates.team_a + EXCLUDED.team_a,
			team_b = country_aggregates.team_b + EXCLUDED.team_b,
			updated_at = now()
		RETURNING team_a, team_b, updated_at
	`, matchID, countryCode, teamA, teamB)
	if err := row.Scan(&agg.TeamA, &agg.TeamB, &agg.UpdatedAt); err != nil {
		return model.CountryAggregate{}, fmt.Errorf("increment country aggregate: %w", err)
	}
	return agg, nil
}

func teamDeltas(team model.Team) (int64, int64) {
	if team == model.TeamB {
		return 0, 1
	}
	return 1, 0
}

// InsertFraudEvent records one flagged or blocked attempt.
func (s *Store) InsertFraudEvent(ctx context.Context, ev model.FraudEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fraud_events (
			id, match_id, vote_id, severity, score, reasons,
			fingerprint_hash, address_hash, reviewed, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		ev.ID,
		ev.MatchID,
		ev.VoteID,
		string(ev.Severity),
		ev.Score,
		ev.Reasons,
		ev.FingerprintHash,
		ev.AddressHash,
		ev.Reviewed,
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fraud event: %w", err)
	}
	return nil
}

// MatchStats recomputes match-level statistics from the ledger.
func (s *Store) MatchStats(ctx context.Context, matchID string) (model.SnapshotEvent, error) {
	snap := model.SnapshotEvent{MatchID: matchID}
	row := s.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE team = 'team_a'),
			count(*) FILTER (WHERE team = 'team_b'),
			count(DISTINCT country_code) FILTER (WHERE country_code <> ''),
			count(DISTINCT cell_index) FILTER (WHERE cell_index <> ''),
			coalesce(max(submitted_at), 'epoch'::timestamptz)
		FROM votes
		WHERE match_id = $1 AND NOT deleted
	`, matchID)
	if err := row.Scan(&snap.TotalVotes, &snap.TeamAVotes, &snap.TeamBVotes, &snap.Countries, &snap.Cells, &snap.LastVoteAt); err != nil {
		return model.SnapshotEvent{}, fmt.Errorf("match stats: %w", err)
	}
	return snap, nil
}

// StreamVotes walks non-deleted ledger entries for a match in submission
// order, invoking fn for each. Used by aggregate replay.
func (s *Store) StreamVotes(ctx context.Context, matchID string, since time.Time, fn func(model.VoteLedgerEntry) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, match_id, team, fingerprint_hash, address_hash, user_agent_hash,
		       cell_index, resolution, country_code, location_source, consent,
		       nonce, submitted_at
		FROM votes
		WHERE match_id = $1 AND NOT deleted AND submitted_at >= $2
		ORDER BY submitted_at, id
	`, matchID, since)
	if err != nil {
		return fmt.Errorf("stream votes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry model.VoteLedgerEntry
		var team, source string
		if err := rows.Scan(
			&entry.ID, &entry.MatchID, &team, &entry.FingerprintHash, &entry.AddressHash,
			&entry.UserAgentHash, &entry.CellIndex, &entry.Resolution, &entry.CountryCode,
			&source, &entry.Consent, &entry.Nonce, &entry.SubmittedAt,
		); err != nil {
			return fmt.Errorf("scan vote: %w", err)
		}
		entry.Team = model.Team(team)
		entry.Source = model.LocationSource(source)
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ResetAggregates clears both aggregate tables for a match before a replay.
func (s *Store) ResetAggregates(ctx context.Context, matchID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cell_aggregates WHERE match_id = $1`, matchID); err != nil {
		return fmt.Errorf("reset cell aggregates: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM country_aggregates WHERE match_id = $1`, matchID); err != nil {
		return fmt.Errorf("reset country aggregates: %w", err)
	}
	return nil
}

// UpsertCellAggregates writes replayed cell counters in one batch.
func (s *Store) UpsertCellAggregates(ctx context.Context, aggs []model.CellAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, agg := range aggs {
		batch.Queue(`
			INSERT INTO cell_aggregates (match_id, cell_index, resolution, team_a, team_b, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (match_id, cell_index, resolution)
			DO UPDATE SET
				team_a = EXCLUDED.team_a,
				team_b = EXCLUDED.team_b,
				updated_at = now()
		`, agg.MatchID, agg.CellIndex, agg.Resolution, agg.TeamA, agg.TeamB)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range aggs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// UpsertCountryAggregates writes replayed country counters in one batch.
func (s *Store) UpsertCountryAggregates(ctx context.Context, aggs []model.CountryAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, agg := range aggs {
		batch.Queue(`
			INSERT INTO country_aggregates (match_id, country_code, team_a, team_b, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (match_id, country_code)
			DO UPDATE SET
				team_a = EXCLUDED.team_a,
				team_b = EXCLUDED.team_b,
				updated_at = now()
		`, agg.MatchID, agg.CountryCode, agg.TeamA, agg.TeamB)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range aggs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
