package postgres

import (
	"context"
	"fmt"
)

// Bootstrap creates all tables needed by the pipeline. Safe to call multiple
// times, everything uses IF NOT EXISTS.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS matches (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'scheduled' CHECK (status IN ('scheduled', 'live', 'ended')),
    starts_at TIMESTAMPTZ NOT NULL,
    ends_at TIMESTAMPTZ NOT NULL,
    require_captcha BOOLEAN NOT NULL DEFAULT FALSE,
    vote_cap INT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS votes (
    id TEXT PRIMARY KEY,
    match_id TEXT NOT NULL REFERENCES matches(id),
    team TEXT NOT NULL CHECK (team IN ('team_a', 'team_b')),
    fingerprint_hash TEXT NOT NULL,
    address_hash TEXT NOT NULL,
    user_agent_hash TEXT NOT NULL,
    cell_index TEXT NOT NULL DEFAULT '',
    resolution INT NOT NULL DEFAULT 0,
    country_code TEXT NOT NULL DEFAULT '',
    location_source TEXT NOT NULL,
    consent BOOLEAN NOT NULL DEFAULT FALSE,
    nonce TEXT NOT NULL,
    submitted_at TIMESTAMPTZ NOT NULL,
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (match_id, fingerprint_hash, nonce)
);

CREATE INDEX IF NOT EXISTS idx_votes_match_fingerprint ON votes(match_id, fingerprint_hash);
CREATE INDEX IF NOT EXISTS idx_votes_match_submitted ON votes(match_id, submitted_at);

CREATE TABLE IF NOT EXISTS cell_aggregates (
    match_id TEXT NOT NULL,
    cell_index TEXT NOT NULL,
    resolution INT NOT NULL,
    team_a BIGINT NOT NULL DEFAULT 0 CHECK (team_a >= 0),
    team_b BIGINT NOT NULL DEFAULT 0 CHECK (team_b >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (match_id, cell_index, resolution)
);

CREATE TABLE IF NOT EXISTS country_aggregates (
    match_id TEXT NOT NULL,
    country_code TEXT NOT NULL,
    team_a BIGINT NOT NULL DEFAULT 0 CHECK (team_a >= 0),
    team_b BIGINT NOT NULL DEFAULT 0 CHECK (team_b >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (match_id, country_code)
);

CREATE TABLE IF NOT EXISTS fraud_events (
    id TEXT PRIMARY KEY,
    match_id TEXT NOT NULL,
    vote_id TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
    score DOUBLE PRECISION NOT NULL,
    reasons TEXT[] NOT NULL DEFAULT '{}',
    fingerprint_hash TEXT NOT NULL,
    address_hash TEXT NOT NULL,
    reviewed BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_fraud_events_match ON fraud_events(match_id, created_at);
`
