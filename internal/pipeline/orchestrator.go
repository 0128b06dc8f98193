package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"votepulse/internal/fraud"
	"votepulse/internal/model"
	"votepulse/internal/storage"
	"votepulse/internal/verify"
)

// Deps are the orchestrator's collaborators.
type Deps struct {
	Matches    MatchReader
	Ledger     Ledger
	Aggregates Aggregator
	Signals    *fraud.SignalStore
	Scorer     *fraud.Scorer
	Verifier   verify.TokenVerifier
	Audit      storage.FraudAudit
	Publisher  Publisher
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// Orchestrator sequences one vote submission end to end:
// validate -> verify -> quota -> score -> persist -> aggregate -> publish.
// Validation, quota, and fraud rejections are terminal; the pipeline never
// retries on the caller's behalf.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	repair *repairQueue
	logger *zap.Logger
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Verifier == nil {
		deps.Verifier = verify.Bypass{}
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}
	o.repair = newRepairQueue(deps.Aggregates, deps.Publisher, deps.Logger)
	return o
}

// RunRepair drains the background retry queue for degraded aggregate
// increments until ctx is done.
func (o *Orchestrator) RunRepair(ctx context.Context) {
	o.repair.run(ctx)
}

// Submit processes one vote attempt and returns a Receipt on acceptance or a
// model.Rejection on any terminal failure.
func (o *Orchestrator) Submit(ctx context.Context, sub model.Submission) (model.Receipt, error) {
	if err := sub.Validate(); err != nil {
		return model.Receipt{}, err
	}

	now := o.deps.Clock.Now().UTC()

	match, err := o.loadMatch(ctx, sub.MatchID)
	if err != nil {
		return model.Receipt{}, err
	}
	if err := checkEligibility(match, now); err != nil {
		return model.Receipt{}, err
	}
	if err := o.verifyToken(ctx, match, sub.CaptchaToken); err != nil {
		return model.Receipt{}, err
	}

	hashes := hashIdentity(sub)

	if err := o.checkQuota(ctx, match, hashes.fingerprint); err != nil {
		return model.Receipt{}, err
	}

	// Signals are recorded for every attempt that reaches scoring, blocked
	// ones included, so later attempts see this one.
	signals := o.recordSignals(sub, hashes, now)
	score := o.deps.Scorer.Score(signals)

	if score.Decision == model.DecisionBlock {
		o.recordFraudEvent(ctx, sub.MatchID, "", hashes, score, true)
		// The caller gets a deliberately generic message.
		return model.Receipt{}, model.Reject(model.CodeFraudBlocked, "vote could not be accepted")
	}

	entry := o.buildEntry(sub, hashes, now)
	if err := o.insertVote(ctx, entry); err != nil {
		return model.Receipt{}, err
	}

	if score.Decision == model.DecisionFlag {
		o.recordFraudEvent(ctx, sub.MatchID, entry.ID, hashes, score, false)
	}

	receipt := model.Receipt{VoteID: entry.ID, Flagged: score.Decision == model.DecisionFlag}
	o.applyAggregates(ctx, entry, &receipt)
	return receipt, nil
}

func (o *Orchestrator) loadMatch(ctx context.Context, matchID string) (model.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	match, err := o.deps.Matches.GetMatch(ctx, matchID)
	if err != nil {
		if _, ok := model.AsRejection(err); ok {
			return model.Match{}, err
		}
		return model.Match{}, model.RejectRetryable(model.CodeTransientStoreFailure, "match lookup failed")
	}
	return match, nil
}

func (o *Orchestrator) verifyToken(ctx context.Context, match model.Match, token string) error {
	if !match.RequireCaptcha {
		return nil
	}
	if token == "" {
		return model.Reject(model.CodeVerificationRequired, "verification token is required")
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.VerifyTimeout)
	defer cancel()

	if err := o.deps.Verifier.Verify(ctx, token); err != nil {
		if _, ok := model.AsRejection(err); ok {
			return err
		}
		return model.Reject(model.CodeVerificationFailed, "verification failed")
	}
	return nil
}

// checkQuota counts prior accepted votes for the fingerprint. This check and
// the later insert are not mutually atomic; the ledger unique constraint is
// the authoritative guard against a double accept.
func (o *Orchestrator) checkQuota(ctx context.Context, match model.Match, fingerprintHash string) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	count, err := o.deps.Ledger.CountVotes(ctx, match.ID, fingerprintHash)
	if err != nil {
		return model.RejectRetryable(model.CodeTransientStoreFailure, "quota check failed")
	}
	if allowance := voteCap(match, o.cfg.DefaultVoteCap); count >= allowance {
		return model.Reject(model.CodeQuotaExceeded, "vote allowance for this match is used up")
	}
	return nil
}

func (o *Orchestrator) recordSignals(sub model.Submission, hashes identityHashes, now time.Time) fraud.Signals {
	signals := fraud.Signals{
		DistinctAddresses:  o.deps.Signals.RecordAddress(sub.MatchID, hashes.fingerprint, hashes.address),
		SharedFingerprints: o.deps.Signals.RecordFingerprint(sub.MatchID, hashes.address, hashes.fingerprint),
	}
	o.deps.Signals.RecordVote(sub.MatchID, hashes.fingerprint, now)
	signals.RecentVotes = o.deps.Signals.VotesWithin(sub.MatchID, hashes.fingerprint, o.cfg.BurstWindow, now)
	if sub.Location.Lat != nil && sub.Location.Lng != nil {
		signals.CoordinateHits = o.deps.Signals.RecordCoordinate(sub.MatchID, *sub.Location.Lat, *sub.Location.Lng)
	}
	return signals
}

func (o *Orchestrator) recordFraudEvent(ctx context.Context, matchID, voteID string, hashes identityHashes, score fraud.Result, blocked bool) {
	reasons := score.Reasons
	if blocked {
		reasons = append([]string{"vote blocked"}, reasons...)
	}
	ev := model.FraudEvent{
		ID:              uuid.NewString(),
		MatchID:         matchID,
		VoteID:          voteID,
		Severity:        score.Severity,
		Score:           score.Score,
		Reasons:         reasons,
		FingerprintHash: hashes.fingerprint,
		AddressHash:     hashes.address,
		CreatedAt:       o.deps.Clock.Now().UTC(),
	}

	// Fraud recording is advisory: failures are logged, never surfaced.
	insertCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	if err := o.deps.Ledger.InsertFraudEvent(insertCtx, ev); err != nil {
		o.logger.Warn("fraud event insert failed", zap.String("match_id", matchID), zap.Error(err))
	}
	if o.deps.Audit != nil {
		if err := o.deps.Audit.AppendFraudEvent(ev); err != nil {
			o.logger.Warn("fraud audit append failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) buildEntry(sub model.Submission, hashes identityHashes, now time.Time) model.VoteLedgerEntry {
	nonce := sub.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}
	return model.VoteLedgerEntry{
		ID:              uuid.NewString(),
		MatchID:         sub.MatchID,
		Team:            sub.Team,
		FingerprintHash: hashes.fingerprint,
		AddressHash:     hashes.address,
		UserAgentHash:   hashes.userAgent,
		CellIndex:       sub.Location.CellIndex,
		Resolution:      sub.Location.Resolution,
		CountryCode:     sub.Location.CountryCode,
		Source:          sub.Location.Source,
		Consent:         sub.Location.Consent,
		Nonce:           nonce,
		SubmittedAt:     now,
	}
}

func (o *Orchestrator) insertVote(ctx context.Context, entry model.VoteLedgerEntry) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	if err := o.deps.Ledger.InsertVote(ctx, entry); err != nil {
		if _, ok := model.AsRejection(err); ok {
			return err
		}
		// A timed-out insert may or may not have committed; the nonce makes a
		// resubmit safe to detect.
		return model.RejectRetryable(model.CodeTransientStoreFailure, "vote could not be stored")
	}
	return nil
}

// applyAggregates folds the accepted vote into both aggregate dimensions.
// The ledger entry is already durable; a failed increment degrades the
// response and is retried in the background, it never rolls the vote back.
func (o *Orchestrator) applyAggregates(ctx context.Context, entry model.VoteLedgerEntry, receipt *model.Receipt) {
	if entry.CellIndex != "" {
		aggCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
		agg, err := o.deps.Aggregates.IncrementCell(aggCtx, entry.MatchID, entry.CellIndex, entry.Resolution, entry.Team)
		cancel()
		if err != nil {
			o.degrade(entry, model.KindCell, entry.CellIndex, receipt, err)
		} else {
			receipt.Cell = agg.Totals()
			o.publishCellDelta(entry, agg)
		}
	}

	if entry.CountryCode != "" {
		aggCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
		agg, err := o.deps.Aggregates.IncrementCountry(aggCtx, entry.MatchID, entry.CountryCode, entry.Team)
		cancel()
		if err != nil {
			o.degrade(entry, model.KindCountry, entry.CountryCode, receipt, err)
		} else {
			o.publishCountryDelta(entry, agg)
		}
	}
}

func (o *Orchestrator) degrade(entry model.VoteLedgerEntry, kind model.AggregateKind, key string, receipt *model.Receipt, err error) {
	receipt.Degraded = true
	o.logger.Error(fmt.Sprintf("%s increment failed", model.CodeAggregationDegraded),
		zap.String("match_id", entry.MatchID),
		zap.String("kind", string(kind)),
		zap.String("key", key),
		zap.Error(err),
	)
	o.repair.enqueue(repairTask{
		matchID:    entry.MatchID,
		kind:       kind,
		key:        key,
		resolution: entry.Resolution,
		team:       entry.Team,
	})
}

func (o *Orchestrator) publishCellDelta(entry model.VoteLedgerEntry, agg model.CellAggregate) {
	if o.deps.Publisher == nil {
		return
	}
	o.deps.Publisher.PublishDelta(entry.MatchID, model.DeltaEvent{
		MatchID:     entry.MatchID,
		Kind:        model.KindCell,
		Key:         agg.CellIndex,
		Resolution:  agg.Resolution,
		Team:        entry.Team,
		TeamA:       agg.TeamA,
		TeamB:       agg.TeamB,
		Total:       agg.TeamA + agg.TeamB,
		CommittedAt: agg.UpdatedAt,
	})
}

func (o *Orchestrator) publishCountryDelta(entry model.VoteLedgerEntry, agg model.CountryAggregate) {
	if o.deps.Publisher == nil {
		return
	}
	o.deps.Publisher.PublishDelta(entry.MatchID, model.DeltaEvent{
		MatchID:     entry.MatchID,
		Kind:        model.KindCountry,
		Key:         agg.CountryCode,
		Team:        entry.Team,
		TeamA:       agg.TeamA,
		TeamB:       agg.TeamB,
		Total:       agg.TeamA + agg.TeamB,
		CommittedAt: agg.UpdatedAt,
	})
}
