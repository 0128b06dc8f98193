package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"votepulse/internal/config"
	"votepulse/internal/fanout"
	"votepulse/internal/fraud"
	"votepulse/internal/model"
)

// memStore is a mutex-guarded stand-in for the Postgres store. Increments
// mimic the atomic upsert: mutate-under-lock and return the fresh counters.
type memStore struct {
	mu          sync.Mutex
	matches     map[string]model.Match
	votes       []model.VoteLedgerEntry
	nonces      map[string]struct{}
	cells       map[string]*model.CellAggregate
	countries   map[string]*model.CountryAggregate
	fraudEvents []model.FraudEvent
	failCell    bool
	failCountry bool
}

func newMemStore() *memStore {
	return &memStore{
		matches:   make(map[string]model.Match),
		nonces:    make(map[string]struct{}),
		cells:     make(map[string]*model.CellAggregate),
		countries: make(map[string]*model.CountryAggregate),
	}
}

func (s *memStore) GetMatch(_ context.Context, id string) (model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match, ok := s.matches[id]
	if !ok {
		return model.Match{}, model.Reject(model.CodeMatchNotFound, "match %s not found", id)
	}
	return match, nil
}

func (s *memStore) CountVotes(_ context.Context, matchID, fingerprintHash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, v := range s.votes {
		if v.MatchID == matchID && v.FingerprintHash == fingerprintHash && !v.Deleted {
			count++
		}
	}
	return count, nil
}

func (s *memStore) InsertVote(_ context.Context, entry model.VoteLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry.MatchID + "|" + entry.FingerprintHash + "|" + entry.Nonce
	if _, dup := s.nonces[key]; dup {
		return model.Reject(model.CodeDuplicateVote, "vote already recorded")
	}
	s.nonces[key] = struct{}{}
	s.votes = append(s.votes, entry)
	return nil
}

func (s *memStore) InsertFraudEvent(_ context.Context, ev model.FraudEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fraudEvents = append(s.fraudEvents, ev)
	return nil
}

func (s *memStore) IncrementCell(_ context.Context, matchID, cellIndex string, resolution int, team model.Team) (model.CellAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCell {
		return model.CellAggregate{}, errors.New("cell aggregate unavailable")
	}
	key := fmt.Sprintf("%s|%s|%d", matchID, cellIndex, resolution)
	agg, ok := s.cells[key]
	if !ok {
		agg = &model.CellAggregate{MatchID: matchID, CellIndex: cellIndex, Resolution: resolution}
		s.cells[key] = agg
	}
	if team == model.TeamB {
		agg.TeamB++
	} else {
		agg.TeamA++
	}
	agg.UpdatedAt = time.Now().UTC()
	return *agg, nil
}

func (s *memStore) IncrementCountry(_ context.Context, matchID, countryCode string, team model.Team) (model.CountryAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCountry {
		return model.CountryAggregate{}, errors.New("country aggregate unavailable")
	}
	key := matchID + "|" + countryCode
	agg, ok := s.countries[key]
	if !ok {
		agg = &model.CountryAggregate{MatchID: matchID, CountryCode: countryCode}
		s.countries[key] = agg
	}
	if team == model.TeamB {
		agg.TeamB++
	} else {
		agg.TeamA++
	}
	agg.UpdatedAt = time.Now().UTC()
	return *agg, nil
}

func (s *memStore) voteCount(matchID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, v := range s.votes {
		if v.MatchID == matchID {
			count++
		}
	}
	return count
}

func (s *memStore) fraudEventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fraudEvents)
}

type deltaRecorder struct {
	mu     sync.Mutex
	deltas []model.DeltaEvent
}

func (r *deltaRecorder) PublishDelta(_ string, delta model.DeltaEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, delta)
}

func (r *deltaRecorder) all() []model.DeltaEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.DeltaEvent, len(r.deltas))
	copy(out, r.deltas)
	return out
}

type failVerifier struct{}

func (failVerifier) Verify(context.Context, string) error {
	return model.Reject(model.CodeVerificationFailed, "verification failed")
}

func testConfig() Config {
	return Config{
		DefaultVoteCap: 1,
		StoreTimeout:   time.Second,
		VerifyTimeout:  time.Second,
		BurstWindow:    5 * time.Minute,
	}
}

func testFraudConfig() config.FraudConfig {
	return config.FraudConfig{
		MultiAddressWeight:  6,
		SharedAddressWeight: 8,
		BurstWeight:         15,
		CoordinateWeight:    3,
		BurstWindow:         5 * time.Minute,
		FlagThreshold:       5,
		BlockThreshold:      10,
	}
}

func liveMatch(id string, now time.Time, allowance int) model.Match {
	return model.Match{
		ID:       id,
		Status:   model.MatchLive,
		StartsAt: now.Add(-time.Hour),
		EndsAt:   now.Add(time.Hour),
		VoteCap:  allowance,
	}
}

func newTestOrchestrator(store *memStore, pub Publisher, clock clockwork.Clock) *Orchestrator {
	return New(testConfig(), Deps{
		Matches:    store,
		Ledger:     store,
		Aggregates: store,
		Signals:    fraud.NewSignalStore(1024, time.Hour),
		Scorer:     fraud.NewScorer(testFraudConfig()),
		Publisher:  pub,
		Clock:      clock,
	})
}

func submission(matchID, fingerprint, addr string, team model.Team) model.Submission {
	return model.Submission{
		MatchID:     matchID,
		Team:        team,
		Fingerprint: fingerprint,
		RemoteAddr:  addr,
		UserAgent:   "test-agent",
		Location: model.Location{
			CellIndex:   "8928308280fffff",
			Resolution:  9,
			CountryCode: "FR",
			Source:      model.SourceNetwork,
			Consent:     true,
		},
	}
}

func TestSubmitFirstVote(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	store.matches["m1"] = liveMatch("m1", clock.Now(), 1)
	rec := &deltaRecorder{}
	orch := newTestOrchestrator(store, rec, clock)

	receipt, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.VoteID == "" {
		t.Fatalf("expected a vote id")
	}
	want := model.CellTotals{TeamA: 1, TeamB: 0, Total: 1}
	if receipt.Cell != want {
		t.Fatalf("cell totals mismatch: %+v != %+v", receipt.Cell, want)
	}
	if receipt.Flagged || receipt.Degraded {
		t.Fatalf("clean first vote should be neither flagged nor degraded: %+v", receipt)
	}
	if got := store.voteCount("m1"); got != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", got)
	}

	deltas := rec.all()
	if len(deltas) != 2 {
		t.Fatalf("expected cell and country deltas, got %d", len(deltas))
	}
	if deltas[0].Kind != model.KindCell || deltas[1].Kind != model.KindCountry {
		t.Fatalf("unexpected delta kinds: %+v", deltas)
	}

	// Raw identifiers must not appear in the ledger.
	if store.votes[0].FingerprintHash == "fp1" || store.votes[0].AddressHash == "1.2.3.4" {
		t.Fatalf("identifiers stored unhashed: %+v", store.votes[0])
	}
}

func TestSubmitMatchNotFound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	orch := newTestOrchestrator(newMemStore(), nil, clock)

	_, err := orch.Submit(context.Background(), submission("missing", "fp1", "1.2.3.4", model.TeamA))
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeMatchNotFound {
		t.Fatalf("expected MatchNotFound, got %v", err)
	}
}

func TestSubmitOutsideWindowHasNoSideEffects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	match := liveMatch("m1", clock.Now(), 1)
	match.EndsAt = clock.Now().Add(-time.Minute)
	store.matches["m1"] = match
	rec := &deltaRecorder{}
	orch := newTestOrchestrator(store, rec, clock)

	_, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA))
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeMatchOutsideWindow {
		t.Fatalf("expected MatchOutsideWindow, got %v", err)
	}

	if got := store.voteCount("m1"); got != 0 {
		t.Fatalf("expected no ledger entries, got %d", got)
	}
	if len(store.cells) != 0 || len(store.countries) != 0 {
		t.Fatalf("expected no aggregate mutation")
	}
	if len(rec.all()) != 0 {
		t.Fatalf("expected no fan-out events")
	}
	if got := store.fraudEventCount(); got != 0 {
		t.Fatalf("expected no fraud events, got %d", got)
	}
}

func TestSubmitMatchNotActive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	match := liveMatch("m1", clock.Now(), 1)
	match.Status = model.MatchScheduled
	store.matches["m1"] = match
	orch := newTestOrchestrator(store, nil, clock)

	_, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA))
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeMatchNotActive {
		t.Fatalf("expected MatchNotActive, got %v", err)
	}
}

func TestVerificationRequiredAndFailed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	match := liveMatch("m1", clock.Now(), 1)
	match.RequireCaptcha = true
	store.matches["m1"] = match

	orch := newTestOrchestrator(store, nil, clock)
	_, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA))
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeVerificationRequired {
		t.Fatalf("expected VerificationRequired, got %v", err)
	}

	deps := Deps{
		Matches:    store,
		Ledger:     store,
		Aggregates: store,
		Signals:    fraud.NewSignalStore(1024, time.Hour),
		Scorer:     fraud.NewScorer(testFraudConfig()),
		Verifier:   failVerifier{},
		Clock:      clock,
	}
	orch = New(testConfig(), deps)
	sub := submission("m1", "fp1", "1.2.3.4", model.TeamA)
	sub.CaptchaToken = "bad-token"
	_, err = orch.Submit(context.Background(), sub)
	rej, ok = model.AsRejection(err)
	if !ok || rej.Code != model.CodeVerificationFailed {
		t.Fatalf("expected VerificationFailed, got %v", err)
	}
}

func TestQuotaBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	store.matches["m1"] = liveMatch("m1", clock.Now(), 3)
	orch := newTestOrchestrator(store, nil, clock)

	for i := 0; i < 3; i++ {
		// Spread attempts out so the burst rule stays quiet.
		clock.Advance(10 * time.Minute)
		if _, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA)); err != nil {
			t.Fatalf("vote %d should be accepted: %v", i+1, err)
		}
	}

	clock.Advance(10 * time.Minute)
	_, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA))
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeQuotaExceeded {
		t.Fatalf("expected QuotaExceeded on fourth vote, got %v", err)
	}
	if got := store.voteCount("m1"); got != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", got)
	}
}

func TestBurstBlockedProducesFraudEventOnly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	store.matches["m1"] = liveMatch("m1", clock.Now(), 10)
	orch := newTestOrchestrator(store, nil, clock)

	for i := 0; i < 3; i++ {
		clock.Advance(30 * time.Second)
		if _, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA)); err != nil {
			t.Fatalf("vote %d should be accepted: %v", i+1, err)
		}
	}

	// Fourth vote inside five minutes trips the burst rule.
	clock.Advance(30 * time.Second)
	_, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA))
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeFraudBlocked {
		t.Fatalf("expected FraudBlocked, got %v", err)
	}

	if got := store.voteCount("m1"); got != 3 {
		t.Fatalf("blocked vote must not reach the ledger, got %d entries", got)
	}
	if got := store.fraudEventCount(); got != 1 {
		t.Fatalf("expected exactly one fraud event, got %d", got)
	}

	ev := store.fraudEvents[0]
	if ev.Severity != model.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", ev.Severity)
	}
	if len(ev.Reasons) == 0 || ev.Reasons[0] != "vote blocked" {
		t.Fatalf("expected 'vote blocked' reason first, got %v", ev.Reasons)
	}
	if ev.VoteID != "" {
		t.Fatalf("blocked attempt must not reference a ledger entry, got %q", ev.VoteID)
	}
}

func TestMultiAddressFlaggedButAccepted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	store.matches["m1"] = liveMatch("m1", clock.Now(), 5)
	orch := newTestOrchestrator(store, nil, clock)

	if _, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA)); err != nil {
		t.Fatalf("first vote: %v", err)
	}

	clock.Advance(10 * time.Minute)
	receipt, err := orch.Submit(context.Background(), submission("m1", "fp1", "5.6.7.8", model.TeamA))
	if err != nil {
		t.Fatalf("second vote should be accepted: %v", err)
	}
	if !receipt.Flagged {
		t.Fatalf("expected flagged receipt")
	}
	if got := store.voteCount("m1"); got != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", got)
	}
	if got := store.fraudEventCount(); got != 1 {
		t.Fatalf("expected one review event, got %d", got)
	}
	ev := store.fraudEvents[0]
	if ev.Severity != model.SeverityMedium || ev.Reviewed {
		t.Fatalf("expected unreviewed medium event, got %+v", ev)
	}
	if ev.VoteID == "" {
		t.Fatalf("flagged event should reference its ledger entry")
	}
}

func TestDuplicateNonce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	store.matches["m1"] = liveMatch("m1", clock.Now(), 5)
	orch := newTestOrchestrator(store, nil, clock)

	sub := submission("m1", "fp1", "1.2.3.4", model.TeamA)
	sub.Nonce = "retry-1"
	if _, err := orch.Submit(context.Background(), sub); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	clock.Advance(10 * time.Minute)
	_, err := orch.Submit(context.Background(), sub)
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeDuplicateVote {
		t.Fatalf("expected DuplicateVote, got %v", err)
	}
	if rej.Retryable {
		t.Fatalf("duplicate votes are not retryable")
	}
}

func TestAggregateFailureDegradesNotFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	store.matches["m1"] = liveMatch("m1", clock.Now(), 1)
	store.failCell = true
	store.failCountry = true
	rec := &deltaRecorder{}
	orch := newTestOrchestrator(store, rec, clock)

	receipt, err := orch.Submit(context.Background(), submission("m1", "fp1", "1.2.3.4", model.TeamA))
	if err != nil {
		t.Fatalf("vote must succeed despite aggregate failure: %v", err)
	}
	if !receipt.Degraded {
		t.Fatalf("expected degraded receipt")
	}
	if got := store.voteCount("m1"); got != 1 {
		t.Fatalf("ledger is the source of truth, expected 1 entry, got %d", got)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("no delta may be published for an uncommitted increment")
	}
}

func TestConcurrentVotesNoLostUpdate(t *testing.T) {
	for _, writers := range []int{2, 10, 100} {
		t.Run(fmt.Sprintf("writers=%d", writers), func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			store := newMemStore()
			store.matches["m1"] = liveMatch("m1", clock.Now(), 1)
			orch := newTestOrchestrator(store, nil, clock)

			totals := make(chan int64, writers)
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					sub := submission("m1", fmt.Sprintf("fp-%d", n), fmt.Sprintf("10.0.0.%d", n), model.TeamA)
					receipt, err := orch.Submit(context.Background(), sub)
					if err != nil {
						t.Errorf("writer %d: %v", n, err)
						return
					}
					totals <- receipt.Cell.Total
				}(i)
			}
			wg.Wait()
			close(totals)

			agg := store.cells["m1|8928308280fffff|9"]
			if agg == nil || agg.TeamA != int64(writers) {
				t.Fatalf("expected %d team_a votes, got %+v", writers, agg)
			}

			// Every increment observed a distinct committed total.
			seen := make(map[int64]bool)
			for total := range totals {
				if seen[total] {
					t.Fatalf("total %d returned twice", total)
				}
				seen[total] = true
			}
			if len(seen) != writers {
				t.Fatalf("expected %d distinct totals, got %d", writers, len(seen))
			}
		})
	}
}

func TestDeltasReachSubscriberInCommitOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newMemStore()
	store.matches["m1"] = liveMatch("m1", clock.Now(), 1)
	hub := fanout.NewHub(nil, clock, nil)
	sub := hub.Subscribe("m1")
	defer sub.Close()
	orch := newTestOrchestrator(store, hub, clock)

	votes := []struct {
		fp   string
		team model.Team
	}{
		{"fp1", model.TeamA},
		{"fp2", model.TeamA},
		{"fp3", model.TeamB},
	}
	for _, v := range votes {
		s := submission("m1", v.fp, "1.2.3.4", v.team)
		s.Location.CountryCode = ""
		if _, err := orch.Submit(context.Background(), s); err != nil {
			t.Fatalf("vote from %s: %v", v.fp, err)
		}
	}

	agg := store.cells["m1|8928308280fffff|9"]
	if agg.TeamA != 2 || agg.TeamB != 1 {
		t.Fatalf("expected {2,1}, got %+v", agg)
	}

	for i := 1; i <= 3; i++ {
		select {
		case ev := <-sub.C():
			if ev.Type != model.EventDelta || ev.Delta.Total != int64(i) {
				t.Fatalf("delta %d out of commit order: %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing delta %d", i)
		}
	}
}
