package fraud

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SignalStore keeps the short-lived abuse signals used by scoring: the set of
// addresses seen per fingerprint, the set of fingerprints seen per address,
// vote timestamps per fingerprint, and exact-coordinate collision counts. All
// collections are match-scoped and expire after the retention window, which
// starts at the first write for a key. Storage and counting only, no policy.
type SignalStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	addrsByFp *expirable.LRU[string, map[string]struct{}]
	fpsByAddr *expirable.LRU[string, map[string]struct{}]
	votesByFp *expirable.LRU[string, []time.Time]
	coordHits *expirable.LRU[string, int]
}

// NewSignalStore builds a store bounded to size entries per signal kind, each
// expiring ttl after first write.
func NewSignalStore(size int, ttl time.Duration) *SignalStore {
	if size <= 0 {
		size = 100_000
	}
	if ttl <= 0 {
		ttl = 25 * time.Hour
	}
	return &SignalStore{
		ttl:       ttl,
		addrsByFp: expirable.NewLRU[string, map[string]struct{}](size, nil, ttl),
		fpsByAddr: expirable.NewLRU[string, map[string]struct{}](size, nil, ttl),
		votesByFp: expirable.NewLRU[string, []time.Time](size, nil, ttl),
		coordHits: expirable.NewLRU[string, int](size, nil, ttl),
	}
}

func signalKey(matchID, hash string) string {
	return matchID + "|" + hash
}

// RecordAddress notes that fingerprintHash was seen submitting from
// addressHash and returns the updated distinct address count.
func (s *SignalStore) RecordAddress(matchID, fingerprintHash, addressHash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signalKey(matchID, fingerprintHash)
	set, ok := s.addrsByFp.Get(key)
	if !ok {
		set = make(map[string]struct{})
		s.addrsByFp.Add(key, set)
	}
	set[addressHash] = struct{}{}
	return len(set)
}

// AddressCount returns the distinct addresses seen for a fingerprint.
func (s *SignalStore) AddressCount(matchID, fingerprintHash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.addrsByFp.Get(signalKey(matchID, fingerprintHash))
	if !ok {
		return 0
	}
	return len(set)
}

// RecordFingerprint notes that addressHash was seen submitting for
// fingerprintHash and returns the updated distinct fingerprint count.
func (s *SignalStore) RecordFingerprint(matchID, addressHash, fingerprintHash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signalKey(matchID, addressHash)
	set, ok := s.fpsByAddr.Get(key)
	if !ok {
		set = make(map[string]struct{})
		s.fpsByAddr.Add(key, set)
	}
	set[fingerprintHash] = struct{}{}
	return len(set)
}

// FingerprintCount returns the distinct fingerprints seen for an address.
func (s *SignalStore) FingerprintCount(matchID, addressHash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.fpsByAddr.Get(signalKey(matchID, addressHash))
	if !ok {
		return 0
	}
	return len(set)
}

// RecordVote appends a vote attempt timestamp for a fingerprint and returns
// the total recorded attempts still inside the retention window.
func (s *SignalStore) RecordVote(matchID, fingerprintHash string, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signalKey(matchID, fingerprintHash)
	times, _ := s.votesByFp.Get(key)
	times = append(pruneBefore(times, at.Add(-s.ttl)), at)
	s.votesByFp.Add(key, times)
	return len(times)
}

// VotesWithin counts attempts for a fingerprint in the trailing window ending
// at now.
func (s *SignalStore) VotesWithin(matchID, fingerprintHash string, window time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	times, ok := s.votesByFp.Get(signalKey(matchID, fingerprintHash))
	if !ok {
		return 0
	}
	cutoff := now.Add(-window)
	count := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count
}

// RecordCoordinate counts a submission at an exact coordinate pair and
// returns the updated collision count.
func (s *SignalStore) RecordCoordinate(matchID string, lat, lng float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signalKey(matchID, fmt.Sprintf("%.6f,%.6f", lat, lng))
	count, _ := s.coordHits.Get(key)
	count++
	s.coordHits.Add(key, count)
	return count
}

// CoordinateHits returns the collision count for an exact coordinate pair.
func (s *SignalStore) CoordinateHits(matchID string, lat, lng float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, _ := s.coordHits.Get(signalKey(matchID, fmt.Sprintf("%.6f,%.6f", lat, lng)))
	return count
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, ts := range times {
		if !ts.Before(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}
