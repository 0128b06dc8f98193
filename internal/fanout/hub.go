package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"votepulse/internal/model"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind is dropped; reconnecting clients resync from a
// snapshot, deltas are never replayed.
const subscriberBuffer = 64

// StatsReader recomputes match statistics for periodic snapshots.
type StatsReader interface {
	MatchStats(ctx context.Context, matchID string) (model.SnapshotEvent, error)
}

// Subscriber is one receiving end of a match room.
type Subscriber struct {
	matchID string
	ch      chan model.Event
	hub     *Hub
	once    sync.Once
}

// C delivers this subscriber's events in publish order per aggregate key.
func (s *Subscriber) C() <-chan model.Event { return s.ch }

// Close detaches the subscriber from its room.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans out delta and snapshot events to per-match rooms. Publishing is
// synchronous with the caller so per-key delivery order matches commit order;
// each subscriber channel is FIFO.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscriber]struct{}
	stats  StatsReader
	clock  clockwork.Clock
	logger *zap.Logger

	// ordMu serializes the per-key ordering gate with the channel sends so
	// deltas for one aggregate key always go out in commit order. Counters
	// are cumulative, so a delta arriving after a newer one carries nothing
	// the newer one didn't and is dropped.
	ordMu      sync.Mutex
	lastTotals map[string]map[string]int64
}

func NewHub(stats StatsReader, clock clockwork.Clock, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		rooms:      make(map[string]map[*Subscriber]struct{}),
		stats:      stats,
		clock:      clock,
		logger:     logger,
		lastTotals: make(map[string]map[string]int64),
	}
}

// Subscribe joins the room for one match.
func (h *Hub) Subscribe(matchID string) *Subscriber {
	sub := &Subscriber{
		matchID: matchID,
		ch:      make(chan model.Event, subscriberBuffer),
		hub:     h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[matchID]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[matchID] = room
	}
	room[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[sub.matchID]
	if ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, sub.matchID)
		}
	}
	// Closed under the write lock so no publisher is mid-send on the channel.
	sub.once.Do(func() { close(sub.ch) })
}

// SubscriberCount reports the current room size for a match.
func (h *Hub) SubscriberCount(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[matchID])
}

// PublishDelta sends one committed increment to every subscriber of the
// match. Slow subscribers are dropped rather than blocking the pipeline.
func (h *Hub) PublishDelta(matchID string, delta model.DeltaEvent) {
	key := string(delta.Kind) + "|" + delta.Key

	h.mu.RLock()
	empty := len(h.rooms[matchID]) == 0
	h.mu.RUnlock()

	h.ordMu.Lock()
	defer h.ordMu.Unlock()

	if empty {
		delete(h.lastTotals, matchID)
		return
	}

	totals, ok := h.lastTotals[matchID]
	if !ok {
		totals = make(map[string]int64)
		h.lastTotals[matchID] = totals
	}
	if delta.Total <= totals[key] {
		return
	}
	totals[key] = delta.Total

	h.publish(matchID, model.Event{Type: model.EventDelta, Delta: &delta})
}

// PublishSnapshot sends a full statistics snapshot to every subscriber.
func (h *Hub) PublishSnapshot(matchID string, snap model.SnapshotEvent) {
	h.publish(matchID, model.Event{Type: model.EventSnapshot, Snapshot: &snap})
}

func (h *Hub) publish(matchID string, ev model.Event) {
	h.mu.RLock()
	var stalled []*Subscriber
	for sub := range h.rooms[matchID] {
		select {
		case sub.ch <- ev:
		default:
			stalled = append(stalled, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stalled {
		h.logger.Warn("dropping stalled subscriber", zap.String("match_id", matchID))
		h.unsubscribe(sub)
	}
}

// Run broadcasts a statistics snapshot to every active room on a fixed
// cadence until ctx is done.
func (h *Hub) Run(ctx context.Context, every time.Duration) {
	if h.stats == nil || every <= 0 {
		return
	}

	ticker := h.clock.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.broadcastSnapshots(ctx)
		}
	}
}

func (h *Hub) broadcastSnapshots(ctx context.Context) {
	h.mu.RLock()
	matchIDs := make([]string, 0, len(h.rooms))
	for matchID := range h.rooms {
		matchIDs = append(matchIDs, matchID)
	}
	h.mu.RUnlock()

	for _, matchID := range matchIDs {
		snap, err := h.stats.MatchStats(ctx, matchID)
		if err != nil {
			h.logger.Warn("snapshot refresh failed", zap.String("match_id", matchID), zap.Error(err))
			continue
		}
		h.PublishSnapshot(matchID, snap)
	}
}
