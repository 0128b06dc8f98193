package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"votepulse/internal/model"
)

func TestPublishDeltaOrderPerKey(t *testing.T) {
	hub := NewHub(nil, clockwork.NewFakeClock(), nil)
	sub := hub.Subscribe("m1")
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		hub.PublishDelta("m1", model.DeltaEvent{
			MatchID: "m1",
			Kind:    model.KindCell,
			Key:     "cell-1",
			TeamA:   int64(i),
			Total:   int64(i),
		})
	}

	for i := 1; i <= 5; i++ {
		ev := mustReceive(t, sub)
		if ev.Type != model.EventDelta {
			t.Fatalf("expected delta, got %s", ev.Type)
		}
		if ev.Delta.Total != int64(i) {
			t.Fatalf("delta %d out of order: total %d", i, ev.Delta.Total)
		}
	}
}

func TestStaleDeltaDropped(t *testing.T) {
	hub := NewHub(nil, clockwork.NewFakeClock(), nil)
	sub := hub.Subscribe("m1")
	defer sub.Close()

	for _, total := range []int64{2, 1, 3} {
		hub.PublishDelta("m1", model.DeltaEvent{MatchID: "m1", Kind: model.KindCell, Key: "c1", TeamA: total, Total: total})
	}

	if got := mustReceive(t, sub).Delta.Total; got != 2 {
		t.Fatalf("expected total 2 first, got %d", got)
	}
	if got := mustReceive(t, sub).Delta.Total; got != 3 {
		t.Fatalf("expected total 3 second, got %d", got)
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("stale delta should have been dropped, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRoomIsolation(t *testing.T) {
	hub := NewHub(nil, clockwork.NewFakeClock(), nil)
	sub1 := hub.Subscribe("m1")
	defer sub1.Close()
	sub2 := hub.Subscribe("m2")
	defer sub2.Close()

	hub.PublishDelta("m1", model.DeltaEvent{MatchID: "m1", Kind: model.KindCountry, Key: "FR", TeamA: 1, Total: 1})

	ev := mustReceive(t, sub1)
	if ev.Delta.Key != "FR" {
		t.Fatalf("unexpected key %q", ev.Delta.Key)
	}

	select {
	case ev := <-sub2.C():
		t.Fatalf("subscriber of other match received event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStalledSubscriberDropped(t *testing.T) {
	hub := NewHub(nil, clockwork.NewFakeClock(), nil)
	sub := hub.Subscribe("m1")

	// Never drained: fill the buffer and overflow it by one.
	for i := 0; i <= subscriberBuffer; i++ {
		hub.PublishDelta("m1", model.DeltaEvent{MatchID: "m1", Kind: model.KindCell, Key: "c", TeamA: int64(i + 1), Total: int64(i + 1)})
	}

	if got := hub.SubscriberCount("m1"); got != 0 {
		t.Fatalf("expected stalled subscriber to be dropped, room size %d", got)
	}

	// Channel is closed after the drop; drain to the close.
	count := 0
	for range sub.C() {
		count++
	}
	if count != subscriberBuffer {
		t.Fatalf("expected %d buffered events, got %d", subscriberBuffer, count)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	hub := NewHub(nil, clockwork.NewFakeClock(), nil)
	sub := hub.Subscribe("m1")

	sub.Close()
	sub.Close()

	if got := hub.SubscriberCount("m1"); got != 0 {
		t.Fatalf("expected empty room, got %d", got)
	}
}

type fakeStats struct {
	snap model.SnapshotEvent
}

func (f *fakeStats) MatchStats(_ context.Context, matchID string) (model.SnapshotEvent, error) {
	snap := f.snap
	snap.MatchID = matchID
	return snap, nil
}

func TestPeriodicSnapshots(t *testing.T) {
	clock := clockwork.NewFakeClock()
	hub := NewHub(&fakeStats{snap: model.SnapshotEvent{TotalVotes: 7}}, clock, nil)
	sub := hub.Subscribe("m1")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, 10*time.Second)
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	ev := mustReceive(t, sub)
	if ev.Type != model.EventSnapshot {
		t.Fatalf("expected snapshot, got %s", ev.Type)
	}
	if ev.Snapshot.TotalVotes != 7 || ev.Snapshot.MatchID != "m1" {
		t.Fatalf("unexpected snapshot: %+v", ev.Snapshot)
	}

	cancel()
	<-done
}

func mustReceive(t *testing.T, sub *Subscriber) model.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return model.Event{}
	}
}
