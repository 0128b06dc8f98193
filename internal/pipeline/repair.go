package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"votepulse/internal/model"
)

// repairQueueDepth bounds the in-flight degraded increments. Overflow is
// dropped with a log line; the replay command remains the backstop since
// aggregates are re-derivable from the ledger.
const repairQueueDepth = 1024

type repairTask struct {
	matchID    string
	kind       model.AggregateKind
	key        string
	resolution int
	team       model.Team
}

// repairQueue retries aggregate increments that failed after a successful
// ledger insert. Retries use capped exponential backoff; a repaired increment
// still publishes its delta, since the repair is the commit.
type repairQueue struct {
	tasks  chan repairTask
	aggs   Aggregator
	pub    Publisher
	logger *zap.Logger
}

func newRepairQueue(aggs Aggregator, pub Publisher, logger *zap.Logger) *repairQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &repairQueue{
		tasks:  make(chan repairTask, repairQueueDepth),
		aggs:   aggs,
		pub:    pub,
		logger: logger,
	}
}

func (q *repairQueue) enqueue(task repairTask) {
	select {
	case q.tasks <- task:
	default:
		q.logger.Error("repair queue full, dropping increment repair",
			zap.String("match_id", task.matchID),
			zap.String("kind", string(task.kind)),
			zap.String("key", task.key),
		)
	}
}

func (q *repairQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.process(ctx, task)
		}
	}
}

func (q *repairQueue) process(ctx context.Context, task repairTask) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	attempt := func() error {
		switch task.kind {
		case model.KindCountry:
			agg, err := q.aggs.IncrementCountry(ctx, task.matchID, task.key, task.team)
			if err != nil {
				return err
			}
			q.publishCountry(task, agg)
		default:
			agg, err := q.aggs.IncrementCell(ctx, task.matchID, task.key, task.resolution, task.team)
			if err != nil {
				return err
			}
			q.publishCell(task, agg)
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, 5), ctx))
	if err != nil {
		q.logger.Error("aggregate repair gave up",
			zap.String("match_id", task.matchID),
			zap.String("kind", string(task.kind)),
			zap.String("key", task.key),
			zap.Error(err),
		)
	}
}

func (q *repairQueue) publishCell(task repairTask, agg model.CellAggregate) {
	if q.pub == nil {
		return
	}
	q.pub.PublishDelta(task.matchID, model.DeltaEvent{
		MatchID:     task.matchID,
		Kind:        model.KindCell,
		Key:         agg.CellIndex,
		Resolution:  agg.Resolution,
		Team:        task.team,
		TeamA:       agg.TeamA,
		TeamB:       agg.TeamB,
		Total:       agg.TeamA + agg.TeamB,
		CommittedAt: agg.UpdatedAt,
	})
}

func (q *repairQueue) publishCountry(task repairTask, agg model.CountryAggregate) {
	if q.pub == nil {
		return
	}
	q.pub.PublishDelta(task.matchID, model.DeltaEvent{
		MatchID:     task.matchID,
		Kind:        model.KindCountry,
		Key:         agg.CountryCode,
		Team:        task.team,
		TeamA:       agg.TeamA,
		TeamB:       agg.TeamB,
		Total:       agg.TeamA + agg.TeamB,
		CommittedAt: agg.UpdatedAt,
	})
}
