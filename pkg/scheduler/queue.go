package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// queueKey is the Redis list backing the cross-process FIFO. Workers in any
// api or worker-mode process can pop from it, which is what lets a manual
// API trigger and a cron tick share one queue.
const queueKey = "blacklist:collection:queue"

// Queue is a Redis-list-backed FIFO of CollectionJob values.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewQueue creates a Queue over the given Redis client.
func NewQueue(rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger}
}

// Push appends job to the tail of the queue.
func (q *Queue) Push(ctx context.Context, job model.CollectionJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := q.rdb.RPush(ctx, queueKey, raw).Err(); err != nil {
		return fmt.Errorf("pushing job: %w", err)
	}
	return nil
}

// PushDelayed pushes job onto the queue after delay elapses, without
// blocking the caller. It is used for the busy-requeue and failure-retry
// backoff paths, both of which need a short in-process wait rather than a
// persistent delayed-queue structure. ctx cancellation aborts the wait
// before the job is ever re-pushed.
func (q *Queue) PushDelayed(ctx context.Context, job model.CollectionJob, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			if err := q.Push(context.Background(), job); err != nil {
				q.logger.Error("delayed requeue failed", "service", job.Service, "error", err)
			}
		case <-ctx.Done():
		}
	}()
}

// Pop blocks up to timeout waiting for a job, returning ok=false on a clean
// timeout (not an error — an empty queue is the expected steady state).
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (model.CollectionJob, bool, error) {
	res, err := q.rdb.BLPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return model.CollectionJob{}, false, nil
	}
	if err != nil {
		return model.CollectionJob{}, false, fmt.Errorf("popping job: %w", err)
	}

	var job model.CollectionJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return model.CollectionJob{}, false, fmt.Errorf("decoding job: %w", err)
	}
	return job, true, nil
}

// Depth reports the current queue length, surfaced as a gauge by the
// Observability component.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}
