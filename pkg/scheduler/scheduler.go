// Package scheduler drives collection jobs onto a per-service single-flight
// FIFO, on cron ticks and explicit API triggers, and owns the busy-requeue
// and failure-retry backoff policies described in spec §4.7.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"

	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/internal/telemetry"
	"github.com/jclee-lab/blacklist-sub003/pkg/collector"
	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// Sentinel errors returned by Trigger; the API surface maps these directly
// to the response codes from spec §6's trigger endpoint.
var (
	ErrBusy           = errors.New("scheduler: collection already running")
	ErrDisabled       = errors.New("scheduler: service is disabled")
	ErrUnknownService = errors.New("scheduler: unknown service")
)

// Config tunes the scheduler's worker pool, queue, and retry policy.
type Config struct {
	Workers           int
	PopTimeout        time.Duration // how long a worker blocks on an empty queue
	BusyRequeueDelay  time.Duration // default 5s
	MaxBusyRequeues   int           // default 3
	CollectionTimeout time.Duration // per-job deadline, default 600s
	RetryBase         time.Duration // default 30s
	RetryCap          time.Duration // default 900s
	MaxRetryAttempts  int           // from setting COLLECTION_RETRY_COUNT
	ErrorCooldown     time.Duration // error -> idle healing delay after abandonment
}

// DefaultConfig returns the spec's default tuning values.
func DefaultConfig() Config {
	return Config{
		Workers:           2,
		PopTimeout:        2 * time.Second,
		BusyRequeueDelay:  5 * time.Second,
		MaxBusyRequeues:   3,
		CollectionTimeout: 600 * time.Second,
		RetryBase:         30 * time.Second,
		RetryCap:          900 * time.Second,
		MaxRetryAttempts:  3,
		ErrorCooldown:     900 * time.Second,
	}
}

// Scheduler owns the cron registry, the job queue, and the worker pool that
// drains it. All durable state (status, history) lives in the Store; the
// Scheduler's only in-memory state is the set of cancel funcs for
// currently-running jobs.
type Scheduler struct {
	cfg       Config
	cron      *cron.Cron
	queue     *Queue
	collector *collector.Collector
	store     *store.Store
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Scheduler. Call Schedule for each service before Start.
func New(cfg Config, q *Queue, c *collector.Collector, st *store.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		cron:      cron.New(),
		queue:     q,
		collector: c,
		store:     st,
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Schedule registers a cron trigger for service using the standard 5-field
// cron expression.
func (s *Scheduler) Schedule(service, cronExpr string) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		if err := s.Trigger(context.Background(), service, model.TriggerCron, false); err != nil {
			s.logger.Debug("cron trigger skipped", "service", service, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling %q with %q: %w", service, cronExpr, err)
	}
	return nil
}

// Start starts the cron loop and the worker pool. It returns immediately;
// workers run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(ctx, i)
	}
}

// Stop stops the cron loop, waiting for any in-flight cron invocation to
// return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Trigger enqueues a collection job for service, after checking the
// service's current status. A service already running is rejected with
// ErrBusy unless force is set, matching scenario S4.
func (s *Scheduler) Trigger(ctx context.Context, service string, triggeredBy model.TriggerType, force bool) error {
	st, err := s.store.GetStatus(ctx, service)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUnknownService
		}
		return fmt.Errorf("checking status: %w", err)
	}

	if st.Status == model.StatusDisabled {
		return ErrDisabled
	}
	if st.Status == model.StatusRunning && !force {
		return ErrBusy
	}

	return s.queue.Push(ctx, model.CollectionJob{
		Service:     service,
		TriggeredBy: triggeredBy,
		Timestamp:   time.Now().UTC(),
		Force:       force,
	})
}

// Cancel cancels the in-flight job for service, if any, and reports whether
// one was found. The Collector is expected to observe ctx.Done() at every
// stage boundary and unwind within 5s.
func (s *Scheduler) Cancel(service string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[service]
	s.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// QueueDepth reports the current queue length.
func (s *Scheduler) QueueDepth(ctx context.Context) (int64, error) {
	return s.queue.Depth(ctx)
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	s.logger.Info("scheduler worker started", "worker", id)

	for {
		if ctx.Err() != nil {
			return
		}

		job, ok, err := s.queue.Pop(ctx, s.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("queue pop failed", "worker", id, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		s.process(ctx, job)
	}
}

func (s *Scheduler) process(ctx context.Context, job model.CollectionJob) {
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.CollectionTimeout)

	s.mu.Lock()
	s.cancels[job.Service] = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, job.Service)
		s.mu.Unlock()
	}()

	res := s.collector.Run(jobCtx, job.Service, job.TriggeredBy)

	switch {
	case errors.Is(res.Err, collector.ErrAlreadyRunning):
		s.requeueBusy(ctx, job)
	case res.Cancelled:
		// Expected — no retry, no history row (the Collector already
		// skipped both).
	case !res.Success:
		s.retryFailure(ctx, job)
	}
}

// requeueBusy implements the "requeued at the tail with a short delay, up
// to a cap of MaxBusyRequeues before dropping with SkippedBusy" rule.
func (s *Scheduler) requeueBusy(ctx context.Context, job model.CollectionJob) {
	if job.Attempt >= s.cfg.MaxBusyRequeues {
		s.logger.Warn("dropping job: SkippedBusy", "service", job.Service, "attempts", job.Attempt)
		return
	}
	job.Attempt++
	s.queue.PushDelayed(ctx, job, s.cfg.BusyRequeueDelay)
}

// retryFailure implements the exponential-backoff retry policy: when the
// backoff has elapsed, status heals error -> idle and the job is requeued.
// Once MaxRetryAttempts is exhausted, the job is abandoned and status heals
// error -> idle only after ErrorCooldown.
func (s *Scheduler) retryFailure(ctx context.Context, job model.CollectionJob) {
	if job.Attempt >= s.cfg.MaxRetryAttempts {
		s.logger.Error("collection abandoned after max retries", "service", job.Service, "attempts", job.Attempt)
		s.scheduleCooldownRecovery(job.Service)
		return
	}

	delay := backoffDelay(job.Attempt, s.cfg.RetryBase, s.cfg.RetryCap)
	job.Attempt++
	job.TriggeredBy = model.TriggerCron
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if _, err := s.store.CompareAndSwapStatus(ctx, job.Service, model.StatusError, model.StatusIdle); err != nil {
			s.logger.Error("healing status before retry failed", "service", job.Service, "error", err)
		}
		s.queue.PushDelayed(ctx, job, 0)
	}()
}

func (s *Scheduler) scheduleCooldownRecovery(service string) {
	time.AfterFunc(s.cfg.ErrorCooldown, func() {
		if _, err := s.store.CompareAndSwapStatus(context.Background(), service, model.StatusError, model.StatusIdle); err != nil {
			s.logger.Error("cooldown recovery failed", "service", service, "error", err)
		}
	})
}

// backoffDelay computes base*2^attempt capped at cap, with +/-20% jitter.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > cap {
		d = cap
	}
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(d))
	return d + jitter
}

// ReportQueueDepth sets the scheduler_queue_depth gauge, labelled with
// service, to the length of the shared queue (jobs of every service). It is
// invoked periodically by the app's background telemetry tick.
func (s *Scheduler) ReportQueueDepth(ctx context.Context, service string) {
	depth, err := s.QueueDepth(ctx)
	if err != nil {
		return
	}
	telemetry.QueueDepth.WithLabelValues(service).Set(float64(depth))
}
