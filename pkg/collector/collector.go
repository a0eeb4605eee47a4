// Package collector orchestrates one collection run: it authenticates via
// the Vault, drives a source.Source through fetch/parse, normalizes rows,
// upserts them into the Store, and records the run's history and status.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jclee-lab/blacklist-sub003/internal/cache"
	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/internal/telemetry"
	"github.com/jclee-lab/blacklist-sub003/internal/vault"
	"github.com/jclee-lab/blacklist-sub003/pkg/model"
	"github.com/jclee-lab/blacklist-sub003/pkg/normalize"
	"github.com/jclee-lab/blacklist-sub003/pkg/source"
)

// ErrAlreadyRunning is returned when a job is submitted for a service whose
// status is not idle — the per-service single-flight guard (§4.6 step 1).
var ErrAlreadyRunning = errors.New("collector: service already running")

// Result summarizes one finished (or aborted) collection run.
type Result struct {
	Service    string
	Inserted   int
	Updated    int
	Failed     int
	Skipped    int
	DurationMS int64
	Success    bool
	Cancelled  bool
	Err        error
}

// Collector runs one collection job end to end. It is stateless between
// runs; all mutable state lives in the Store and Cache.
type Collector struct {
	store   *store.Store
	vault   *vault.Vault
	cache   *cache.Cache
	sources source.Registry
	logger  *slog.Logger
}

// New creates a Collector over the given Store, Vault, Cache, and source
// Registry.
func New(st *store.Store, v *vault.Vault, c *cache.Cache, sources source.Registry, logger *slog.Logger) *Collector {
	return &Collector{store: st, vault: v, cache: c, sources: sources, logger: logger}
}

// Run drives a single collection job for service from trigger to
// completion, writing exactly one CollectionHistory row for every run that
// actually starts (step 1 CAS) and is not cancelled; a cancelled run reverts
// to idle without a history row. It never returns ErrAlreadyRunning's
// sibling "SkippedBusy" — that decision belongs to the Scheduler, which
// owns requeue policy; Run only reports whether the CAS succeeded.
func (c *Collector) Run(ctx context.Context, service string, trigger model.TriggerType) Result {
	applied, err := c.store.CompareAndSwapStatus(ctx, service, model.StatusIdle, model.StatusRunning)
	if err != nil {
		return Result{Service: service, Success: false, Err: fmt.Errorf("transitioning to running: %w", err)}
	}
	if !applied {
		return Result{Service: service, Success: false, Err: ErrAlreadyRunning}
	}

	started := time.Now()
	res := c.run(ctx, service, trigger, started)

	if res.Cancelled {
		// Cooperative cancellation: no history row, status reverts to idle
		// with no counters bumped — the job was never really "run".
		if _, err := c.store.CompareAndSwapStatus(context.Background(), service, model.StatusRunning, model.StatusIdle); err != nil {
			c.logger.Error("reverting status after cancellation", "service", service, "error", err)
		}
		telemetry.CollectionRunsTotal.WithLabelValues(service, "cancelled").Inc()
		return res
	}

	nextStatus := model.StatusIdle
	if !res.Success {
		nextStatus = model.StatusError
	}
	if err := c.store.RecordRunOutcome(context.Background(), service, res.Success, nextStatus, nil); err != nil {
		c.logger.Error("recording run outcome", "service", service, "error", err)
	}

	details, _ := json.Marshal(map[string]any{
		"inserted": res.Inserted, "updated": res.Updated, "failed": res.Failed, "skipped": res.Skipped,
	})
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	if err := c.store.WriteHistory(context.Background(), model.CollectionHistory{
		Service:        service,
		StartedAt:      started,
		Trigger:        trigger,
		ItemsCollected: res.Inserted + res.Updated,
		Success:        res.Success,
		ErrorMessage:   errMsg,
		DurationMS:     res.DurationMS,
		Details:        details,
	}); err != nil {
		c.logger.Error("writing collection history", "service", service, "error", err)
	}

	outcome := "success"
	if !res.Success {
		outcome = "error"
	}
	telemetry.CollectionRunsTotal.WithLabelValues(service, outcome).Inc()
	telemetry.CollectionDuration.WithLabelValues(service).Observe(time.Duration(res.DurationMS * int64(time.Millisecond)).Seconds())

	if res.Success {
		if err := c.invalidateCaches(context.Background()); err != nil {
			c.logger.Warn("cache invalidation after collection failed", "service", service, "error", err)
		}
		if err := c.store.MarkCollected(context.Background(), service); err != nil {
			c.logger.Warn("stamping last_collection_at failed", "service", service, "error", err)
		}
	}

	return res
}

func (c *Collector) run(ctx context.Context, service string, trigger model.TriggerType, started time.Time) Result {
	fail := func(err error) Result {
		return Result{
			Service: service, Success: false, Err: err,
			DurationMS: time.Since(started).Milliseconds(),
			Cancelled:  errors.Is(ctx.Err(), context.Canceled),
		}
	}

	src, ok := c.sources.Get(service)
	if !ok {
		return fail(fmt.Errorf("no source implementation registered for %q", service))
	}

	cred, err := c.store.LoadCredential(ctx, service)
	if err != nil {
		return fail(fmt.Errorf("loading credential: %w", err))
	}

	password := cred.Password
	if cred.Encrypted {
		password, err = c.vault.Decrypt(cred.Password)
		if err != nil {
			return fail(fmt.Errorf("decrypting credential: %w", err))
		}
	}

	cfg := map[string]string{}
	if len(cred.Config) > 0 {
		_ = json.Unmarshal(cred.Config, &cfg)
	}

	sess, err := src.Authenticate(ctx, source.Credential{Username: cred.Username, Password: password, Config: cfg})
	if err != nil {
		return fail(fmt.Errorf("authenticating: %w", err))
	}
	defer sess.Release()

	if ctx.Err() != nil {
		return fail(ctx.Err())
	}

	artifact, err := src.Fetch(ctx, sess, source.DefaultDateWindow(started))
	if err != nil {
		return fail(fmt.Errorf("fetching artifact: %w", err))
	}

	if ctx.Err() != nil {
		return fail(ctx.Err())
	}

	rows, err := src.Parse(ctx, artifact)
	if err != nil {
		return fail(fmt.Errorf("parsing artifact: %w", err))
	}

	n := normalize.New(service, cfg)
	batches, skippedRows := n.NormalizeBatch(rows)

	var inserted, updated, failed int
	for _, batch := range batches {
		if ctx.Err() != nil {
			return Result{
				Service: service, Inserted: inserted, Updated: updated, Failed: failed,
				Skipped: len(skippedRows), DurationMS: time.Since(started).Milliseconds(), Cancelled: true,
			}
		}

		out, err := c.store.UpsertBlacklist(ctx, batch)
		if err != nil {
			c.logger.Error("upsert batch failed", "service", service, "error", err)
		}
		inserted += out.Inserted
		updated += out.Updated
		failed += out.Failed
	}

	return Result{
		Service:    service,
		Inserted:   inserted,
		Updated:    updated,
		Failed:     failed,
		Skipped:    len(skippedRows),
		DurationMS: time.Since(started).Milliseconds(),
		Success:    true,
	}
}

// IngestDirect bypasses the Scraper entirely: it normalizes and stores rows
// pushed directly by a privileged caller (the air-gap ingest endpoint). It
// does not touch CollectionStatus — there is no single-flight concern for a
// push rather than a scheduled pull.
func (c *Collector) IngestDirect(ctx context.Context, service string, rows []source.Row) (Result, error) {
	started := time.Now()

	cfg := map[string]string{}
	if cred, err := c.store.LoadCredential(ctx, service); err == nil && len(cred.Config) > 0 {
		_ = json.Unmarshal(cred.Config, &cfg)
	}

	n := normalize.New(service, cfg)
	batches, skipped := n.NormalizeBatch(rows)

	var inserted, updated, failed int
	for _, batch := range batches {
		out, err := c.store.UpsertBlacklist(ctx, batch)
		if err != nil {
			return Result{}, fmt.Errorf("ingesting batch: %w", err)
		}
		inserted += out.Inserted
		updated += out.Updated
		failed += out.Failed
	}

	if err := c.invalidateCaches(ctx); err != nil {
		c.logger.Warn("cache invalidation after ingest failed", "service", service, "error", err)
	}

	return Result{
		Service: service, Inserted: inserted, Updated: updated, Failed: failed,
		Skipped: len(skipped), DurationMS: time.Since(started).Milliseconds(), Success: true,
	}, nil
}

func (c *Collector) invalidateCaches(ctx context.Context) error {
	if err := c.cache.DeleteByPrefix(ctx, "stats:"); err != nil {
		return err
	}
	return c.cache.DeleteByPrefix(ctx, "blacklist:list:")
}
