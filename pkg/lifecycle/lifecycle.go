// Package lifecycle resolves IP status against the whitelist/blacklist
// overlay and runs the daily sweep that deactivates stale blacklist rows.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jclee-lab/blacklist-sub003/internal/cache"
	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// Engine resolves per-IP status and runs the retention sweep. Whitelist
// entries always take precedence over blacklist entries for the same IP.
type Engine struct {
	store         *store.Store
	cache         *cache.Cache
	logger        *slog.Logger
	retentionDays int
}

// New creates an Engine. retentionDays configures the daily sweep's
// inactivity cutoff.
func New(st *store.Store, c *cache.Cache, retentionDays int, logger *slog.Logger) *Engine {
	return &Engine{store: st, cache: c, logger: logger, retentionDays: retentionDays}
}

// Resolve returns the resolution for ip: whitelist wins over any active
// blacklist entry, an active blacklist entry with no whitelist override
// resolves to blacklist, and anything else is unknown.
func (e *Engine) Resolve(ctx context.Context, ip string) (model.Resolution, error) {
	whitelisted, err := e.store.ActiveWhitelistEntries(ctx, ip)
	if err != nil {
		return "", fmt.Errorf("checking whitelist: %w", err)
	}
	if len(whitelisted) > 0 {
		return model.ResolutionWhitelist, nil
	}

	records, err := e.store.GetByIP(ctx, ip)
	if err != nil {
		return "", fmt.Errorf("checking blacklist: %w", err)
	}
	for _, rec := range records {
		if rec.Active {
			return model.ResolutionBlacklist, nil
		}
	}

	return model.ResolutionUnknown, nil
}

// Whitelist adds or updates an override entry, then invalidates any cached
// resolution so the next lookup sees it immediately.
func (e *Engine) Whitelist(ctx context.Context, rec model.WhitelistRecord) error {
	if err := e.store.UpsertWhitelist(ctx, rec); err != nil {
		return fmt.Errorf("storing whitelist entry: %w", err)
	}
	if err := e.cache.Delete(ctx, "resolve:"+rec.IP); err != nil {
		e.logger.Warn("resolution cache invalidation failed", "ip", rec.IP, "error", err)
	}
	return nil
}

// Sweep deactivates every blacklist row whose last_seen predates the
// configured retention window, invalidating the list and stats caches
// afterward. It is safe to call concurrently with an in-progress
// collection run — DeactivateStale only touches rows already past the
// cutoff.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	affected, err := e.store.DeactivateStale(ctx, e.retentionDays)
	if err != nil {
		return 0, fmt.Errorf("deactivating stale records: %w", err)
	}

	if affected > 0 {
		if err := e.cache.DeleteByPrefix(ctx, "stats:"); err != nil {
			e.logger.Warn("stats cache invalidation after sweep failed", "error", err)
		}
		if err := e.cache.DeleteByPrefix(ctx, "blacklist:list:"); err != nil {
			e.logger.Warn("list cache invalidation after sweep failed", "error", err)
		}
	}

	e.logger.Info("retention sweep completed", "deactivated", affected, "retention_days", e.retentionDays)
	return affected, nil
}

// RunSweepLoop runs Sweep once immediately, then once a day at the given
// hour (local time) until ctx is cancelled.
func (e *Engine) RunSweepLoop(ctx context.Context, hour int) {
	e.logger.Info("retention sweep loop started", "hour", hour)

	if _, err := e.Sweep(ctx); err != nil {
		e.logger.Error("initial retention sweep failed", "error", err)
	}

	for {
		next := nextOccurrence(time.Now(), hour)
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("retention sweep loop stopped")
			return
		case <-timer.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// nextOccurrence returns the next time at the given local hour, rolling
// over to tomorrow if that hour has already passed today.
func nextOccurrence(from time.Time, hour int) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), hour, 0, 0, 0, from.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
