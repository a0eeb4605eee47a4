package store

import (
	"context"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// WriteHistory appends one CollectionHistory row. Exactly one row is
// written per finished job, whether it succeeded or failed.
func (s *Store) WriteHistory(ctx context.Context, h model.CollectionHistory) error {
	return withRetry(ctx, "WriteHistory", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO collection_history
				(service, started_at, trigger, items_collected, success, error_message, duration_ms, details)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, h.Service, h.StartedAt, h.Trigger, h.ItemsCollected, h.Success, h.ErrorMessage, h.DurationMS, h.Details)
		return err
	})
}

// RecentHistory returns the most recent history rows for service, newest
// first, bounded by limit.
func (s *Store) RecentHistory(ctx context.Context, service string, limit int) ([]model.CollectionHistory, error) {
	var rows []model.CollectionHistory

	err := withRetry(ctx, "RecentHistory", func(ctx context.Context) error {
		rows = nil
		r, err := s.pool.Query(ctx, `
			SELECT id, service, started_at, trigger, items_collected, success, error_message, duration_ms, details
			FROM collection_history
			WHERE service = $1
			ORDER BY started_at DESC
			LIMIT $2
		`, service, limit)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var h model.CollectionHistory
			if err := r.Scan(&h.ID, &h.Service, &h.StartedAt, &h.Trigger, &h.ItemsCollected,
				&h.Success, &h.ErrorMessage, &h.DurationMS, &h.Details); err != nil {
				return err
			}
			rows = append(rows, h)
		}
		return r.Err()
	})

	return rows, err
}
