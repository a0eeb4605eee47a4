package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// EnsureStatus inserts an idle status row for service if one doesn't exist.
func (s *Store) EnsureStatus(ctx context.Context, service string) error {
	return withRetry(ctx, "EnsureStatus", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO collection_status (service, status, success_count, error_count, updated_at)
			VALUES ($1, $2, 0, 0, now())
			ON CONFLICT (service) DO NOTHING
		`, service, model.StatusIdle)
		return err
	})
}

// GetStatus returns the current status row for service. Returns
// pgx.ErrNoRows if the service has never had a status row created.
func (s *Store) GetStatus(ctx context.Context, service string) (model.CollectionStatus, error) {
	var st model.CollectionStatus

	err := withRetry(ctx, "GetStatus", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT service, status, last_run_at, next_run_at, success_count, error_count, config, updated_at
			FROM collection_status WHERE service = $1
		`, service).Scan(&st.Service, &st.Status, &st.LastRunAt, &st.NextRunAt,
			&st.SuccessCount, &st.ErrorCount, &st.Config, &st.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CollectionStatus{}, fmt.Errorf("status for service %q: %w", service, pgx.ErrNoRows)
		}
		return model.CollectionStatus{}, err
	}

	return st, nil
}

// CompareAndSwapStatus atomically transitions service's status from `from`
// to `to`, succeeding only if the current status still equals `from`. This
// is the mechanism enforcing per-service single-flight (I-ORD: at most one
// run per service may be in `running` at once).
func (s *Store) CompareAndSwapStatus(ctx context.Context, service string, from, to model.Status) (bool, error) {
	var applied bool

	err := withRetry(ctx, "CompareAndSwapStatus", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE collection_status
			SET status = $3, updated_at = now()
			WHERE service = $1 AND status = $2
		`, service, from, to)
		if err != nil {
			return err
		}
		applied = tag.RowsAffected() == 1
		return nil
	})

	return applied, err
}

// RecordRunOutcome updates counters and timestamps after a collection run
// finishes, transitioning status to idle (success) or error (failure) and
// bumping the corresponding counter.
func (s *Store) RecordRunOutcome(ctx context.Context, service string, success bool, next model.Status, nextRunAt *time.Time) error {
	return withRetry(ctx, "RecordRunOutcome", func(ctx context.Context) error {
		successDelta, errorDelta := 0, 0
		if success {
			successDelta = 1
		} else {
			errorDelta = 1
		}

		_, err := s.pool.Exec(ctx, `
			UPDATE collection_status
			SET status = $2,
			    last_run_at = now(),
			    next_run_at = $3,
			    success_count = success_count + $4,
			    error_count = error_count + $5,
			    updated_at = now()
			WHERE service = $1
		`, service, next, nextRunAt, successDelta, errorDelta)
		return err
	})
}

// SetEnabled toggles a service's disabled/idle status for the enable/disable
// API. Moving into disabled is only valid from idle or error; moving out of
// disabled always lands on idle.
func (s *Store) SetEnabled(ctx context.Context, service string, enabled bool) error {
	return withRetry(ctx, "SetEnabled", func(ctx context.Context) error {
		var query string
		if enabled {
			query = `UPDATE collection_status SET status = 'idle', updated_at = now()
			          WHERE service = $1 AND status = 'disabled'`
		} else {
			query = `UPDATE collection_status SET status = 'disabled', updated_at = now()
			          WHERE service = $1 AND status IN ('idle', 'error')`
		}
		_, err := s.pool.Exec(ctx, query, service)
		return err
	})
}
