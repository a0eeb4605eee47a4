package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// GetSetting reads one active setting by key.
func (s *Store) GetSetting(ctx context.Context, key string) (model.Setting, error) {
	var set model.Setting

	err := withRetry(ctx, "GetSetting", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT key, value, type, category, active FROM settings WHERE key = $1
		`, key).Scan(&set.Key, &set.Value, &set.Type, &set.Category, &set.Active)
	})
	if err != nil {
		return model.Setting{}, err
	}

	return set, nil
}

// ListSettings returns every active setting in a category, or all active
// settings when category is empty.
func (s *Store) ListSettings(ctx context.Context, category string) ([]model.Setting, error) {
	var rows []model.Setting

	err := withRetry(ctx, "ListSettings", func(ctx context.Context) error {
		rows = nil
		var r pgx.Rows
		var err error
		if category == "" {
			r, err = s.pool.Query(ctx, "SELECT key, value, type, category, active FROM settings WHERE active = true")
		} else {
			r, err = s.pool.Query(ctx, "SELECT key, value, type, category, active FROM settings WHERE active = true AND category = $1", category)
		}
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var set model.Setting
			if err := r.Scan(&set.Key, &set.Value, &set.Type, &set.Category, &set.Active); err != nil {
				return err
			}
			rows = append(rows, set)
		}
		return r.Err()
	})

	return rows, err
}
