package store

import (
	"context"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// UpsertWhitelist inserts or updates a whitelist entry for (ip, source).
func (s *Store) UpsertWhitelist(ctx context.Context, rec model.WhitelistRecord) error {
	return withRetry(ctx, "UpsertWhitelist", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO whitelist_records (ip, source, reason, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT (ip, source) DO UPDATE SET
				reason = EXCLUDED.reason,
				active = EXCLUDED.active,
				updated_at = now()
		`, rec.IP, rec.Source, rec.Reason, rec.Active)
		return err
	})
}

// ActiveWhitelistEntries returns every active whitelist row for ip.
func (s *Store) ActiveWhitelistEntries(ctx context.Context, ip string) ([]model.WhitelistRecord, error) {
	var rows []model.WhitelistRecord

	err := withRetry(ctx, "ActiveWhitelistEntries", func(ctx context.Context) error {
		rows = nil
		r, err := s.pool.Query(ctx, `
			SELECT id, ip, source, reason, active, created_at, updated_at
			FROM whitelist_records
			WHERE ip = $1 AND active = true
		`, ip)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var rec model.WhitelistRecord
			if err := r.Scan(&rec.ID, &rec.IP, &rec.Source, &rec.Reason, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
				return err
			}
			rows = append(rows, rec)
		}
		return r.Err()
	})

	return rows, err
}
