package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// batchSize bounds how many rows UpsertBlacklist commits per transaction.
const batchSize = 100

// UpsertBlacklist inserts or merges each record in batch. Existing
// (ip, source) pairs have detection_count incremented, last_seen refreshed,
// reason/category overwritten only when the new value is non-empty, and
// confidence always overwritten (the Normalizer always resolves it to an
// explicit value, so there is no "unspecified" case to preserve the old
// value for). removal_date is replaced when the new value is set, and
// active is recomputed from whichever removal_date value wins so a
// re-ingest with no removal_date can't resurrect a row whose stored
// removal_date has already elapsed. New rows start at detection_count=1 and
// active=true unless already past removal. Rows are committed in chunks of
// batchSize; a failure in one chunk does not roll back prior chunks.
func (s *Store) UpsertBlacklist(ctx context.Context, batch []model.BlacklistRecord) (model.UpsertOutcome, error) {
	var out model.UpsertOutcome

	for start := 0; start < len(batch); start += batchSize {
		end := start + batchSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		chunkOut, err := s.upsertChunk(ctx, chunk)
		out.Inserted += chunkOut.Inserted
		out.Updated += chunkOut.Updated
		out.Failed += chunkOut.Failed
		if err != nil {
			out.Failed += len(chunk) - chunkOut.Inserted - chunkOut.Updated
			s.logger.Error("blacklist upsert batch failed", "error", err, "batch_size", len(chunk))
		}
	}

	return out, nil
}

func (s *Store) upsertChunk(ctx context.Context, chunk []model.BlacklistRecord) (model.UpsertOutcome, error) {
	var out model.UpsertOutcome

	err := withRetry(ctx, "UpsertBlacklist", func(ctx context.Context) error {
		out = model.UpsertOutcome{}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning upsert transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, rec := range chunk {
			active := rec.RemovalDate == nil || !rec.RemovalDate.Before(time.Now().Truncate(24*time.Hour))

			var inserted bool
			row := tx.QueryRow(ctx, `
				INSERT INTO blacklist_records
					(ip, source, reason, category, confidence, detection_count,
					 active, country, detection_date, removal_date, last_seen,
					 created_at, updated_at, raw_data)
				VALUES ($1,$2,$3,$4,$5,1,$6,$7,$8,$9,now(),now(),now(),$10)
				ON CONFLICT (ip, source) DO UPDATE SET
					detection_count = blacklist_records.detection_count + 1,
					last_seen       = now(),
					reason          = CASE WHEN EXCLUDED.reason <> '' THEN EXCLUDED.reason ELSE blacklist_records.reason END,
					category        = CASE WHEN EXCLUDED.category <> '' THEN EXCLUDED.category ELSE blacklist_records.category END,
					confidence      = EXCLUDED.confidence,
					removal_date    = COALESCE(EXCLUDED.removal_date, blacklist_records.removal_date),
					active          = (
						COALESCE(EXCLUDED.removal_date, blacklist_records.removal_date) IS NULL
						OR COALESCE(EXCLUDED.removal_date, blacklist_records.removal_date) >= CURRENT_DATE
					),
					updated_at      = now()
				RETURNING (xmax = 0) AS inserted
			`,
				rec.IP, rec.Source, rec.Reason, rec.Category, rec.Confidence,
				active, rec.Country, rec.DetectionDate, rec.RemovalDate, rec.RawData,
			)

			if err := row.Scan(&inserted); err != nil {
				out.Failed++
				s.logger.Warn("blacklist row upsert failed", "ip", rec.IP, "source", rec.Source, "error", err)
				continue
			}

			if inserted {
				out.Inserted++
			} else {
				out.Updated++
			}
		}

		return tx.Commit(ctx)
	})

	return out, err
}

// DeactivateStale sets active=false for every row whose last_seen predates
// now - retentionDays, returning the number of rows affected.
func (s *Store) DeactivateStale(ctx context.Context, retentionDays int) (int64, error) {
	var affected int64

	err := withRetry(ctx, "DeactivateStale", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE blacklist_records
			SET active = false, updated_at = now()
			WHERE active = true
			  AND last_seen < now() - ($1 || ' days')::interval
		`, retentionDays)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})

	return affected, err
}

// ListBlacklist returns a page of blacklist records matching filter, sorted
// by last_seen DESC, confidence DESC, along with the total matching count.
func (s *Store) ListBlacklist(ctx context.Context, filter model.BlacklistFilter, page Page) ([]model.BlacklistRecord, int, error) {
	where, args := buildBlacklistWhere(filter)

	var total int
	countQuery := "SELECT count(*) FROM blacklist_records " + where
	if err := withRetry(ctx, "ListBlacklist.count", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, countQuery, args...).Scan(&total)
	}); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset)
	limitIdx := len(args) - 1
	offsetIdx := len(args)

	query := fmt.Sprintf(`
		SELECT id, ip, source, reason, category, confidence, detection_count,
		       active, country, detection_date, removal_date, last_seen,
		       created_at, updated_at, raw_data
		FROM blacklist_records
		%s
		ORDER BY last_seen DESC, confidence DESC
		LIMIT $%d OFFSET $%d
	`, where, limitIdx, offsetIdx)

	var rows []model.BlacklistRecord
	err := withRetry(ctx, "ListBlacklist", func(ctx context.Context) error {
		rows = nil
		r, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var rec model.BlacklistRecord
			if err := r.Scan(&rec.ID, &rec.IP, &rec.Source, &rec.Reason, &rec.Category,
				&rec.Confidence, &rec.DetectionCount, &rec.Active, &rec.Country,
				&rec.DetectionDate, &rec.RemovalDate, &rec.LastSeen, &rec.CreatedAt,
				&rec.UpdatedAt, &rec.RawData); err != nil {
				return err
			}
			rows = append(rows, rec)
		}
		return r.Err()
	})

	return rows, total, err
}

func buildBlacklistWhere(f model.BlacklistFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Country != "" {
		add("country = $%d", f.Country)
	}
	if f.Active != nil {
		add("active = $%d", *f.Active)
	}
	if f.IPPrefix != "" {
		add("ip LIKE $%d", f.IPPrefix+"%")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// GetByIP returns every blacklist row recorded for ip, across all sources.
func (s *Store) GetByIP(ctx context.Context, ip string) ([]model.BlacklistRecord, error) {
	var rows []model.BlacklistRecord

	err := withRetry(ctx, "GetByIP", func(ctx context.Context) error {
		rows = nil
		r, err := s.pool.Query(ctx, `
			SELECT id, ip, source, reason, category, confidence, detection_count,
			       active, country, detection_date, removal_date, last_seen,
			       created_at, updated_at, raw_data
			FROM blacklist_records
			WHERE ip = $1
			ORDER BY last_seen DESC
		`, ip)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var rec model.BlacklistRecord
			if err := r.Scan(&rec.ID, &rec.IP, &rec.Source, &rec.Reason, &rec.Category,
				&rec.Confidence, &rec.DetectionCount, &rec.Active, &rec.Country,
				&rec.DetectionDate, &rec.RemovalDate, &rec.LastSeen, &rec.CreatedAt,
				&rec.UpdatedAt, &rec.RawData); err != nil {
				return err
			}
			rows = append(rows, rec)
		}
		return r.Err()
	})
	if err != nil {
		return nil, err
	}

	return rows, nil
}

// SearchBlacklist matches ip by prefix or substring against the store,
// bounded by page.
func (s *Store) SearchBlacklist(ctx context.Context, q string, page Page) ([]model.BlacklistRecord, int, error) {
	filter := model.BlacklistFilter{IPPrefix: q}
	if rows, total, err := s.ListBlacklist(ctx, filter, page); err == nil && total > 0 {
		return rows, total, nil
	}

	var total int
	if err := withRetry(ctx, "SearchBlacklist.count", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, "SELECT count(*) FROM blacklist_records WHERE ip LIKE $1", "%"+q+"%").Scan(&total)
	}); err != nil {
		return nil, 0, err
	}

	var rows []model.BlacklistRecord
	err := withRetry(ctx, "SearchBlacklist", func(ctx context.Context) error {
		rows = nil
		r, err := s.pool.Query(ctx, `
			SELECT id, ip, source, reason, category, confidence, detection_count,
			       active, country, detection_date, removal_date, last_seen,
			       created_at, updated_at, raw_data
			FROM blacklist_records
			WHERE ip LIKE $1
			ORDER BY last_seen DESC, confidence DESC
			LIMIT $2 OFFSET $3
		`, "%"+q+"%", page.Limit, page.Offset)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var rec model.BlacklistRecord
			if err := r.Scan(&rec.ID, &rec.IP, &rec.Source, &rec.Reason, &rec.Category,
				&rec.Confidence, &rec.DetectionCount, &rec.Active, &rec.Country,
				&rec.DetectionDate, &rec.RemovalDate, &rec.LastSeen, &rec.CreatedAt,
				&rec.UpdatedAt, &rec.RawData); err != nil {
				return err
			}
			rows = append(rows, rec)
		}
		return r.Err()
	})

	return rows, total, err
}
