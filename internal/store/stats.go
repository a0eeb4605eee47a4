package store

import (
	"context"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// SourceStats recomputes the per-source aggregate directly from
// blacklist_records. It is cheap enough to serve on read when the Query
// Service's cache misses.
func (s *Store) SourceStats(ctx context.Context) ([]model.CollectionStats, error) {
	var rows []model.CollectionStats

	err := withRetry(ctx, "SourceStats", func(ctx context.Context) error {
		rows = nil
		r, err := s.pool.Query(ctx, `
			SELECT source, count(*) FILTER (WHERE active), max(last_seen)
			FROM blacklist_records
			GROUP BY source
			ORDER BY source
		`)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var st model.CollectionStats
			if err := r.Scan(&st.Source, &st.TotalIPs, &st.LastSeenAt); err != nil {
				return err
			}
			rows = append(rows, st)
		}
		return r.Err()
	})

	return rows, err
}

// CategoryBreakdown returns active-IP counts grouped by category.
func (s *Store) CategoryBreakdown(ctx context.Context) (map[string]int64, error) {
	return s.groupCount(ctx, "category")
}

// CountryBreakdown returns active-IP counts grouped by country, top N rows
// by count.
func (s *Store) CountryBreakdown(ctx context.Context, topN int) (map[string]int64, error) {
	out := make(map[string]int64)

	err := withRetry(ctx, "CountryBreakdown", func(ctx context.Context) error {
		r, err := s.pool.Query(ctx, `
			SELECT coalesce(country, 'unknown'), count(*)
			FROM blacklist_records
			WHERE active = true
			GROUP BY country
			ORDER BY count(*) DESC
			LIMIT $1
		`, topN)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var key string
			var n int64
			if err := r.Scan(&key, &n); err != nil {
				return err
			}
			out[key] = n
		}
		return r.Err()
	})

	return out, err
}

func (s *Store) groupCount(ctx context.Context, column string) (map[string]int64, error) {
	out := make(map[string]int64)

	err := withRetry(ctx, "groupCount:"+column, func(ctx context.Context) error {
		r, err := s.pool.Query(ctx, `
			SELECT `+column+`, count(*)
			FROM blacklist_records
			WHERE active = true
			GROUP BY `+column+`
		`)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var key string
			var n int64
			if err := r.Scan(&key, &n); err != nil {
				return err
			}
			out[key] = n
		}
		return r.Err()
	})

	return out, err
}

// TotalActive returns the total count of currently active blacklist rows.
func (s *Store) TotalActive(ctx context.Context) (int64, error) {
	var total int64
	err := withRetry(ctx, "TotalActive", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, "SELECT count(*) FROM blacklist_records WHERE active = true").Scan(&total)
	})
	return total, err
}

// Timeline returns per-day row counts (active and inactive rows alike),
// keyed by each row's last_seen day and grouped by source, over the last
// days (capped by the caller at 730).
func (s *Store) Timeline(ctx context.Context, days int) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64) // date -> source -> count

	err := withRetry(ctx, "Timeline", func(ctx context.Context) error {
		r, err := s.pool.Query(ctx, `
			SELECT to_char(last_seen, 'YYYY-MM-DD') AS day, source, count(*)
			FROM blacklist_records
			WHERE last_seen >= now() - ($1 || ' days')::interval
			GROUP BY day, source
			ORDER BY day
		`, days)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var day, source string
			var n int64
			if err := r.Scan(&day, &source, &n); err != nil {
				return err
			}
			if out[day] == nil {
				out[day] = make(map[string]int64)
			}
			out[day][source] = n
		}
		return r.Err()
	})

	return out, err
}
