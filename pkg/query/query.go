// Package query is the read-side Query Service: paginated list/search,
// aggregated statistics, a bounded timeline, and the firewall-consumable
// feed. List, Stats and the collection-status snapshot go through
// internal/cache before falling through to the Store; Search, ByIP,
// Timeline and FirewallFeed read the Store directly.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jclee-lab/blacklist-sub003/internal/cache"
	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

const (
	listCacheTTL    = 60 * time.Second
	statsCacheTTL   = 300 * time.Second
	statusCacheTTL  = 30 * time.Second
	maxTimelineDays = 730
	topCountries    = 10
)

// Service answers read traffic for the blacklist corpus, consulting the
// Cache before the Store for the cached reads listed in the package doc.
type Service struct {
	store  *store.Store
	cache  *cache.Cache
	logger *slog.Logger
}

// New creates a Service over the given Store and Cache.
func New(st *store.Store, c *cache.Cache, logger *slog.Logger) *Service {
	return &Service{store: st, cache: c, logger: logger}
}

// ListResult is the cacheable envelope returned by List.
type ListResult struct {
	Records []model.BlacklistRecord `json:"records"`
	Total   int                     `json:"total"`
}

// List returns a cached page of blacklist records matching filter.
func (s *Service) List(ctx context.Context, filter model.BlacklistFilter, page store.Page) (ListResult, error) {
	key := listCacheKey(filter, page)

	var out ListResult
	err := s.cache.GetOrSet(ctx, key, listCacheTTL, &out, func(ctx context.Context) (any, error) {
		records, total, err := s.store.ListBlacklist(ctx, filter, page)
		if err != nil {
			return nil, fmt.Errorf("listing blacklist: %w", err)
		}
		return ListResult{Records: records, Total: total}, nil
	})
	return out, err
}

// Search returns a page of records whose IP matches q by prefix or
// substring. Search results are not cached — q has effectively unbounded
// cardinality, making a cache entry per query unproductive.
func (s *Service) Search(ctx context.Context, q string, page store.Page) (ListResult, error) {
	records, total, err := s.store.SearchBlacklist(ctx, q, page)
	if err != nil {
		return ListResult{}, fmt.Errorf("searching blacklist: %w", err)
	}
	return ListResult{Records: records, Total: total}, nil
}

// ByIP returns every record for ip across all sources. Not cached — this
// endpoint is already keyed to a single, cheap lookup.
func (s *Service) ByIP(ctx context.Context, ip string) ([]model.BlacklistRecord, error) {
	return s.store.GetByIP(ctx, ip)
}

// Stats is the aggregated §4.9 GET /api/stats payload.
type Stats struct {
	TotalActive int64                    `json:"total_active"`
	BySource    []model.CollectionStats  `json:"by_source"`
	ByCategory  map[string]int64         `json:"by_category"`
	ByCountry   map[string]int64         `json:"by_country"`
	Statuses    []model.CollectionStatus `json:"statuses"`
	LastUpdate  time.Time                `json:"last_update"`
}

// Stats returns the cached dashboard aggregate.
func (s *Service) Stats(ctx context.Context, services []string) (Stats, error) {
	var out Stats
	err := s.cache.GetOrSet(ctx, "stats:dashboard", statsCacheTTL, &out, func(ctx context.Context) (any, error) {
		return s.computeStats(ctx, services)
	})
	return out, err
}

func (s *Service) computeStats(ctx context.Context, services []string) (Stats, error) {
	total, err := s.store.TotalActive(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("computing total active: %w", err)
	}

	bySource, err := s.store.SourceStats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("computing source stats: %w", err)
	}

	byCategory, err := s.store.CategoryBreakdown(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("computing category breakdown: %w", err)
	}

	byCountry, err := s.store.CountryBreakdown(ctx, topCountries)
	if err != nil {
		return Stats{}, fmt.Errorf("computing country breakdown: %w", err)
	}

	statuses := make([]model.CollectionStatus, 0, len(services))
	for _, svc := range services {
		st, err := s.store.GetStatus(ctx, svc)
		if err != nil {
			s.logger.Warn("stats: reading service status failed", "service", svc, "error", err)
			continue
		}
		statuses = append(statuses, st)
	}

	return Stats{
		TotalActive: total,
		BySource:    bySource,
		ByCategory:  byCategory,
		ByCountry:   byCountry,
		Statuses:    statuses,
		LastUpdate:  time.Now().UTC(),
	}, nil
}

// CollectionStatusSnapshot is the cached per-service status list behind
// GET /api/stats/collection.
func (s *Service) CollectionStatusSnapshot(ctx context.Context, services []string) ([]model.CollectionStatus, error) {
	var out []model.CollectionStatus
	err := s.cache.GetOrSet(ctx, "stats:collection-status", statusCacheTTL, &out, func(ctx context.Context) (any, error) {
		statuses := make([]model.CollectionStatus, 0, len(services))
		for _, svc := range services {
			st, err := s.store.GetStatus(ctx, svc)
			if err != nil {
				s.logger.Warn("collection status: reading service status failed", "service", svc, "error", err)
				continue
			}
			statuses = append(statuses, st)
		}
		return statuses, nil
	})
	return out, err
}

// TimelinePoint is one day's per-source count.
type TimelinePoint struct {
	Day      string           `json:"day"`
	BySource map[string]int64 `json:"by_source"`
}

// Timeline returns per-day counts grouped by source over the last days,
// capped at maxTimelineDays.
func (s *Service) Timeline(ctx context.Context, days int) ([]TimelinePoint, error) {
	if days <= 0 {
		days = 30
	}
	if days > maxTimelineDays {
		days = maxTimelineDays
	}

	byDay, err := s.store.Timeline(ctx, days)
	if err != nil {
		return nil, fmt.Errorf("computing timeline: %w", err)
	}

	out := make([]TimelinePoint, 0, len(byDay))
	for day, bySource := range byDay {
		out = append(out, TimelinePoint{Day: day, BySource: bySource})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })

	return out, nil
}

// FirewallFeed returns every currently active IP for the firewall-consumable
// feed, per §4.9 / S6. The caller (pkg/firewallapi) owns best-effort pull
// logging — this method only reads the snapshot.
func (s *Service) FirewallFeed(ctx context.Context) ([]string, error) {
	return s.store.ActiveIPs(ctx)
}

func listCacheKey(filter model.BlacklistFilter, page store.Page) string {
	active := "nil"
	if filter.Active != nil {
		active = fmt.Sprintf("%v", *filter.Active)
	}
	return fmt.Sprintf("blacklist:list:%s:%s:%s:%s:%s:%d:%d",
		filter.Source, filter.Category, filter.Country, filter.IPPrefix, active,
		page.Limit, page.Offset)
}
