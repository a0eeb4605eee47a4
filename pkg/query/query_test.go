package query

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"

	intcache "github.com/jclee-lab/blacklist-sub003/internal/cache"
	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

func newTestService(t *testing.T) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error = %v", err)
	}
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewWithPool(mock, slog.Default())
	c := intcache.New(rdb, slog.Default())

	return New(st, c, slog.Default()), mock
}

func TestList_CachesResult(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	rows := pgxmock.NewRows([]string{
		"id", "ip", "source", "reason", "category", "confidence", "detection_count",
		"active", "country", "detection_date", "removal_date", "last_seen",
		"created_at", "updated_at", "raw_data",
	}).AddRow(int64(1), "1.2.3.4", "REGTECH", "threat", "threat_intel", 85, 1,
		true, (*string)(nil), (*time.Time)(nil), (*time.Time)(nil), time.Now(),
		time.Now(), time.Now(), []byte(nil))

	mock.ExpectQuery("SELECT count").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT id, ip, source").WillReturnRows(rows)

	filter := model.BlacklistFilter{Source: "REGTECH"}
	page := store.Page{Limit: 20, Offset: 0}

	first, err := s.List(ctx, filter, page)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if first.Total != 1 || len(first.Records) != 1 {
		t.Fatalf("first List() = %+v, want one record", first)
	}

	// Second call for the same filter/page must hit the cache, not the store
	// again — no further expectations are registered.
	second, err := s.List(ctx, filter, page)
	if err != nil {
		t.Fatalf("List() (cached) error = %v", err)
	}
	if second.Total != first.Total {
		t.Errorf("cached List() total = %d, want %d", second.Total, first.Total)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTimeline_ClampsDaysAndSorts(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery("blacklist_records").WithArgs(730).WillReturnRows(
		pgxmock.NewRows([]string{"day", "source", "count"}).
			AddRow("2026-07-02", "REGTECH", int64(3)).
			AddRow("2026-07-01", "REGTECH", int64(5)),
	)

	points, err := s.Timeline(ctx, 5000)
	if err != nil {
		t.Fatalf("Timeline() error = %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("Timeline() returned %d points, want 2", len(points))
	}
	if points[0].Day != "2026-07-01" || points[1].Day != "2026-07-02" {
		t.Errorf("Timeline() not sorted ascending: %+v", points)
	}
}

func TestTimeline_DefaultsWhenDaysNotPositive(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery("blacklist_records").WithArgs(30).WillReturnRows(
		pgxmock.NewRows([]string{"day", "source", "count"}),
	)

	if _, err := s.Timeline(ctx, 0); err != nil {
		t.Fatalf("Timeline() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFirewallFeed_DelegatesToStore(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT DISTINCT ip FROM blacklist_records").WillReturnRows(
		pgxmock.NewRows([]string{"ip"}).AddRow("1.2.3.4").AddRow("5.6.7.8"),
	)

	ips, err := s.FirewallFeed(ctx)
	if err != nil {
		t.Fatalf("FirewallFeed() error = %v", err)
	}
	if len(ips) != 2 {
		t.Fatalf("FirewallFeed() returned %d ips, want 2", len(ips))
	}
}
