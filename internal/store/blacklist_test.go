package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error = %v", err)
	}
	t.Cleanup(mock.Close)

	return NewWithPool(mock, slog.Default()), mock
}

// TestFreshIngest exercises scenario S1: a fresh (ip, source) pair inserts
// with detection_count=1 and active=true.
func TestFreshIngest(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO blacklist_records").
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectCommit()

	removal := time.Now().Add(90 * 24 * time.Hour)
	out, err := s.UpsertBlacklist(context.Background(), []model.BlacklistRecord{
		{IP: "1.2.3.4", Source: "REGTECH", RemovalDate: &removal},
	})
	if err != nil {
		t.Fatalf("UpsertBlacklist() error = %v", err)
	}
	if out.Inserted != 1 || out.Updated != 0 {
		t.Errorf("outcome = %+v, want Inserted=1", out)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestReingestIncrementsDetectionCount is the second half of S1: re-running
// the same payload reports an update, not an insert.
func TestReingestIncrementsDetectionCount(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO blacklist_records").
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectCommit()

	out, err := s.UpsertBlacklist(context.Background(), []model.BlacklistRecord{
		{IP: "1.2.3.4", Source: "REGTECH"},
	})
	if err != nil {
		t.Fatalf("UpsertBlacklist() error = %v", err)
	}
	if out.Updated != 1 || out.Inserted != 0 {
		t.Errorf("outcome = %+v, want Updated=1", out)
	}
}

// TestRemovalElapsedIsInactive exercises scenario S2: a removal date already
// in the past makes the row inactive immediately.
func TestRemovalElapsedIsInactive(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO blacklist_records").
		WithArgs("5.6.7.8", "REGTECH", "", "", 0,
			false, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectCommit()

	removed := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	out, err := s.UpsertBlacklist(context.Background(), []model.BlacklistRecord{
		{IP: "5.6.7.8", Source: "REGTECH", RemovalDate: &removed},
	})
	if err != nil {
		t.Fatalf("UpsertBlacklist() error = %v", err)
	}
	if out.Inserted != 1 {
		t.Errorf("outcome = %+v, want Inserted=1", out)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestReingestWithoutRemovalDateKeepsActiveFromStoredValue guards against a
// regression where a re-ingest carrying no removal date would reactivate a
// row whose stored removal_date has already elapsed (Testable Property 3).
// The fix computes `active` in SQL from the coalesced removal_date rather
// than from the incoming row's RemovalDate alone, so this asserts the
// upsert statement's active clause is COALESCE-derived, not a bound
// parameter taken from the Go-side computation on the incoming row.
func TestReingestWithoutRemovalDateKeepsActiveFromStoredValue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)INSERT INTO blacklist_records.*active\s*=\s*\(\s*COALESCE\(EXCLUDED\.removal_date, blacklist_records\.removal_date\) IS NULL\s*OR COALESCE\(EXCLUDED\.removal_date, blacklist_records\.removal_date\) >= CURRENT_DATE`).
		WithArgs("5.6.7.8", "REGTECH", "", "", 0,
			true, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectCommit()

	out, err := s.UpsertBlacklist(context.Background(), []model.BlacklistRecord{
		{IP: "5.6.7.8", Source: "REGTECH"},
	})
	if err != nil {
		t.Fatalf("UpsertBlacklist() error = %v", err)
	}
	if out.Updated != 1 {
		t.Errorf("outcome = %+v, want Updated=1", out)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeactivateStale(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE blacklist_records").
		WithArgs(30).
		WillReturnResult(pgxmock.NewResult("UPDATE", 7))

	affected, err := s.DeactivateStale(context.Background(), 30)
	if err != nil {
		t.Fatalf("DeactivateStale() error = %v", err)
	}
	if affected != 7 {
		t.Errorf("affected = %d, want 7", affected)
	}
}

func TestListBlacklist_BuildsFilterClause(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM blacklist_records").
		WithArgs("REGTECH").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	mock.ExpectQuery("SELECT id, ip, source").
		WithArgs("REGTECH", 25, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "ip", "source", "reason", "category", "confidence", "detection_count",
			"active", "country", "detection_date", "removal_date", "last_seen",
			"created_at", "updated_at", "raw_data",
		}).AddRow(int64(1), "1.2.3.4", "REGTECH", "r", "threat_intel", 85, 1,
			true, nil, nil, nil, time.Now(), time.Now(), time.Now(), nil))

	rows, total, err := s.ListBlacklist(context.Background(), model.BlacklistFilter{Source: "REGTECH"}, Page{Limit: 25, Offset: 0})
	if err != nil {
		t.Fatalf("ListBlacklist() error = %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Errorf("total=%d len(rows)=%d, want 1 and 1", total, len(rows))
	}
}
