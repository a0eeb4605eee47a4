package blacklistapi

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"

	intcache "github.com/jclee-lab/blacklist-sub003/internal/cache"
	"github.com/jclee-lab/blacklist-sub003/internal/store"
	"github.com/jclee-lab/blacklist-sub003/pkg/query"
)

func newTestHandler(t *testing.T) (*Handler, pgxmock.PgxPoolIface) {
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
	q := query.New(st, c, slog.Default())

	return NewHandler(q, slog.Default(), []string{"REGTECH"}), mock
}

func TestHandleSearch_MissingQueryReturns400(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleGetByIP_EmptyResult(t *testing.T) {
	h, mock := newTestHandler(t)

	mock.ExpectQuery("blacklist_records").WillReturnRows(
		pgxmock.NewRows([]string{
			"id", "ip", "source", "reason", "category", "confidence", "detection_count",
			"active", "country", "detection_date", "removal_date", "last_seen",
			"created_at", "updated_at", "raw_data",
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/9.9.9.9", nil)
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestFilterFromQuery_ParsesActiveFlag(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/list?source=REGTECH&active=true", nil)

	filter := filterFromQuery(req)

	if filter.Source != "REGTECH" {
		t.Errorf("Source = %q, want REGTECH", filter.Source)
	}
	if filter.Active == nil || !*filter.Active {
		t.Errorf("Active = %v, want true", filter.Active)
	}
}

func TestIntQueryOrDefault(t *testing.T) {
	cases := []struct {
		query string
		def   int
		want  int
	}{
		{"", 30, 30},
		{"days=90", 30, 90},
		{"days=abc", 30, 30},
		{"days=0", 30, 30},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/timeline?"+tc.query, nil)
		got := intQueryOrDefault(req, "days", tc.def)
		if got != tc.want {
			t.Errorf("intQueryOrDefault(%q) = %d, want %d", tc.query, got, tc.want)
		}
	}
}
