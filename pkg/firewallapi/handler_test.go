package firewallapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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

	return NewHandler(q, st, slog.Default()), mock
}

func TestHandleThreatFeed_ReturnsCommandsEnvelope(t *testing.T) {
	h, mock := newTestHandler(t)

	mock.ExpectQuery("SELECT DISTINCT ip FROM blacklist_records").WillReturnRows(
		pgxmock.NewRows([]string{"ip"}).AddRow("1.2.3.4").AddRow("5.6.7.8"),
	)
	mock.ExpectExec("INSERT INTO firewall_pull_log").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := httptest.NewRequest(http.MethodGet, "/threat-feed", nil)
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp threatFeedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Commands) != 1 || len(resp.Commands[0].Entries) != 2 {
		t.Errorf("resp = %+v, want one command with two entries", resp)
	}
}

func TestHandleBlocklist_ReturnsPlainText(t *testing.T) {
	h, mock := newTestHandler(t)

	mock.ExpectQuery("SELECT DISTINCT ip FROM blacklist_records").WillReturnRows(
		pgxmock.NewRows([]string{"ip"}).AddRow("1.2.3.4"),
	)
	mock.ExpectExec("INSERT INTO firewall_pull_log").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := httptest.NewRequest(http.MethodGet, "/blocklist", nil)
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain prefix", ct)
	}
	if strings.TrimSpace(rec.Body.String()) != "1.2.3.4" {
		t.Errorf("body = %q, want 1.2.3.4", rec.Body.String())
	}
}

func TestDeviceAddress_PrefersDeviceIPHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/blocklist", nil)
	req.Header.Set("X-Device-IP", "10.0.0.1")
	req.Header.Set("X-Forwarded-For", "10.0.0.2")
	req.RemoteAddr = "10.0.0.3:1234"

	if got := deviceAddress(req); got != "10.0.0.1" {
		t.Errorf("deviceAddress() = %q, want 10.0.0.1", got)
	}
}

func TestDeviceAddress_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/blocklist", nil)
	req.RemoteAddr = "10.0.0.3:1234"

	if got := deviceAddress(req); got != "10.0.0.3" {
		t.Errorf("deviceAddress() = %q, want 10.0.0.3", got)
	}
}
