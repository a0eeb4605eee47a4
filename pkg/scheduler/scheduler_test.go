package scheduler

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
	"github.com/jclee-lab/blacklist-sub003/internal/vault"
	"github.com/jclee-lab/blacklist-sub003/pkg/collector"
	"github.com/jclee-lab/blacklist-sub003/pkg/model"
	"github.com/jclee-lab/blacklist-sub003/pkg/source"
)

type stubSource struct {
	name string
	rows []source.Row
}

type stubSession struct{}

func (stubSession) Release() {}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Authenticate(context.Context, source.Credential) (source.Session, error) {
	return stubSession{}, nil
}

func (s *stubSource) Fetch(context.Context, source.Session, source.DateWindow) ([]byte, error) {
	return []byte("artifact"), nil
}

func (s *stubSource) Parse(context.Context, []byte) ([]source.Row, error) {
	return s.rows, nil
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error = %v", err)
	}
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.Default()
	st := store.NewWithPool(mock, logger)
	c := intcache.New(rdb, logger)
	v := vault.New("master-secret", "deployment-salt", c, logger)

	registry := source.Registry{
		"REGTECH": &stubSource{name: "REGTECH", rows: []source.Row{
			{IP: "1.2.3.4", Reason: "feed", Category: "threat_intel", Confidence: "90"},
		}},
	}

	col := collector.New(st, v, c, registry, logger)
	q := NewQueue(rdb, logger)

	return New(cfg, q, col, st, logger), mock
}

func statusRow(status model.Status) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows([]string{
		"service", "status", "last_run_at", "next_run_at", "success_count",
		"error_count", "config", "updated_at",
	}).AddRow("REGTECH", status, (*time.Time)(nil), (*time.Time)(nil), int64(0), int64(0), []byte(`{}`), now)
}

func TestScheduler_Trigger_RejectsWhenRunning(t *testing.T) {
	s, mock := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()

	mock.ExpectQuery("FROM collection_status").WillReturnRows(statusRow(model.StatusRunning))

	err := s.Trigger(ctx, "REGTECH", model.TriggerAPI, false)
	if err != ErrBusy {
		t.Fatalf("Trigger() error = %v, want ErrBusy", err)
	}
}

func TestScheduler_Trigger_RejectsWhenDisabled(t *testing.T) {
	s, mock := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()

	mock.ExpectQuery("FROM collection_status").WillReturnRows(statusRow(model.StatusDisabled))

	err := s.Trigger(ctx, "REGTECH", model.TriggerAPI, false)
	if err != ErrDisabled {
		t.Fatalf("Trigger() error = %v, want ErrDisabled", err)
	}
}

func TestScheduler_Trigger_EnqueuesWhenIdle(t *testing.T) {
	s, mock := newTestScheduler(t, DefaultConfig())
	ctx := context.Background()

	mock.ExpectQuery("FROM collection_status").WillReturnRows(statusRow(model.StatusIdle))

	if err := s.Trigger(ctx, "REGTECH", model.TriggerManual, false); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	depth, err := s.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth() error = %v", err)
	}
	if depth != 1 {
		t.Errorf("QueueDepth() = %d, want 1", depth)
	}
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	d := backoffDelay(10, 30*time.Second, 900*time.Second)
	if d > 900*time.Second*6/5 {
		t.Errorf("backoffDelay() = %v, want <= cap plus jitter", d)
	}
}

func TestScheduler_Cancel_UnknownServiceReturnsFalse(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultConfig())
	if s.Cancel("NOPE") {
		t.Error("Cancel() = true for a service with no in-flight job")
	}
}

func TestScheduler_RequeueBusy_DropsAfterMax(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxBusyRequeues: 1})
	ctx := context.Background()

	// Attempt already at the cap: requeueBusy should drop silently, not push.
	s.requeueBusy(ctx, model.CollectionJob{Service: "REGTECH", Attempt: 1})

	depth, err := s.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth() error = %v", err)
	}
	if depth != 0 {
		t.Errorf("QueueDepth() = %d, want 0 after dropping", depth)
	}
}
