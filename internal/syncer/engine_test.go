package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"eventlog/internal/attendance"
	"eventlog/internal/backend"
	"eventlog/internal/eventcache"
	"eventlog/internal/store"
	"eventlog/internal/window"
)

func setup(t *testing.T, status int) (*attendance.Repository, *eventcache.Cache, *Engine, *atomic.Int32) {
	t.Helper()
	ctx := context.Background()
	db, err := store.NewDB(ctx, "sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	t.Cleanup(srv.Close)

	repo := attendance.NewRepository(db)
	cache := eventcache.New(nil, nil)
	now := func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }
	eng := New(repo, backend.New(srv.URL, "", 0, time.Second), cache, Options{
		Location: time.UTC,
		Now:      now,
		Logger:   zaptest.NewLogger(t),
	})

	for _, k := range []attendance.Key{{EventDateID: 42, StudentIDNumber: 1}, {EventDateID: 42, StudentIDNumber: 2}} {
		if err := repo.Upsert(ctx, k, window.MorningIn); err != nil {
			t.Fatal(err)
		}
	}
	return repo, cache, eng, &posts
}

func cacheWithDay(t *testing.T, c *eventcache.Cache, day string) {
	t.Helper()
	err := c.Refresh(context.Background(), []eventcache.Event{{
		ID: 1, Name: "Event", Status: eventcache.StatusApproved,
		Dates: []eventcache.EventDate{{ID: 42, Day: day}},
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCycleUploadFailureKeepsRows(t *testing.T) {
	ctx := context.Background()
	repo, _, eng, posts := setup(t, http.StatusInternalServerError)

	before, _ := repo.Pending(ctx)
	if _, err := eng.Cycle(ctx); !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("err = %v, want ErrUploadFailed", err)
	}
	after, _ := repo.Pending(ctx)
	if len(after) != len(before) || after[0] != before[0] || after[1] != before[1] {
		t.Fatalf("rows changed after failed sync: %+v -> %+v", before, after)
	}
	if posts.Load() != 1 {
		t.Fatalf("posts = %d", posts.Load())
	}
	if eng.State() != Idle {
		t.Fatalf("state = %s", eng.State())
	}
}

func TestCycleKeepsRowsWhileEventUpcoming(t *testing.T) {
	ctx := context.Background()
	repo, cache, eng, _ := setup(t, http.StatusOK)
	cacheWithDay(t, cache, "2026-10-20")

	rep, err := eng.Cycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Uploaded != 2 || !rep.Kept || rep.Cleared != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if rows, _ := repo.Pending(ctx); len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
}

func TestCycleKeepsRowsOnEventDay(t *testing.T) {
	ctx := context.Background()
	repo, cache, eng, _ := setup(t, http.StatusOK)
	cacheWithDay(t, cache, "2026-10-18")

	if _, err := eng.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if rows, _ := repo.Pending(ctx); len(rows) != 2 {
		t.Fatalf("ongoing event rows cleared: %d left", len(rows))
	}
}

func TestCycleClearsWhenAllEventsElapsed(t *testing.T) {
	ctx := context.Background()
	repo, cache, eng, _ := setup(t, http.StatusOK)
	cacheWithDay(t, cache, "2026-10-17")

	rep, err := eng.Cycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cleared != 2 || rep.Kept {
		t.Fatalf("report = %+v", rep)
	}
	if rows, _ := repo.Pending(ctx); len(rows) != 0 {
		t.Fatalf("rows = %d, want 0", len(rows))
	}
}

func TestCycleEmptyIsTrivial(t *testing.T) {
	ctx := context.Background()
	repo, _, eng, posts := setup(t, http.StatusOK)
	_ = repo.ClearAll(ctx)

	rep, err := eng.Cycle(ctx)
	if err != nil || rep.Uploaded != 0 {
		t.Fatalf("rep = %+v, err = %v", rep, err)
	}
	if posts.Load() != 0 {
		t.Fatal("empty store must not post")
	}
}

type blockingUploader struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingUploader) SyncAttendance(ctx context.Context, _ string, _ []attendance.Record) error {
	close(b.entered)
	<-b.release
	return nil
}

type staticStore struct{ rows []attendance.Record }

func (s staticStore) Pending(context.Context) ([]attendance.Record, error) { return s.rows, nil }

func (s staticStore) DeleteSynced(context.Context, []attendance.Record) (int64, error) {
	return int64(len(s.rows)), nil
}

type upcoming struct{}

func (upcoming) AllElapsed(string) bool { return false }

func TestCycleRejectsOverlap(t *testing.T) {
	up := &blockingUploader{entered: make(chan struct{}), release: make(chan struct{})}
	eng := New(staticStore{rows: []attendance.Record{{}}}, up, upcoming{}, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := eng.Cycle(context.Background())
		done <- err
	}()
	<-up.entered
	if eng.State() != Syncing {
		t.Fatalf("state = %s, want syncing", eng.State())
	}
	if _, err := eng.Cycle(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
	close(up.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRunTriggeredCycle(t *testing.T) {
	repo, cache, eng, posts := setup(t, http.StatusOK)
	cacheWithDay(t, cache, "2026-01-01")
	eng.opts.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		eng.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()
	eng.Trigger()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rows, _ := repo.Pending(context.Background()); len(rows) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if posts.Load() != 1 {
		t.Fatalf("posts = %d, want 1", posts.Load())
	}
	if rows, _ := repo.Pending(context.Background()); len(rows) != 0 {
		t.Fatalf("rows = %d after triggered cycle", len(rows))
	}
}
