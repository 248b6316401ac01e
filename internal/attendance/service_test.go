package attendance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"eventlog/internal/eventcache"
	"eventlog/internal/payload"
	"eventlog/internal/window"
)

const secret = "test-secret"

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) set(hhmmss string) {
	t := window.MustTime(hhmmss)
	c.now = time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC).Add(time.Duration(t) * time.Second)
}

func newPipeline(t *testing.T, opts Options) (*Service, *Repository, *clock) {
	t.Helper()
	repo := openRepo(t)
	cache := eventcache.New(nil, nil)
	amIn := window.MustTime("06:30:00")
	err := cache.Refresh(context.Background(), []eventcache.Event{{
		ID: 7, Name: "Foundation Day", Status: eventcache.StatusApproved,
		Schedule: window.Schedule{AMIn: &amIn, GraceMinutes: 60},
		Dates:    []eventcache.EventDate{{ID: 42, Day: "2026-10-20"}, {ID: 43, Day: "2026-10-21"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	c := &clock{}
	opts.Secret = secret
	opts.Now = c.Now
	opts.Location = time.UTC
	opts.Logger = zaptest.NewLogger(t)
	return NewService(repo, cache, opts), repo, c
}

func TestScanEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, repo, c := newPipeline(t, Options{})

	raw, err := payload.Encode(42, 19015236, secret)
	if err != nil {
		t.Fatal(err)
	}

	c.set("07:00:00")
	out, err := svc.Scan(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if out.Slot == nil || *out.Slot != window.MorningIn {
		t.Fatalf("slot = %v", out.Slot)
	}
	rows, _ := repo.Pending(ctx)
	if len(rows) != 1 || !rows[0].AMIn || rows[0].StudentIDNumber != 19015236 {
		t.Fatalf("rows = %+v", rows)
	}
	if n := Describe(out, err); n.Category != CategorySuccess {
		t.Fatalf("notice = %+v", n)
	}

	c.set("07:10:00")
	out, err = svc.Scan(ctx, raw)
	if !errors.Is(err, ErrAlreadyLogged) {
		t.Fatalf("second scan err = %v, want ErrAlreadyLogged", err)
	}
	if n := Describe(out, err); n.Category != CategoryWarning || !strings.Contains(n.Message, "already been logged") {
		t.Fatalf("notice = %+v", n)
	}
}

func TestScanRejections(t *testing.T) {
	ctx := context.Background()
	svc, repo, c := newPipeline(t, Options{})
	c.set("07:00:00")

	unknown, _ := payload.Encode(99, 1, secret)
	_, err := svc.Scan(ctx, unknown)
	if !errors.Is(err, eventcache.ErrEventNotFound) {
		t.Fatalf("err = %v", err)
	}
	if n := Describe(Outcome{}, err); !strings.Contains(n.Message, "Foundation Day (#7)") {
		t.Fatalf("not found notice should list available events: %+v", n)
	}

	_, err = svc.Scan(ctx, "not a code")
	if !payload.IsInvalid(err) {
		t.Fatalf("err = %v", err)
	}
	if n := Describe(Outcome{}, err); n.Message != "Please scan an EventLog-specific QR code." {
		t.Fatalf("notice = %+v", n)
	}

	c.set("08:30:00")
	valid, _ := payload.Encode(42, 5, secret)
	out, err := svc.Scan(ctx, valid)
	if !errors.Is(err, window.ErrNotInWindow) {
		t.Fatalf("err = %v", err)
	}
	if n := Describe(out, err); n.Category != CategoryWarning {
		t.Fatalf("notice = %+v", n)
	}

	if rows, _ := repo.Pending(ctx); len(rows) != 0 {
		t.Fatalf("rejected scans wrote rows: %+v", rows)
	}
}

func TestScanStrictEventDay(t *testing.T) {
	ctx := context.Background()
	svc, _, c := newPipeline(t, Options{StrictEventDay: true})
	c.set("07:00:00")

	tomorrow, _ := payload.Encode(43, 1, secret)
	if _, err := svc.Scan(ctx, tomorrow); !errors.Is(err, ErrWrongDay) {
		t.Fatalf("err = %v, want ErrWrongDay", err)
	}
	today, _ := payload.Encode(42, 1, secret)
	if _, err := svc.Scan(ctx, today); err != nil {
		t.Fatal(err)
	}
}

func TestScanBusyGate(t *testing.T) {
	ctx := context.Background()
	svc, _, c := newPipeline(t, Options{RearmDelay: 100 * time.Millisecond})
	c.set("07:00:00")

	raw, _ := payload.Encode(42, 1, secret)
	if _, err := svc.Scan(ctx, raw); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Scan(ctx, raw); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy during re-arm delay", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for svc.Busy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := svc.Scan(ctx, raw); !errors.Is(err, ErrAlreadyLogged) {
		t.Fatalf("err = %v, want ErrAlreadyLogged after re-arm", err)
	}
}

func TestDescribeUnexpectedError(t *testing.T) {
	n := Describe(Outcome{}, errors.New("database is locked"))
	if n.Category != CategoryError || !strings.Contains(n.Message, "Failed to verify or record attendance") {
		t.Fatalf("notice = %+v", n)
	}
}
