package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"eventlog/internal/eventcache"
	"eventlog/internal/metrics"
	"eventlog/internal/observability"
	"eventlog/internal/payload"
	"eventlog/internal/window"
)

var (
	// ErrBusy is returned while a previous scan is still being handled or the re-arm delay runs.
	ErrBusy = errors.New("attendance: scanner busy")
	// ErrWrongDay is returned in strict mode when the code belongs to another day's event-date.
	ErrWrongDay = errors.New("attendance: event date is not today")
)

// EventLookup resolves the event covering an event-date.
type EventLookup interface {
	Lookup(eventDateID int64) (eventcache.Event, eventcache.EventDate, error)
}

// Options tunes the scan pipeline.
type Options struct {
	Secret         string
	RearmDelay     time.Duration
	StrictEventDay bool
	Location       *time.Location
	Now            func() time.Time
	Logger         *zap.Logger
}

// Outcome describes what a scan resolved to, as far as it got.
type Outcome struct {
	Scan      payload.Scan `json:"scan"`
	EventID   int64        `json:"event_id,omitempty"`
	EventName string       `json:"event_name,omitempty"`
	Slot      *window.Slot `json:"slot,omitempty"`
	At        time.Time    `json:"at"`
}

// Service runs the scan pipeline: decode, look up, classify, record.
type Service struct {
	repo   *Repository
	events EventLookup
	opts   Options
	busy   atomic.Bool
	log    *zap.Logger
}

// NewService creates a scan pipeline backed by a repository and the event cache.
func NewService(repo *Repository, events EventLookup, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{repo: repo, events: events, opts: opts, log: opts.Logger}
}

// Scan handles one raw code. Only one scan runs at a time; the gate reopens
// after the re-arm delay once the scan has finished, whatever its result.
func (s *Service) Scan(ctx context.Context, raw string) (Outcome, error) {
	if !s.busy.CompareAndSwap(false, true) {
		metrics.Scans.WithLabelValues("busy").Inc()
		return Outcome{}, ErrBusy
	}
	defer s.rearm()

	out, err := s.scan(ctx, raw)
	metrics.Scans.WithLabelValues(outcomeLabel(err)).Inc()
	switch {
	case err == nil:
		s.log.Info("attendance recorded",
			zap.Int64("event_date_id", out.Scan.EventDateID),
			zap.Int64("student_id_number", out.Scan.StudentIDNumber),
			zap.Stringer("slot", out.Slot))
	case outcomeLabel(err) == "error":
		s.log.Error("scan failed", zap.Error(err))
		observability.CaptureErr(err)
	default:
		s.log.Info("scan rejected", zap.String("reason", outcomeLabel(err)), zap.Error(err))
	}
	return out, err
}

func (s *Service) scan(ctx context.Context, raw string) (Outcome, error) {
	now := s.opts.Now().In(s.opts.Location)
	out := Outcome{At: now}

	scan, err := payload.Decode(raw, s.opts.Secret)
	if err != nil {
		return out, err
	}
	out.Scan = scan

	evt, date, err := s.events.Lookup(scan.EventDateID)
	if err != nil {
		return out, err
	}
	out.EventID, out.EventName = evt.ID, evt.Name

	if s.opts.StrictEventDay && date.Day != now.Format(time.DateOnly) {
		return out, fmt.Errorf("%w: scheduled %s", ErrWrongDay, date.Day)
	}

	slot, err := evt.Schedule.Classify(window.At(now))
	if err != nil {
		return out, err
	}
	out.Slot = &slot

	key := Key{EventDateID: scan.EventDateID, StudentIDNumber: scan.StudentIDNumber}
	if err := s.repo.Upsert(ctx, key, slot); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Service) rearm() {
	if s.opts.RearmDelay <= 0 {
		s.busy.Store(false)
		return
	}
	time.AfterFunc(s.opts.RearmDelay, func() { s.busy.Store(false) })
}

// Busy reports whether new scans are currently refused.
func (s *Service) Busy() bool { return s.busy.Load() }

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "recorded"
	case errors.Is(err, ErrBusy):
		return "busy"
	case payload.IsInvalid(err):
		return "invalid_code"
	case errors.Is(err, eventcache.ErrEventNotFound):
		return "event_not_found"
	case errors.Is(err, ErrWrongDay):
		return "wrong_day"
	case errors.Is(err, window.ErrNotInWindow):
		return "not_in_window"
	case errors.Is(err, ErrAlreadyLogged):
		return "already_logged"
	}
	return "error"
}

// Category of a user-facing notice.
const (
	CategorySuccess = "success"
	CategoryWarning = "warning"
	CategoryError   = "error"
)

// Notice is the modal shown to the operator after a scan.
type Notice struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// Describe maps a scan result to the operator-facing notice.
func Describe(out Outcome, err error) Notice {
	switch {
	case err == nil:
		return Notice{CategorySuccess, "Attendance recorded",
			fmt.Sprintf("%s logged for student %d at %s.", slotLabel(out.Slot), out.Scan.StudentIDNumber, out.EventName)}
	case errors.Is(err, ErrBusy):
		return Notice{CategoryWarning, "Please wait", "The previous scan is still being processed."}
	case payload.IsInvalid(err):
		return Notice{CategoryError, "Invalid QR code", "Please scan an EventLog-specific QR code."}
	case errors.Is(err, eventcache.ErrEventNotFound):
		return Notice{CategoryError, "Event not found", notFoundMessage(err)}
	case errors.Is(err, ErrWrongDay):
		return Notice{CategoryWarning, "Not today", fmt.Sprintf("This QR code is not for today's %s.", out.EventName)}
	case errors.Is(err, window.ErrNotInWindow):
		return Notice{CategoryWarning, "Not in attendance window",
			fmt.Sprintf("Scan time %s is outside valid attendance slots for %s.", out.At.Format(time.TimeOnly), out.EventName)}
	case errors.Is(err, ErrAlreadyLogged):
		return Notice{CategoryWarning, "Already logged",
			fmt.Sprintf("%s attendance has already been logged for student %d.", slotLabel(out.Slot), out.Scan.StudentIDNumber)}
	}
	return Notice{CategoryError, "Scan failed", "Failed to verify or record attendance. Please try again."}
}

func slotLabel(slot *window.Slot) string {
	if slot == nil {
		return "Attendance"
	}
	return slot.Label()
}

func notFoundMessage(err error) string {
	var nf *eventcache.NotFoundError
	if !errors.As(err, &nf) || len(nf.Available) == 0 {
		return "This QR code does not match any available event, and no events are currently available."
	}
	names := make([]string, 0, len(nf.Available))
	for _, e := range nf.Available {
		names = append(names, fmt.Sprintf("%s (#%d)", e.Name, e.ID))
	}
	return fmt.Sprintf("This QR code does not match any available event. Available events: %s.", strings.Join(names, ", "))
}
