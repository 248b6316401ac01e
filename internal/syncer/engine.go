// Package syncer uploads locally buffered attendance to the server.
//
// A cycle reads a snapshot of the local rows, posts it as one batch and, only
// after the server acknowledges it, deletes the uploaded rows if every cached
// event is already over. Failures leave the store untouched for the next cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventlog/internal/attendance"
	"eventlog/internal/metrics"
	"eventlog/internal/observability"
)

var (
	ErrSyncInProgress = errors.New("syncer: cycle already running")
	// ErrUploadFailed wraps any failure to get a batch acknowledged by the server.
	ErrUploadFailed = errors.New("syncer: upload failed")
)

// State of the engine.
type State int32

const (
	Idle State = iota
	Syncing
)

func (s State) String() string {
	if s == Syncing {
		return "syncing"
	}
	return "idle"
}

// Store is the local attendance buffer.
type Store interface {
	Pending(ctx context.Context) ([]attendance.Record, error)
	DeleteSynced(ctx context.Context, synced []attendance.Record) (int64, error)
}

// Uploader posts one batch; nil means acknowledged.
type Uploader interface {
	SyncAttendance(ctx context.Context, batchID string, records []attendance.Record) error
}

// Schedule answers whether every tracked event has ended.
type Schedule interface {
	AllElapsed(today string) bool
}

// Options tunes the engine; zero values fall back to defaults.
type Options struct {
	Interval time.Duration // default 30s
	Timeout  time.Duration // per upload, default 15s
	Location *time.Location
	Now      func() time.Time
	Logger   *zap.Logger
}

// Report summarises one cycle.
type Report struct {
	BatchID  string `json:"batch_id,omitempty"`
	Uploaded int    `json:"uploaded"`
	Cleared  int64  `json:"cleared"`
	Kept     bool   `json:"kept"`
}

// Engine runs sync cycles on an interval and on demand.
type Engine struct {
	store    Store
	uploader Uploader
	schedule Schedule
	opts     Options
	state    atomic.Int32
	trigger  chan struct{}
	log      *zap.Logger
}

// New builds an idle engine. Store, uploader and schedule are required.
func New(store Store, uploader Uploader, schedule Schedule, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		uploader: uploader,
		schedule: schedule,
		opts:     opts,
		trigger:  make(chan struct{}, 1),
		log:      opts.Logger,
	}
}

// State returns the current engine state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Trigger requests a cycle as soon as the loop is free, e.g. on reconnect.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes cycles until ctx is done. Failures are logged; the next tick retries.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("sync engine started", zap.Duration("interval", e.opts.Interval))
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine stopped")
			return
		case <-ticker.C:
		case <-e.trigger:
		}
		e.runSafely(ctx)
	}
}

func (e *Engine) runSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			observability.CaptureErr(fmt.Errorf("panic in sync cycle: %v", r))
			e.log.Error("sync cycle panicked", zap.Any("panic", r))
			e.state.Store(int32(Idle))
		}
	}()
	if _, err := e.Cycle(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		e.log.Warn("sync cycle failed, rows kept for retry", zap.Error(err))
	}
}

// Cycle performs one Idle -> Syncing -> Idle pass.
func (e *Engine) Cycle(ctx context.Context) (Report, error) {
	if !e.state.CompareAndSwap(int32(Idle), int32(Syncing)) {
		return Report{}, ErrSyncInProgress
	}
	defer e.state.Store(int32(Idle))

	start := time.Now()
	defer func() { metrics.ObserveSync(time.Since(start)) }()

	pending, err := e.store.Pending(ctx)
	if err != nil {
		metrics.SyncCycles.WithLabelValues("read_failed").Inc()
		observability.CaptureErr(err)
		return Report{}, fmt.Errorf("read pending attendance: %w", err)
	}
	if len(pending) == 0 {
		metrics.SyncCycles.WithLabelValues("empty").Inc()
		return Report{}, nil
	}

	rep := Report{BatchID: uuid.NewString(), Uploaded: len(pending)}
	uctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	err = e.uploader.SyncAttendance(uctx, rep.BatchID, pending)
	cancel()
	if err != nil {
		metrics.SyncCycles.WithLabelValues("upload_failed").Inc()
		return Report{}, fmt.Errorf("%w: batch %s: %w", ErrUploadFailed, rep.BatchID, err)
	}
	metrics.SyncedRecords.Add(float64(len(pending)))

	today := e.opts.Now().In(e.opts.Location).Format(time.DateOnly)
	if !e.schedule.AllElapsed(today) {
		rep.Kept = true
		metrics.SyncCycles.WithLabelValues("ok").Inc()
		e.log.Info("attendance synced, rows kept for duplicate checks",
			zap.String("batch_id", rep.BatchID), zap.Int("rows", rep.Uploaded))
		return rep, nil
	}

	cleared, err := e.store.DeleteSynced(ctx, pending)
	if err != nil {
		// uploaded rows stay behind and are re-sent; the server upsert is idempotent
		metrics.SyncCycles.WithLabelValues("cleanup_failed").Inc()
		observability.CaptureErr(err)
		return rep, fmt.Errorf("clear synced attendance: %w", err)
	}
	rep.Cleared = cleared
	metrics.SyncCycles.WithLabelValues("ok").Inc()
	e.log.Info("attendance synced and cleared",
		zap.String("batch_id", rep.BatchID), zap.Int("rows", rep.Uploaded), zap.Int64("cleared", cleared))
	return rep, nil
}
