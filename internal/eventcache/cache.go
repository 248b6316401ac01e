// Package eventcache keeps the approved events a station may scan for, so that
// attendance can be validated while the device is offline.
package eventcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"eventlog/internal/metrics"
	"eventlog/internal/store"
	"eventlog/internal/window"
)

// StatusApproved is the only approval status eligible for scanning.
const StatusApproved = "Approved"

var ErrEventNotFound = errors.New("eventcache: event not found")

// NotFoundError carries the events that are available so a stale code can be diagnosed.
type NotFoundError struct {
	EventDateID int64
	Available   []Event
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("eventcache: event date %d is not tracked (%d events available)", e.EventDateID, len(e.Available))
}

func (e *NotFoundError) Unwrap() error { return ErrEventNotFound }

// EventDate is one calendar occurrence of an event. Day is "2006-01-02".
type EventDate struct {
	ID  int64  `json:"id"`
	Day string `json:"date"`
}

// Event is the normalized window configuration for every date of one event.
type Event struct {
	ID       int64           `json:"event_id"`
	Name     string          `json:"event_name"`
	Venue    string          `json:"venue,omitempty"`
	Status   string          `json:"status"`
	Schedule window.Schedule `json:"-"`
	Dates    []EventDate     `json:"dates"`
}

// Approved reports whether the event may be scanned for.
func (e Event) Approved() bool { return IsApproved(e.Status) }

// Elapsed reports whether every date of the event is strictly before today.
func (e Event) Elapsed(today string) bool {
	for _, d := range e.Dates {
		if d.Day >= today {
			return false
		}
	}
	return true
}

// IsApproved reports whether status is "Approved", ignoring case.
func IsApproved(status string) bool { return strings.EqualFold(status, StatusApproved) }

// Cache is safe for concurrent use. The in-memory maps are authoritative; the
// mirrored tables only survive restarts.
type Cache struct {
	mu      sync.RWMutex
	byEvent map[int64]Event
	byDate  map[int64]int64

	db  *store.DB
	log *zap.Logger
}

// New creates an empty cache. db may be nil to keep the cache in memory only.
func New(db *store.DB, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		byEvent: make(map[int64]Event),
		byDate:  make(map[int64]int64),
		db:      db,
		log:     log,
	}
}

// Refresh replaces the cache contents with the approved subset of events.
func (c *Cache) Refresh(ctx context.Context, events []Event) error {
	approved := make([]Event, 0, len(events))
	seen := make(map[int64]int, len(events))
	for _, e := range events {
		if !e.Approved() {
			continue
		}
		// a repeated event id replaces the earlier entry
		if i, ok := seen[e.ID]; ok {
			approved[i] = e
			continue
		}
		seen[e.ID] = len(approved)
		approved = append(approved, e)
	}
	c.swap(approved)
	c.log.Debug("event cache refreshed", zap.Int("received", len(events)), zap.Int("approved", len(approved)))

	if c.db == nil {
		return nil
	}
	if err := c.persist(ctx, approved); err != nil {
		return fmt.Errorf("persist event cache: %w", err)
	}
	return nil
}

// Load restores the cache from the mirrored tables.
func (c *Cache) Load(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	events, err := c.loadPersisted(ctx)
	if err != nil {
		return fmt.Errorf("load event cache: %w", err)
	}
	c.swap(events)
	return nil
}

func (c *Cache) swap(events []Event) {
	byEvent := make(map[int64]Event, len(events))
	byDate := make(map[int64]int64)
	for _, e := range events {
		byEvent[e.ID] = e
		for _, d := range e.Dates {
			byDate[d.ID] = e.ID
		}
	}
	c.mu.Lock()
	c.byEvent, c.byDate = byEvent, byDate
	c.mu.Unlock()
	metrics.CachedEvents.Set(float64(len(byEvent)))
}

// Lookup finds the event covering an event-date. A miss returns *NotFoundError.
func (c *Cache) Lookup(eventDateID int64) (Event, EventDate, error) {
	c.mu.RLock()
	eventID, ok := c.byDate[eventDateID]
	evt := c.byEvent[eventID]
	c.mu.RUnlock()
	if ok {
		for _, d := range evt.Dates {
			if d.ID == eventDateID {
				return evt, d, nil
			}
		}
	}
	return Event{}, EventDate{}, &NotFoundError{EventDateID: eventDateID, Available: c.Available()}
}

// Available returns the cached events ordered by id.
func (c *Cache) Available() []Event {
	c.mu.RLock()
	out := make([]Event, 0, len(c.byEvent))
	for _, e := range c.byEvent {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of cached events.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byEvent)
}

// Remove drops an event immediately, ahead of the next refetch.
func (c *Cache) Remove(ctx context.Context, eventID int64) bool {
	c.mu.Lock()
	evt, ok := c.byEvent[eventID]
	if ok {
		delete(c.byEvent, eventID)
		for _, d := range evt.Dates {
			delete(c.byDate, d.ID)
		}
	}
	n := len(c.byEvent)
	c.mu.Unlock()
	if !ok {
		return false
	}
	metrics.CachedEvents.Set(float64(n))
	if c.db != nil {
		if err := c.deletePersisted(ctx, eventID); err != nil {
			c.log.Warn("remove cached event from store", zap.Int64("event_id", eventID), zap.Error(err))
		}
	}
	c.log.Info("event removed from cache", zap.Int64("event_id", eventID), zap.String("event_name", evt.Name))
	return true
}

// AllElapsed reports whether no cached event has a date on or after today.
// An empty cache counts as elapsed.
func (c *Cache) AllElapsed(today string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.byEvent {
		if !e.Elapsed(today) {
			return false
		}
	}
	return true
}
