package eventcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"eventlog/internal/metrics"
	"eventlog/internal/queue"
)

// Notification kinds pushed by the server.
const (
	DatabaseUpdated       = "database-updated"
	UpcomingEventsUpdated = "upcoming-events-updated"
	EventsListUpdated     = "events-list-updated"
	NewApprovedEvent      = "newApprovedEvent"
	NewEventAdded         = "new-event-added"
	EventDeleted          = "event-deleted"
	EventStatusChanged    = "event-status-changed"
)

// Notification is the decoded payload of any notification kind; only the
// fields relevant to Kind are set.
type Notification struct {
	Kind      string          `json:"-"`
	Type      string          `json:"type,omitempty"`
	BlockID   *int64          `json:"block_id,omitempty"`
	BlockIDs  []int64         `json:"block_ids,omitempty"`
	EventID   int64           `json:"eventId,omitempty"`
	NewStatus string          `json:"newStatus,omitempty"`
	EventData json.RawMessage `json:"eventData,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseNotification decodes a queue message.
func ParseNotification(msg queue.Message) (Notification, error) {
	var n Notification
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &n); err != nil {
			return Notification{}, fmt.Errorf("decode %s notification: %w", msg.Type, err)
		}
	}
	n.Kind = msg.Type
	return n, nil
}

// Listener applies notifications to the cache and asks the refresher to refetch.
type Listener struct {
	cache     *Cache
	refresher *Refresher
	blockID   int64
	log       *zap.Logger

	retryInitial time.Duration
}

// NewListener filters block-scoped notifications to blockID; zero accepts every block.
func NewListener(cache *Cache, refresher *Refresher, blockID int64, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{cache: cache, refresher: refresher, blockID: blockID, retryInitial: 500 * time.Millisecond, log: log}
}

// Run consumes q until ctx is done. Failed subscriptions and closed streams
// are retried with backoff; a subscription that needed retries requests a
// refetch to cover anything missed while disconnected.
func (l *Listener) Run(ctx context.Context, q queue.Queue) {
	l.log.Info("notification listener started", zap.Int64("block_id", l.blockID))
	defer l.log.Info("notification listener stopped")
	for resumed := false; ; resumed = true {
		msgs, retried, err := l.subscribe(ctx, q)
		if err != nil {
			return
		}
		if (resumed || retried) && l.refresher != nil {
			l.refresher.Request()
		}
		for msg := range msgs {
			l.Handle(ctx, msg)
		}
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("notification stream closed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.retryInitial):
		}
	}
}

// subscribe retries q.Consume until it succeeds or ctx is done.
func (l *Listener) subscribe(ctx context.Context, q queue.Queue) (<-chan queue.Message, bool, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.retryInitial
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	var (
		msgs    <-chan queue.Message
		retried bool
	)
	op := func() error {
		m, err := q.Consume(ctx)
		if err != nil {
			return err
		}
		msgs = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		retried = true
		metrics.Notifications.WithLabelValues("subscribe_failed").Inc()
		l.log.Warn("notification subscribe failed", zap.Error(err), zap.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, retried, err
	}
	return msgs, retried, nil
}

// Handle applies one message. Undecodable messages are logged and dropped.
func (l *Listener) Handle(ctx context.Context, msg queue.Message) {
	metrics.Notifications.WithLabelValues(msg.Type).Inc()
	n, err := ParseNotification(msg)
	if err != nil {
		l.log.Warn("drop notification", zap.String("event", msg.Type), zap.Error(err))
		return
	}
	if l.Apply(ctx, n) && l.refresher != nil {
		l.refresher.Request()
	}
}

// Apply performs the immediate cache change a notification implies and
// reports whether a refetch should follow. The payload itself is never
// trusted as the new state.
func (l *Listener) Apply(ctx context.Context, n Notification) bool {
	switch n.Kind {
	case EventDeleted:
		l.cache.Remove(ctx, n.EventID)
		return true
	case EventStatusChanged:
		if !IsApproved(n.NewStatus) {
			l.cache.Remove(ctx, n.EventID)
		}
		return true
	case NewApprovedEvent:
		return l.dataInBlock(n.Data)
	case NewEventAdded:
		return l.inBlocks(n.BlockIDs)
	case UpcomingEventsUpdated:
		return n.BlockID == nil || l.inBlock(*n.BlockID)
	case DatabaseUpdated, EventsListUpdated:
		return n.Type == "" || strings.Contains(strings.ToLower(n.Type), "event")
	}
	l.log.Debug("ignore notification", zap.String("event", n.Kind))
	return false
}

// dataInBlock checks the block ids carried by an event payload, if any.
func (l *Listener) dataInBlock(data json.RawMessage) bool {
	if len(data) == 0 {
		return true
	}
	var scope struct {
		BlockID  *int64  `json:"block_id"`
		BlockIDs []int64 `json:"block_ids"`
	}
	if err := json.Unmarshal(data, &scope); err != nil {
		return true
	}
	if len(scope.BlockIDs) > 0 {
		return l.inBlocks(scope.BlockIDs)
	}
	if scope.BlockID != nil {
		return l.inBlock(*scope.BlockID)
	}
	return true
}

func (l *Listener) inBlock(id int64) bool {
	return l.blockID == 0 || l.blockID == id
}

func (l *Listener) inBlocks(ids []int64) bool {
	if l.blockID == 0 || len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if id == l.blockID {
			return true
		}
	}
	return false
}
