// Package perception delivers perception events to the observers who
// detected them.
//
// A Hub holds at most one Subscription per (session, observer). Events reach
// the Hub either from the in-process publish after a committed execution or
// from the Postgres NOTIFY fan-out relayed by the server's broker. An event
// can still arrive twice, once in the subscribe-time seed and once live, so
// subscriptions drop any id they have already applied.
package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kehai/internal/model"
	"github.com/ashita-ai/kehai/internal/telemetry"
)

// DefaultInboxSize is the per-subscription buffer between Dispatch and the
// subscription's goroutine.
const DefaultInboxSize = 64

// EventStore is the persistence the notifier reads from and marks read in.
type EventStore interface {
	// PerceptionFeed returns recent events, newest first, and the unread
	// count from one consistent read.
	PerceptionFeed(ctx context.Context, sessionID, observerID uuid.UUID, limit int) ([]model.PerceptionEvent, int, error)
	MarkAllPerceptionEventsRead(ctx context.Context, sessionID, observerID uuid.UUID) (int64, error)
}

type subKey struct {
	session  uuid.UUID
	observer uuid.UUID
}

// Hub routes perception events to live subscriptions. Safe for concurrent use.
type Hub struct {
	store     EventStore
	logger    *slog.Logger
	inboxSize int

	mu     sync.RWMutex
	subs   map[subKey]*Subscription
	closed bool

	active  metric.Int64UpDownCounter
	dropped metric.Int64Counter
}

// NewHub creates a Hub. inboxSize <= 0 uses DefaultInboxSize.
func NewHub(store EventStore, inboxSize int, logger *slog.Logger) *Hub {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	meter := telemetry.Meter("kehai/perception")
	active, _ := meter.Int64UpDownCounter("kehai.notifier.subscriptions",
		metric.WithDescription("Live perception subscriptions"),
	)
	dropped, _ := meter.Int64Counter("kehai.notifier.dropped",
		metric.WithDescription("Perception events dropped because a subscriber inbox was full"),
	)
	return &Hub{
		store:     store,
		logger:    logger,
		inboxSize: inboxSize,
		subs:      make(map[subKey]*Subscription),
		active:    active,
		dropped:   dropped,
	}
}

// Subscribe opens the live feed for an observer in a session. The feed is
// seeded with the observer's most recent events. Any existing subscription
// for the same pair is closed first so alerts are never delivered twice.
func (h *Hub) Subscribe(ctx context.Context, sessionID, observerID uuid.UUID) (*Subscription, error) {
	if sessionID == uuid.Nil || observerID == uuid.Nil {
		return nil, fmt.Errorf("perception: subscribe: %w", model.ErrPreconditionFailed)
	}
	key := subKey{session: sessionID, observer: observerID}
	sub := newSubscription(h, key, h.inboxSize)

	// Register before seeding: events dispatched while the seed loads wait
	// in the inbox and are de-duplicated against it.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("perception: subscribe: hub closed")
	}
	prev := h.subs[key]
	h.subs[key] = sub
	h.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	h.active.Add(ctx, 1)

	recent, unread, err := h.store.PerceptionFeed(ctx, sessionID, observerID, model.RecentPerceptionLimit)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("perception: subscribe: %w: %w", model.ErrDependencyUnavailable, err)
	}
	sub.seed(recent, unread)
	go sub.run()

	h.logger.Debug("perception: subscribed",
		"session_id", sessionID, "observer_id", observerID, "seeded", len(recent), "unread", unread)
	return sub, nil
}

// Dispatch routes one event to its observer's subscription, if any. It never
// blocks: a full inbox drops the event for that subscriber.
func (h *Hub) Dispatch(ev model.PerceptionEvent) {
	h.mu.RLock()
	sub := h.subs[subKey{session: ev.SessionID, observer: ev.ObserverID}]
	h.mu.RUnlock()
	if sub == nil {
		return
	}
	select {
	case <-sub.done:
	case sub.inbox <- ev:
	default:
		h.dropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("level", string(ev.DetectionLevel))))
		h.logger.Warn("perception: subscriber inbox full, dropping event",
			"session_id", ev.SessionID, "observer_id", ev.ObserverID, "event_id", ev.ID)
	}
}

// Publish dispatches every event. It satisfies the execution service's
// publisher.
func (h *Hub) Publish(events []model.PerceptionEvent) {
	for _, ev := range events {
		h.Dispatch(ev)
	}
}

// DispatchJSON decodes a NOTIFY payload and dispatches it.
func (h *Hub) DispatchJSON(payload []byte) error {
	ev, err := DecodeEvent(payload)
	if err != nil {
		return err
	}
	h.Dispatch(ev)
	return nil
}

// MarkRead marks every unread event for the observer as read, through the
// live subscription when there is one. Returns the number of rows changed.
func (h *Hub) MarkRead(ctx context.Context, sessionID, observerID uuid.UUID) (int64, error) {
	h.mu.RLock()
	sub := h.subs[subKey{session: sessionID, observer: observerID}]
	h.mu.RUnlock()
	if sub != nil {
		return sub.MarkRead(ctx)
	}
	n, err := h.store.MarkAllPerceptionEventsRead(ctx, sessionID, observerID)
	if err != nil {
		return 0, fmt.Errorf("perception: mark read: %w", err)
	}
	return n, nil
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Subsequent Subscribe calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// remove drops sub from the registry if it is still the current one.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	removed := h.subs[sub.key] == sub
	if removed {
		delete(h.subs, sub.key)
	}
	h.mu.Unlock()
	h.active.Add(context.Background(), -1)
}

// DecodeEvent parses a perception event serialized as JSON, such as the
// row payload sent on the perception NOTIFY channel.
func DecodeEvent(payload []byte) (model.PerceptionEvent, error) {
	var ev model.PerceptionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.PerceptionEvent{}, fmt.Errorf("perception: decode event: %w", err)
	}
	if ev.ID == uuid.Nil || ev.SessionID == uuid.Nil || ev.ObserverID == uuid.Nil {
		return model.PerceptionEvent{}, fmt.Errorf("perception: decode event: missing id, session or observer")
	}
	if !ev.DetectionLevel.Valid() {
		return model.PerceptionEvent{}, fmt.Errorf("perception: decode event: invalid level %q", ev.DetectionLevel)
	}
	return ev, nil
}
