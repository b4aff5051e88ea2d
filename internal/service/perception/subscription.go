package perception

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kehai/internal/model"
)

const alertBuffer = 16

// Alert is emitted for each newly received event the observer noticed.
type Alert struct {
	Event  model.PerceptionEvent `json:"event"`
	Unread int                   `json:"unread_count"`
}

// Subscription is one observer's live perception feed. Events are applied
// in arrival order by a single goroutine.
type Subscription struct {
	hub *Hub
	key subKey

	inbox  chan model.PerceptionEvent
	alerts chan Alert
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	events []model.PerceptionEvent // newest first
	seen   map[uuid.UUID]struct{}  // every applied id, including those evicted from events
	unread int
}

func newSubscription(h *Hub, key subKey, inboxSize int) *Subscription {
	return &Subscription{
		hub:    h,
		key:    key,
		inbox:  make(chan model.PerceptionEvent, inboxSize),
		alerts: make(chan Alert, alertBuffer),
		done:   make(chan struct{}),
		seen:   make(map[uuid.UUID]struct{}),
	}
}

// SessionID returns the subscribed session.
func (s *Subscription) SessionID() uuid.UUID { return s.key.session }

// ObserverID returns the subscribed observer.
func (s *Subscription) ObserverID() uuid.UUID { return s.key.observer }

// Alerts delivers new detections. Closed when the subscription closes.
func (s *Subscription) Alerts() <-chan Alert { return s.alerts }

// Done is closed when the subscription closes.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Snapshot returns the cached events, newest first, and the unread count.
func (s *Subscription) Snapshot() ([]model.PerceptionEvent, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events), s.unread
}

// MarkRead marks all of the observer's events read. No-op when nothing is
// unread. Only events cached before the store call are flipped locally.
func (s *Subscription) MarkRead(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.unread == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	pending := make(map[uuid.UUID]struct{}, s.unread)
	for _, ev := range s.events {
		if !ev.IsRead {
			pending[ev.ID] = struct{}{}
		}
	}
	s.mu.Unlock()

	n, err := s.hub.store.MarkAllPerceptionEventsRead(ctx, s.key.session, s.key.observer)
	if err != nil {
		return 0, fmt.Errorf("perception: mark read: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Unread events past the cached window were marked by the store too, so
	// the count restarts from what arrived during the call.
	s.unread = 0
	for i := range s.events {
		if _, ok := pending[s.events[i].ID]; ok {
			s.events[i].IsRead = true
		}
		if !s.events[i].IsRead {
			s.unread++
		}
	}
	return n, nil
}

// Close stops the subscription and unregisters it. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

func (s *Subscription) seed(recent []model.PerceptionEvent, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(recent) > model.RecentPerceptionLimit {
		recent = recent[:model.RecentPerceptionLimit]
	}
	s.events = slices.Clone(recent)
	for _, ev := range recent {
		s.seen[ev.ID] = struct{}{}
	}
	s.unread = unread
}

func (s *Subscription) run() {
	defer close(s.alerts)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.inbox:
			alert, ok := s.apply(ev)
			if !ok {
				continue
			}
			select {
			case s.alerts <- alert:
			case <-s.done:
				return
			default:
				s.hub.logger.Warn("perception: alert buffer full, dropping alert",
					"session_id", s.key.session, "observer_id", s.key.observer, "event_id", ev.ID)
			}
		}
	}
}

// apply adds ev to the cache. The returned alert is valid when ok.
func (s *Subscription) apply(ev model.PerceptionEvent) (Alert, bool) {
	if ev.SessionID != s.key.session || ev.ObserverID != s.key.observer {
		return Alert{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[ev.ID]; dup {
		return Alert{}, false
	}
	s.seen[ev.ID] = struct{}{}
	s.events = slices.Insert(s.events, 0, ev)
	if len(s.events) > model.RecentPerceptionLimit {
		s.events = s.events[:model.RecentPerceptionLimit]
	}
	if !ev.IsRead {
		s.unread++
	}
	if ev.DetectionLevel == model.AwarenessOblivious {
		return Alert{}, false
	}
	return Alert{Event: ev, Unread: s.unread}, true
}
