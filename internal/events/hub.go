// Package events fans authorization completion notices out to the
// browser sessions of the user who completed them.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies an event on the wire.
type Type string

// TypeCompleted is published after a callback stores a credential.
const TypeCompleted Type = "oauth_completed"

// subscriberBuffer is the per-subscriber channel capacity. Events beyond it
// are dropped for that subscriber.
const subscriberBuffer = 16

// Event is a single notification. UserID routes the event and is not sent
// to the client.
type Event struct {
	Type     Type      `json:"type"`
	UserID   string    `json:"-"`
	PluginID string    `json:"pluginId"`
	At       time.Time `json:"at"`
}

// Completed returns a TypeCompleted event stamped with the current time.
func Completed(userID, pluginID string) Event {
	return Event{
		Type:     TypeCompleted,
		UserID:   userID,
		PluginID: pluginID,
		At:       time.Now().UTC(),
	}
}

type subscriber struct {
	ch chan Event
}

// Hub is an in-process pub/sub keyed by user. The zero value is not
// usable; call NewHub.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
	onDrop func()
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithDropHook calls fn each time an event is dropped for a slow
// subscriber. fn runs with the hub lock held and must not block.
func WithDropHook(fn func()) HubOption {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Subscribe registers a listener for userID. The returned function
// unsubscribes and closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once

	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.subs[userID], sub)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}

			close(sub.ch)
		})
	}
}

// Publish delivers e to every subscriber of e.UserID without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[e.UserID] {
		select {
		case sub.ch <- e:
		default:
			h.logger.Warn("dropping event for slow subscriber",
				slog.String("type", string(e.Type)),
				slog.String("plugin", e.PluginID),
			)

			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Subscribers returns the number of active subscriptions for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[userID])
}
