// Package notify carries push notifications of committed store mutations to
// subscribers such as streaming HTTP clients.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/vanshika/uplink/internal/domain"
)

// Kind identifies what changed.
type Kind string

const (
	KindProfile    Kind = "profile"
	KindCommission Kind = "commission"
)

// Change is a single notification addressed to one user.
type Change struct {
	Kind       Kind                     `json:"kind"`
	UID        string                   `json:"uid"`
	Profile    *domain.UserNode         `json:"profile,omitempty"`
	Commission *domain.CommissionRecord `json:"commission,omitempty"`
	At         time.Time                `json:"at"`
}

// Feed publishes changes and lets callers subscribe to a user's changes.
// Publishing never blocks on slow subscribers.
type Feed interface {
	Publish(ctx context.Context, change Change) error
	Subscribe(ctx context.Context, uid string) (<-chan Change, func())
}

const subscriberBuffer = 16

// Hub is an in-process Feed. Each subscriber has a bounded buffer; changes
// that do not fit are dropped for that subscriber.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Change
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Change)}
}

func (h *Hub) Publish(_ context.Context, change Change) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[change.UID] {
		select {
		case ch <- change:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for uid. The returned cancel func (also
// triggered by ctx) unregisters it and closes the channel.
func (h *Hub) Subscribe(ctx context.Context, uid string) (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[uid] == nil {
		h.subs[uid] = make(map[int]chan Change)
	}
	h.subs[uid][id] = ch
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			delete(h.subs[uid], id)
			if len(h.subs[uid]) == 0 {
				delete(h.subs, uid)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel
}

// Subscribers reports the number of live subscriptions for uid.
func (h *Hub) Subscribers(uid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[uid])
}
