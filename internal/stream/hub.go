// Package stream pushes newly appended session messages to WebSocket clients.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/store"
)

const subscriberBuffer = 64

// Subscription receives the messages of one session.
type Subscription struct {
	sessionID int64
	ch        chan *domain.Message
	lagged    chan struct{}
	once      sync.Once
}

// C delivers messages in append order.
func (s *Subscription) C() <-chan *domain.Message { return s.ch }

// Lagged is closed when the subscriber fell behind and was dropped.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

func (s *Subscription) drop() {
	s.once.Do(func() { close(s.lagged) })
}

// Hub fans messages out to the subscribers of their session.
type Hub struct {
	mu     sync.RWMutex
	active map[int64]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[int64]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for a session.
func (h *Hub) Subscribe(sessionID int64) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan *domain.Message, subscriberBuffer),
		lagged:    make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[sessionID]; !ok {
		h.active[sessionID] = make(map[*Subscription]struct{})
	}
	h.active[sessionID][sub] = struct{}{}
	slog.Debug("stream subscriber registered", "session_id", sessionID)
	return sub
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.active[sub.sessionID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.active, sub.sessionID)
		}
	}
}

// Publish delivers msg to every subscriber of its session without blocking.
// A subscriber whose buffer is full is marked lagged and removed.
func (h *Hub) Publish(msg *domain.Message) {
	h.mu.RLock()
	var slow []*Subscription
	for sub := range h.active[msg.SessionID] {
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		slog.Warn("stream subscriber lagged, dropping", "session_id", msg.SessionID)
		sub.drop()
		h.Unsubscribe(sub)
	}
}

// Subscribers returns the number of subscribers of a session.
func (h *Hub) Subscribers(sessionID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// PublishingRepository publishes every successfully appended message.
type PublishingRepository struct {
	store.Repository
	hub *Hub
}

// NewPublishingRepository wraps repo so that appends reach hub subscribers.
func NewPublishingRepository(repo store.Repository, hub *Hub) *PublishingRepository {
	return &PublishingRepository{Repository: repo, hub: hub}
}

// AppendMessage stores msg and then publishes it.
func (r *PublishingRepository) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if err := r.Repository.AppendMessage(ctx, msg); err != nil {
		return err
	}
	r.hub.Publish(msg)
	return nil
}
