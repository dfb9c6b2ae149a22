// Package broadcast fans account and call events out to live subscribers.
//
// Delivery is at-most-once and best-effort: events published while a user
// has no connected subscribers are dropped, and a reconnecting client is
// expected to reconcile with a full re-fetch.
package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/brokercall/internal/models"
)

// Conn is the subset of a websocket connection the broadcaster writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Subscription is a handle for one connected client.
type Subscription struct {
	userID int
	conn   Conn
	mu     sync.Mutex // gorilla conns allow one concurrent writer
}

// Broadcaster maintains the registry of live subscriber connections.
type Broadcaster struct {
	log *logrus.Logger

	mu   sync.RWMutex
	subs map[int]map[*Subscription]struct{}
}

// New creates an empty broadcaster.
func New(log *logrus.Logger) *Broadcaster {
	return &Broadcaster{
		log:  log,
		subs: make(map[int]map[*Subscription]struct{}),
	}
}

// Subscribe registers a connection for a user's events. A user may hold any
// number of concurrent subscriptions.
func (b *Broadcaster) Subscribe(userID int, conn Conn) *Subscription {
	sub := &Subscription{userID: userID, conn: conn}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[*Subscription]struct{})
	}
	b.subs[userID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes a subscription. Safe to call twice.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.userID)
		}
	}
	b.mu.Unlock()
	sub.conn.Close()
}

// Publish delivers the event to every currently connected subscriber for the
// user. A failed write drops that subscriber; nobody queues for it.
func (b *Broadcaster) Publish(userID int, event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		b.log.WithError(err).Error("failed to marshal event")
		return
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[userID]))
	for sub := range b.subs[userID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.mu.Lock()
		err := sub.conn.WriteMessage(websocket.TextMessage, data)
		sub.mu.Unlock()
		if err != nil {
			b.log.WithFields(logrus.Fields{
				"user_id": userID,
				"type":    event.Type,
			}).WithError(err).Warn("dropping subscriber after failed write")
			b.Unsubscribe(sub)
		}
	}
}

// SubscriberCount reports how many connections a user currently holds.
func (b *Broadcaster) SubscriberCount(userID int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}
