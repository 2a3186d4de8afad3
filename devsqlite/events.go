// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsqlite

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Topic identifies one event stream on the in-process bus.
type Topic string

const (
	TopicDataChange         Topic = "data-change"
	TopicSyncComplete       Topic = "sync-complete"
	TopicSyncError          Topic = "sync-error"
	TopicPresenceOnline     Topic = "presence-online"
	TopicPresenceOffline    Topic = "presence-offline"
	TopicConflictDetected   Topic = "conflict-detected"
	TopicSessionInvalidated Topic = "session-invalidated"
)

// Event is the payload delivered to subscribers. Fields are populated
// per topic: Table/RecordID/Payload for data-change, OperationID for
// sync-complete and sync-error, DeviceID for presence and session topics,
// ConflictID for conflict-detected.
type Event struct {
	Topic       Topic
	Table       string
	RecordID    string
	OperationID string
	DeviceID    string
	ConflictID  string
	Payload     json.RawMessage
	Err         error
	Time        time.Time
}

// Handler receives events for a subscribed topic.
type Handler func(Event)

type subscriber struct {
	id      int64
	handler Handler
}

// Bus is a synchronous in-process publish/subscribe fan-out. Delivery is
// in subscription order; a panicking subscriber is recovered and logged so
// it cannot prevent delivery to subsequent subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID int64
	subs   map[Topic][]subscriber
	logger *slog.Logger
}

// NewBus creates an event bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Topic][]subscriber),
		logger: logger,
	}
}

// Subscribe registers a handler for one topic and returns an unsubscribe
// function. Unsubscribing is idempotent.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == id {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers ev to every subscriber of ev.Topic, synchronously and
// in subscription order.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	list := make([]subscriber, len(b.subs[ev.Topic]))
	copy(list, b.subs[ev.Topic])
	b.mu.Unlock()

	for _, s := range list {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"topic", string(ev.Topic),
				"panic", r)
		}
	}()
	s.handler(ev)
}
