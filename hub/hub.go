// Package hub fans live events out to WebSocket subscribers.  Each
// subscriber owns a bounded channel; a slow reader loses messages
// rather than stalling the writer.  When a Redis pool is attached the
// hub routes all events through pub/sub so that every instance,
// including the publisher, delivers from the same stream.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SubscriberBuffer is the per-subscriber channel depth.  A subscriber
// whose buffer fills is dropped: its channel is closed and the client
// must reconnect.
const SubscriberBuffer = 64

// Message is one event pushed to clients.
type Message struct {
	Type     string `json:"type"`
	DeviceID int64  `json:"device_id,omitempty"`
	Data     any    `json:"data"`
}

// Subscriber is one connected client.
type Subscriber struct {
	ID     string
	UserID int64
	C      chan Message

	hub       *Hub
	closeOnce sync.Once
}

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub is the in-process subscriber registry.
type Hub struct {
	log zerolog.Logger

	mu     sync.RWMutex
	byUser map[int64]map[*Subscriber]struct{}

	dropped atomic.Uint64

	pool *redis.Pool
}

// New builds a hub.  pool may be nil for single-instance deployments.
func New(log zerolog.Logger, pool *redis.Pool) *Hub {
	return &Hub{
		log:    log.With().Str("component", "hub").Logger(),
		byUser: map[int64]map[*Subscriber]struct{}{},
		pool:   pool,
	}
}

// Subscribe registers a client channel for a user.
func (h *Hub) Subscribe(userID int64) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		UserID: userID,
		C:      make(chan Message, SubscriberBuffer),
		hub:    h,
	}
	h.mu.Lock()
	if h.byUser[userID] == nil {
		h.byUser[userID] = map[*Subscriber]struct{}{}
	}
	h.byUser[userID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if subs := h.byUser[sub.UserID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.byUser, sub.UserID)
		}
	}
	h.mu.Unlock()
}

// Publish sends a message to one user's subscribers.  With Redis
// attached the message travels through the user's topic so other
// instances see it too; Run delivers it locally from the stream.
func (h *Hub) Publish(userID int64, msg Message) {
	if h.pool != nil {
		h.republish(topicForUser(userID), msg)
		return
	}
	h.deliver(userID, msg)
}

// Broadcast sends a message to every subscriber.
func (h *Hub) Broadcast(msg Message) {
	if h.pool != nil {
		h.republish(topicBroadcast, msg)
		return
	}
	h.deliverAll(msg)
}

// deliver pushes to one user's local subscribers without blocking.  A
// subscriber with a full buffer is detached and its channel closed.
func (h *Hub) deliver(userID int64, msg Message) {
	var overflowed []*Subscriber
	h.mu.RLock()
	for sub := range h.byUser[userID] {
		select {
		case sub.C <- msg:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		h.unsubscribe(sub)
		sub.closeOnce.Do(func() { close(sub.C) })
		h.dropped.Add(1)
		h.log.Warn().
			Int64("user_id", userID).
			Str("subscriber_id", sub.ID).
			Msg("dropping slow subscriber")
	}
}

func (h *Hub) deliverAll(msg Message) {
	h.mu.RLock()
	users := make([]int64, 0, len(h.byUser))
	for userID := range h.byUser {
		users = append(users, userID)
	}
	h.mu.RUnlock()
	for _, userID := range users {
		h.deliver(userID, msg)
	}
}

// Dropped reports how many subscribers were detached for falling
// behind.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

const (
	topicPrefix    = "fleetlink:user:"
	topicBroadcast = "fleetlink:broadcast"
)

func topicForUser(userID int64) string {
	return fmt.Sprintf("%s%d", topicPrefix, userID)
}

func (h *Hub) republish(topic string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn := h.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PUBLISH", topic, data); err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("redis publish failed")
	}
}

// Run bridges Redis pub/sub into the local subscriber set.  It blocks
// until the context is cancelled; without a pool it is a no-op.
func (h *Hub) Run(ctx context.Context) {
	if h.pool == nil {
		<-ctx.Done()
		return
	}
	for ctx.Err() == nil {
		if err := h.consume(ctx); err != nil && ctx.Err() == nil {
			h.log.Warn().Err(err).Msg("redis subscription lost, reconnecting")
			time.Sleep(time.Second)
		}
	}
}

func (h *Hub) consume(ctx context.Context) error {
	conn := h.pool.Get()
	defer conn.Close()

	psc := redis.PubSubConn{Conn: conn}
	if err := psc.PSubscribe(topicPrefix+"*", topicBroadcast); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			psc.Close()
		case <-done:
		}
	}()

	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			var msg Message
			if err := json.Unmarshal(v.Data, &msg); err != nil {
				continue
			}
			if v.Channel == topicBroadcast {
				h.deliverAll(msg)
				continue
			}
			if userID, err := strconv.ParseInt(strings.TrimPrefix(v.Channel, topicPrefix), 10, 64); err == nil {
				h.deliver(userID, msg)
			}
		case error:
			return v
		}
	}
}
