// Package bus is the group publish/subscribe layer. A room group exists per
// chat and a private group per user; sessions join both on connect.
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// RoomGroup names the fan-out group of a chat.
func RoomGroup(chatID string) string { return "chat:" + chatID }

// UserGroup names the private group of a user's devices.
func UserGroup(userID string) string { return "user:" + userID }

// Subscriber receives frames for the groups it joined.
type Subscriber interface {
	ID() string
	// Deliver enqueues frame without blocking. It returns false if the
	// subscriber is closed or its buffer is full.
	Deliver(frame []byte) bool
}

// Relay forwards events to other nodes.
type Relay interface {
	Forward(ctx context.Context, ev Event) error
}

// Event is one publication. An event carrying Evict is a control event: it is
// not delivered as a frame but closes matching subscribers.
type Event struct {
	Group   string    `json:"group"`
	Frame   []byte    `json:"frame,omitempty"`
	Exclude string    `json:"exclude,omitempty"`
	Evict   *Eviction `json:"evict,omitempty"`
}

// Eviction closes a user's sessions attached to ChatID on every node.
type Eviction struct {
	ChatID string `json:"chat_id"`
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Evictable is implemented by subscribers that can be closed by an eviction.
type Evictable interface {
	Evict(chatID string, code int, reason string)
}

// DropObserver is told about frames that could not be delivered.
type DropObserver interface {
	FrameDropped(group string)
}

// Hub dispatches frames to local subscribers. Each group has its own lock, so
// delivery order within a group matches publish order while groups proceed
// independently.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]*group
	relay  Relay
	drops  DropObserver
	log    *zap.Logger
}

type group struct {
	mu   sync.Mutex
	subs map[string]Subscriber
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		groups: make(map[string]*group),
		log:    log.With(zap.String("component", "bus")),
	}
}

// SetRelay enables cross-node forwarding of every local publication.
func (h *Hub) SetRelay(r Relay) { h.relay = r }

// SetDropObserver registers a callback for undeliverable frames.
func (h *Hub) SetDropObserver(o DropObserver) { h.drops = o }

// Subscribe adds sub to name. The hub lock is held until sub is in the group
// so a concurrent Unsubscribe cannot drop the group in between.
func (h *Hub) Subscribe(name string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[name]
	if !ok {
		g = &group{subs: make(map[string]Subscriber)}
		h.groups[name] = g
	}
	g.mu.Lock()
	g.subs[sub.ID()] = sub
	g.mu.Unlock()
}

// Unsubscribe removes the subscriber with id from name. Removing an absent
// subscriber is a no-op.
func (h *Hub) Unsubscribe(name, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[name]
	if !ok {
		return
	}
	g.mu.Lock()
	delete(g.subs, id)
	empty := len(g.subs) == 0
	g.mu.Unlock()
	if empty {
		delete(h.groups, name)
	}
}

// Size returns the number of local subscribers of name.
func (h *Hub) Size(name string) int {
	h.mu.RLock()
	g, ok := h.groups[name]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Publish delivers frame to every local subscriber of name except the one
// whose ID equals exclude, then forwards it to the relay if one is set.
func (h *Hub) Publish(ctx context.Context, name string, frame []byte, exclude string) error {
	h.Dispatch(Event{Group: name, Frame: frame, Exclude: exclude})
	if h.relay == nil {
		return nil
	}
	return h.relay.Forward(ctx, Event{Group: name, Frame: frame, Exclude: exclude})
}

// PublishEviction closes the sessions of userID attached to e.ChatID, here and
// on the other nodes.
func (h *Hub) PublishEviction(ctx context.Context, userID string, e Eviction) error {
	ev := Event{Group: UserGroup(userID), Evict: &e}
	h.Dispatch(ev)
	if h.relay == nil {
		return nil
	}
	return h.relay.Forward(ctx, ev)
}

// Dispatch delivers ev to local subscribers only.
func (h *Hub) Dispatch(ev Event) {
	h.mu.RLock()
	g, ok := h.groups[ev.Group]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if ev.Evict != nil {
		h.evict(g, ev)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, sub := range g.subs {
		if id == ev.Exclude {
			continue
		}
		if !sub.Deliver(ev.Frame) {
			h.log.Debug("frame_dropped", zap.String("group", ev.Group), zap.String("subscriber", id))
			if h.drops != nil {
				h.drops.FrameDropped(ev.Group)
			}
		}
	}
}

func (h *Hub) evict(g *group, ev Event) {
	g.mu.Lock()
	targets := make([]Evictable, 0, len(g.subs))
	for _, sub := range g.subs {
		if e, ok := sub.(Evictable); ok {
			targets = append(targets, e)
		}
	}
	g.mu.Unlock()
	h.log.Debug("eviction_dispatched", zap.String("group", ev.Group), zap.String("chat_id", ev.Evict.ChatID), zap.Int("targets", len(targets)))
	for _, e := range targets {
		e.Evict(ev.Evict.ChatID, ev.Evict.Code, ev.Evict.Reason)
	}
}
