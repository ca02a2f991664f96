// ABOUTME: In-process subscription registry and real-time event fan-out
// ABOUTME: Broadcasts appended events to every subscriber of a conversation, sender included

package hub

import (
	"log/slog"
	"sync"

	"github.com/2389/fold-relay/internal/store"
)

// DeliverFunc is invoked with each event broadcast to a subscription. The
// transport layer supplies one per connected (device, conversation) pair.
type DeliverFunc func(event *store.Event)

// subscription wraps a delivery callback with its own mutex so that
// successive broadcasts reach a given subscriber in broadcast order.
type subscription struct {
	mu sync.Mutex
	fn DeliverFunc
}

// Hub maps (device, conversation) pairs to live delivery callbacks.
// Subscriptions are ephemeral and process-local: created on connect,
// destroyed on disconnect, never persisted.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*subscription // convID -> deviceID -> sub
	logger *slog.Logger
}

// New creates a hub. Pass nil logger for default.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[string]*subscription),
		logger: logger.With("component", "hub"),
	}
}

// Subscribe registers fn for events on convID. A second subscription for the
// same (device, conversation) pair replaces the first; the transport treats a
// new connection as superseding the old one.
func (h *Hub) Subscribe(deviceID, convID string, fn DeliverFunc) {
	h.mu.Lock()
	if _, ok := h.subs[convID]; !ok {
		h.subs[convID] = make(map[string]*subscription)
	}
	h.subs[convID][deviceID] = &subscription{fn: fn}
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "conv_id", convID, "device_id", deviceID)
}

// Unsubscribe removes the subscription for the pair, if any.
func (h *Hub) Unsubscribe(deviceID, convID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[convID]
	if !ok {
		return
	}
	if _, exists := subs[deviceID]; !exists {
		return
	}

	delete(subs, deviceID)
	if len(subs) == 0 {
		delete(h.subs, convID)
	}

	h.logger.Debug("subscriber removed", "conv_id", convID, "device_id", deviceID)
}

// Broadcast delivers event to every subscriber of event.ConvID, with no
// filtering by device: the originating device's own subscription receives
// the event too (echo-to-sender), which the transport relies on for send
// confirmation. The subscriber set is snapshotted at the start of the call;
// a racing Subscribe lands wholly in or wholly out, never duplicated.
func (h *Hub) Broadcast(event *store.Event) {
	h.mu.RLock()
	subs, ok := h.subs[event.ConvID]
	if !ok || len(subs) == 0 {
		h.mu.RUnlock()
		return
	}
	type target struct {
		deviceID string
		sub      *subscription
	}
	targets := make([]target, 0, len(subs))
	for id, sub := range subs {
		targets = append(targets, target{deviceID: id, sub: sub})
	}
	h.mu.RUnlock()

	for _, t := range targets {
		h.deliver(t.deviceID, t.sub, event)
	}
}

// deliver invokes one subscriber's callback. A panicking callback is
// reported and isolated so the remaining subscribers still receive the
// broadcast.
func (h *Hub) deliver(deviceID string, sub *subscription, event *store.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber callback panicked",
				"conv_id", event.ConvID,
				"device_id", deviceID,
				"seq", event.Seq,
				"panic", r)
		}
	}()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.fn(event)
}

// Subscribers returns the number of live subscriptions for a conversation.
func (h *Hub) Subscribers(convID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[convID])
}

// Close drops all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for convID := range h.subs {
		delete(h.subs, convID)
	}

	h.logger.Debug("hub closed")
}
