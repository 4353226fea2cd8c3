package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zenc-ai/voicegate/internal/store"
)

// Kickable is a local socket the [Hub] can force closed.
type Kickable interface {
	ID() string
	Kick(reason string)
}

// Hub indexes this process's sockets by id and applies session kicks
// published by any process. It is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	sockets map[string]Kickable
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{sockets: make(map[string]Kickable)}
}

// Register adds k.
func (h *Hub) Register(k Kickable) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sockets[k.ID()] = k
}

// Unregister removes k if it is still the registered socket for its id.
func (h *Hub) Unregister(k Kickable) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sockets[k.ID()] == k {
		delete(h.sockets, k.ID())
	}
}

// Len returns the number of registered sockets.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

// Kick forces socketID closed with reason. It reports whether the socket is
// held by this process.
func (h *Hub) Kick(socketID, reason string) bool {
	h.mu.Lock()
	k, ok := h.sockets[socketID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	k.Kick(reason)
	return true
}

// Run consumes [store.ChannelSessionKick] until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, sub store.Subscriber) error {
	err := sub.Subscribe(ctx, store.ChannelSessionKick, func(payload []byte) {
		var ev store.KickEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("gateway: malformed session kick", "err", err)
			return
		}
		if h.Kick(ev.SocketID, ev.Reason) {
			slog.Info("gateway: kicked replaced session", "user_id", ev.UserID, "socket_id", ev.SocketID)
		}
	})
	if err != nil {
		return fmt.Errorf("gateway: session kick subscription: %w", err)
	}
	return nil
}
