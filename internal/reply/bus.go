// Package reply carries handler responses back toward the channel that
// produced the originating event.
package reply

import (
	"context"
	"log/slog"
	"sync"
)

// Reply is one response destined for a delivery channel.
type Reply struct {
	// Channel names the delivery surface ("api", "slack", "email", ...).
	Channel string `json:"channel"`

	// EventID correlates the reply with the event it answers.
	EventID string `json:"event_id"`

	Message string `json:"message"`
}

// Bus distributes replies to channel subscribers.
type Bus interface {
	Publish(ctx context.Context, reply Reply) error
	Subscribe(channel string) (<-chan Reply, func())
}

// InProcessBus is the single-process Bus. Slow subscribers drop
// messages rather than block publishers.
type InProcessBus struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]chan Reply
}

// NewInProcessBus creates an in-process reply bus.
func NewInProcessBus(logger *slog.Logger) *InProcessBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessBus{
		logger: logger.With("component", "reply_bus"),
		subs:   make(map[string][]chan Reply),
	}
}

// Publish delivers the reply to every subscriber of its channel.
func (b *InProcessBus) Publish(ctx context.Context, reply Reply) error {
	b.mu.Lock()
	subs := append([]chan Reply(nil), b.subs[reply.Channel]...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- reply:
		default:
			b.logger.Warn("reply subscriber full, dropping",
				"channel", reply.Channel, "event", reply.EventID)
		}
	}
	return nil
}

// Subscribe registers for one channel's replies. The returned function
// unsubscribes and closes the channel.
func (b *InProcessBus) Subscribe(channel string) (<-chan Reply, func()) {
	sub := make(chan Reply, 16)

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, s := range subs {
			if s == sub {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(sub)
				return
			}
		}
	}
	return sub, unsubscribe
}
