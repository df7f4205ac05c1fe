// Package pipeline fans values produced by streaming sessions out to
// secondary consumers: websocket viewers, the MQTT emitter, snapshots.
package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/vision/core"
)

// Broadcaster is a pub/sub fan-out that remembers the last value and hands
// it to new subscribers first.
type Broadcaster[T any] struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]chan T
	last        T
	hasLast     bool
	closed      bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster[T any](name string) *Broadcaster[T] {
	return &Broadcaster[T]{
		logger:      util.ComponentLogger("pipeline").With("broadcaster", name),
		subscribers: make(map[string]chan T),
	}
}

// Subscribe adds a subscriber and returns its channel. The last published
// value, if any, is delivered immediately.
func (b *Broadcaster[T]) Subscribe(subscriberID string, bufferSize int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch
	}

	if old, exists := b.subscribers[subscriberID]; exists {
		close(old)
	}
	ch := make(chan T, max(bufferSize, 1))
	b.subscribers[subscriberID] = ch
	if b.hasLast {
		ch <- b.last
	}

	b.logger.Debug("New subscriber added", "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subscribers[subscriberID]; exists {
		close(ch)
		delete(b.subscribers, subscriberID)
		b.logger.Debug("Subscriber removed", "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast sends v to every subscriber without blocking. A subscriber
// whose buffer is full misses this value but stays subscribed.
func (b *Broadcaster[T]) Broadcast(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.last = v
	b.hasLast = true
	b.published.Add(1)

	for id, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			if b.dropped.Add(1)%100 == 1 {
				b.logger.Warn("Subscriber too slow, dropping values", "id", id, "dropped_total", b.dropped.Load())
			}
		}
	}
}

// Last returns the most recently broadcast value.
func (b *Broadcaster[T]) Last() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.hasLast
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.logger.Debug("Broadcaster closed", "published", b.published.Load(), "dropped", b.dropped.Load())
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats returns how many values were published and how many deliveries
// were skipped because a subscriber was full.
func (b *Broadcaster[T]) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// EventHub distributes detection events.
type EventHub struct {
	*Broadcaster[core.DetectionEvent]
}

func NewEventHub() *EventHub {
	return &EventHub{Broadcaster: NewBroadcaster[core.DetectionEvent]("detections")}
}

// Publish implements core.EventPublisher.
func (h *EventHub) Publish(event core.DetectionEvent) {
	h.Broadcast(event)
}

// Frame is one encoded frame as it was sent to a viewer.
type Frame struct {
	SessionID   string
	Sequence    uint64
	ContentType string
	Data        []byte
	CapturedAt  time.Time
}

// FrameHub keeps the latest encoded frame for snapshots.
type FrameHub struct {
	*Broadcaster[Frame]
}

func NewFrameHub() *FrameHub {
	return &FrameHub{Broadcaster: NewBroadcaster[Frame]("frames")}
}

// Store records an encoded frame. data must not be modified afterwards.
func (h *FrameHub) Store(f Frame) {
	h.Broadcast(f)
}

// Latest returns the most recently stored frame.
func (h *FrameHub) Latest() (Frame, bool) {
	return h.Last()
}
