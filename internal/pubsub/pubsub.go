// Package pubsub provides a small generic publish/subscribe broker. It fans
// out log entries and worker state changes to any number of observers without
// the publisher ever blocking on a slow subscriber.
package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBuffer = 64

// Event wraps a published payload with the time it was published.
type Event[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Broker fans published payloads out to all current subscribers. A nil-safe
// zero value does not exist; use NewBroker.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[chan Event[T]]struct{}
	buf    int
	closed bool
}

// NewBroker creates a broker with the default subscriber buffer size.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBuffer)
}

// NewBrokerWithBuffer creates a broker whose subscriber channels buffer up to
// size events.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{subs: make(map[chan Event[T]]struct{}), buf: size}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// ctx is canceled or the broker is closed, whichever happens first. On a
// closed broker the channel arrives already closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		dead := make(chan Event[T])
		close(dead)
		return dead
	}

	sub := make(chan Event[T], b.buf)
	b.subs[sub] = struct{}{}
	go b.reapOnCancel(ctx, sub)
	return sub
}

func (b *Broker[T]) reapOnCancel(ctx context.Context, sub chan Event[T]) {
	<-ctx.Done()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Close already shut the channel down.
		return
	}
	delete(b.subs, sub)
	close(sub)
}

// Publish delivers the payload to every subscriber. Non-blocking: a
// subscriber whose buffer is full misses the event.
func (b *Broker[T]) Publish(payload T) {
	ev := Event[T]{Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Close shuts down the broker and every subscription channel. Idempotent.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
