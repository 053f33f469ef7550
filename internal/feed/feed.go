// Package feed delivers order-change notifications to engine subscribers.
package feed

import (
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/internal/schema"
)

// OrderChange describes one committed order store transition.
type OrderChange struct {
	Order      schema.Order
	Previous   schema.OrderStatus
	Kind       schema.EventKind
	FillAmount decimal.Decimal
	Commission decimal.Decimal
}

// SubscriptionID uniquely identifies a feed subscription.
type SubscriptionID uint64

type subscriber struct {
	ch   chan OrderChange
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Feed fans out order changes to all subscribers. Publish never blocks the
// order store: a subscriber that cannot keep up loses the oldest-pending
// delivery, which is counted.
type Feed struct {
	buffer int

	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscriber
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// New creates a feed whose subscriber channels hold up to buffer changes.
func New(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{
		buffer: buffer,
		subs:   make(map[SubscriptionID]*subscriber),
	}
}

// Subscribe registers a new consumer and returns its delivery channel. The
// channel is closed on Unsubscribe or Close.
func (f *Feed) Subscribe() (SubscriptionID, <-chan OrderChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := SubscriptionID(f.nextID)
	sub := &subscriber{ch: make(chan OrderChange, f.buffer)}
	if f.closed {
		sub.close()
		return id, sub.ch
	}
	f.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes the consumer and closes its channel.
func (f *Feed) Unsubscribe(id SubscriptionID) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	if ok {
		delete(f.subs, id)
	}
	f.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers the change to every subscriber without blocking.
func (f *Feed) Publish(change OrderChange) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, sub := range f.subs {
		select {
		case sub.ch <- change:
		default:
			// Keep the newest change: make room by discarding the oldest.
			select {
			case <-sub.ch:
				f.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- change:
			default:
				f.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many deliveries were lost to subscriber backpressure.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Close terminates the feed and closes all subscriber channels.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]*subscriber, 0, len(f.subs))
	for id, sub := range f.subs {
		subs = append(subs, sub)
		delete(f.subs, id)
	}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
