package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eddielth/ble-trans/logger"
)

// DefaultBuffer is the per subscriber queue length used when none is given.
const DefaultBuffer = 256

// Handler receives advertisement events.
type Handler func(AdvertisementEvent)

// Bus delivers every published event to all subscribers. Each subscriber has
// its own buffered queue and goroutine, so events reach a subscriber in
// publish order and Publish only waits when a subscriber's queue is full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	name      string
	ch        chan AdvertisementEvent
	handler   Handler
	delivered atomic.Uint64
	waits     atomic.Uint64
	dropped   atomic.Uint64
}

// SubscriberStats reports per subscriber counters.
type SubscriberStats struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Delivered uint64 `json:"delivered"`
	Waits     uint64 `json:"waits"`
	Dropped   uint64 `json:"dropped"`
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// Subscribe registers handler under name and returns a function that removes it.
func (b *Bus) Subscribe(name string, handler Handler, buffer int) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("subscriber %s has no handler", name)
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus closed")
	}
	if _, exists := b.subs[name]; exists {
		return nil, fmt.Errorf("subscriber %s already registered", name)
	}

	sub := &subscription{
		name:    name,
		ch:      make(chan AdvertisementEvent, buffer),
		handler: handler,
	}
	b.subs[name] = sub

	b.wg.Add(1)
	go b.run(sub)

	logger.Debug("subscriber %s registered on event bus", name)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(name) })
	}, nil
}

func (b *Bus) unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[name]; ok {
		delete(b.subs, name)
		close(sub.ch)
		logger.Debug("subscriber %s removed from event bus", name)
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev AdvertisementEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber %s panicked on event for %s: %v", sub.name, ev.Address, r)
		}
	}()
	sub.handler(ev)
	sub.delivered.Add(1)
}

// Publish hands ev to every subscriber and returns how many accepted it. When
// a subscriber's queue is full Publish waits for room, so a slow subscriber
// slows the caller instead of losing events. If ctx ends while waiting, the
// subscribers not yet served miss ev and ctx.Err() is returned.
func (b *Bus) Publish(ctx context.Context, ev AdvertisementEvent) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	accepted := 0
	missed := false
	for _, sub := range b.subs {
		if b.send(ctx, sub, ev) {
			accepted++
		} else {
			missed = true
		}
	}

	if missed {
		return accepted, ctx.Err()
	}
	return accepted, nil
}

func (b *Bus) send(ctx context.Context, sub *subscription, ev AdvertisementEvent) bool {
	select {
	case sub.ch <- ev.Clone():
		return true
	default:
	}

	if ctx.Err() == nil {
		n := sub.waits.Add(1)
		if n == 1 || n%1000 == 0 {
			logger.Warn("subscriber %s is not keeping up, publishing waited %d times", sub.name, n)
		}

		select {
		case sub.ch <- ev.Clone():
			return true
		case <-ctx.Done():
		}
	}

	n := sub.dropped.Add(1)
	logger.Warn("subscriber %s missed event for %s on shutdown (%d missed)", sub.name, ev.Address, n)
	return false
}

// Stats returns counters for every subscriber.
func (b *Bus) Stats() []SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SubscriberStats, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, SubscriberStats{
			Name:      sub.name,
			Pending:   len(sub.ch),
			Delivered: sub.delivered.Load(),
			Waits:     sub.waits.Load(),
			Dropped:   sub.dropped.Load(),
		})
	}
	return out
}

// Close stops accepting subscribers, lets every subscriber drain its queue and waits.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for name, sub := range b.subs {
		delete(b.subs, name)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
