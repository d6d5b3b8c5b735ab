// Package queue hands device records from the MQTT receive path to the
// processing loop without ever blocking the receive path.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/ble-trans/logger"
	"github.com/eddielth/ble-trans/record"
)

// DefaultCapacity is used when a queue is created with a non-positive size.
const DefaultCapacity = 4096

// ErrTimeout is returned by Get when no item arrived within the poll interval.
// It is the loop's liveness tick, not a failure.
var ErrTimeout = errors.New("queue: timeout waiting for item")

// Queue is a bounded FIFO that drops its oldest item when full.
type Queue struct {
	name    string
	items   chan record.QueueItem
	putMu   sync.Mutex
	dropped atomic.Uint64
	queued  atomic.Uint64
}

// New creates a queue holding up to capacity items.
func New(name string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		name:  name,
		items: make(chan record.QueueItem, capacity),
	}
}

// Put enqueues item. When the queue is full the oldest item is discarded.
func (q *Queue) Put(item record.QueueItem) {
	q.putMu.Lock()
	defer q.putMu.Unlock()

	for {
		select {
		case q.items <- item:
			q.queued.Add(1)
			return
		default:
		}

		select {
		case old := <-q.items:
			n := q.dropped.Add(1)
			logger.Warn("queue %s full, dropped oldest record from %s (%s), %d dropped so far",
				q.name, old.GatewayID, old.Device.MAC, n)
		default:
		}
	}
}

// Get waits up to timeout for the next item.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (record.QueueItem, error) {
	select {
	case item := <-q.items:
		return item, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-q.items:
		return item, nil
	case <-timer.C:
		return record.QueueItem{}, ErrTimeout
	case <-ctx.Done():
		return record.QueueItem{}, ctx.Err()
	}
}

// Len returns the number of items waiting.
func (q *Queue) Len() int {
	return len(q.items)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Name     string `json:"name"`
	Pending  int    `json:"pending"`
	Capacity int    `json:"capacity"`
	Queued   uint64 `json:"queued"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Name:     q.name,
		Pending:  len(q.items),
		Capacity: cap(q.items),
		Queued:   q.queued.Load(),
		Dropped:  q.dropped.Load(),
	}
}
