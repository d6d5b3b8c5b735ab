package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eddielth/ble-trans/record"
)

// Advertisements is the name of the queue carrying advertisement records.
const Advertisements = "adv"

// Set holds the named queues of one scanner.
type Set struct {
	capacity int
	mu       sync.RWMutex
	queues   map[string]*Queue
}

// NewSet creates an empty set whose queues hold up to capacity items each.
func NewSet(capacity int) *Set {
	return &Set{
		capacity: capacity,
		queues:   make(map[string]*Queue),
	}
}

// Queue returns the named queue, creating it on first use.
func (s *Set) Queue(name string) *Queue {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if ok {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok = s.queues[name]; !ok {
		q = New(name, s.capacity)
		s.queues[name] = q
	}
	return q
}

// Put enqueues item on the named queue.
func (s *Set) Put(name string, item record.QueueItem) {
	s.Queue(name).Put(item)
}

// Get waits for an item on the named queue.
func (s *Set) Get(ctx context.Context, name string, timeout time.Duration) (record.QueueItem, error) {
	return s.Queue(name).Get(ctx, timeout)
}

// Stats returns counters for every queue, sorted by name.
func (s *Set) Stats() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Stats, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
