package eventbus

import (
	"sort"
	"sync"
)

// Sequencer hands items to a sink in FIFO order per key, with no ordering
// between keys. Each key with pending items has exactly one goroutine
// draining it; the goroutine exits when the key's queue is empty.
//
// When less is set, each drained batch is stable-sorted with it first, so
// items that were produced in order but accepted slightly out of order are
// put back in production order.
type Sequencer[K comparable, T any] struct {
	sink func(T)
	less func(a, b T) bool

	mu     sync.Mutex
	lanes  map[K]*lane[T]
	closed bool
	wg     sync.WaitGroup
}

type lane[T any] struct {
	queue []T
}

// NewSequencer creates a sequencer that delivers to sink. less may be nil.
func NewSequencer[K comparable, T any](sink func(T), less func(a, b T) bool) *Sequencer[K, T] {
	return &Sequencer[K, T]{
		sink:  sink,
		less:  less,
		lanes: make(map[K]*lane[T]),
	}
}

// Submit queues item under key. It never blocks on the sink. Items
// submitted after Close are dropped and Submit reports false.
func (s *Sequencer[K, T]) Submit(key K, item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if l, ok := s.lanes[key]; ok {
		l.queue = append(l.queue, item)
		return true
	}

	l := &lane[T]{queue: []T{item}}
	s.lanes[key] = l
	s.wg.Add(1)
	go s.drain(key, l)
	return true
}

func (s *Sequencer[K, T]) drain(key K, l *lane[T]) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		s.mu.Unlock()

		if s.less != nil && len(batch) > 1 {
			sort.SliceStable(batch, func(i, j int) bool { return s.less(batch[i], batch[j]) })
		}
		for _, item := range batch {
			s.sink(item)
		}
	}
}

// Close stops accepting items and waits for queued items to be delivered.
func (s *Sequencer[K, T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Pending returns the number of keys with undelivered items.
func (s *Sequencer[K, T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}
