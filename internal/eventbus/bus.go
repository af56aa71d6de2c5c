// Package eventbus fans events out to in-process subscribers.
package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize           = 128
	defaultDropWarningThreshold = 0.01
	defaultDropWarningInterval  = 30 * time.Second
)

// Errors returned by Attach.
var (
	ErrClosed          = errors.New("event bus closed")
	ErrTooManyWatchers = errors.New("too many subscribers")
)

// Options configures a Bus.
type Options struct {
	Name string
	// BufferSize is each subscriber's channel capacity.
	BufferSize int
	// HistorySize keeps the last N events for late subscribers.
	HistorySize int
	// MaxSubscribers caps concurrent subscriptions; zero means unlimited.
	MaxSubscribers int
	Logger         *slog.Logger
}

// Bus delivers every published event to every subscriber whose filter
// accepts it. Delivery never blocks the publisher: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus[T any] struct {
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	subscribers map[uint64]subscription[T]
	nextID      uint64
	closed      bool
	closeOnce   sync.Once

	history      []T
	historyNext  int
	historyCount int

	published   atomic.Int64
	dropped     atomic.Int64
	lastWarning atomic.Int64
}

type subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
}

// New creates a bus. It closes itself when ctx is done.
func New[T any](ctx context.Context, opts Options) *Bus[T] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Name == "" {
		opts.Name = "events"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Bus[T]{
		opts:        opts,
		log:         logger.With("bus", opts.Name),
		subscribers: make(map[uint64]subscription[T]),
	}
	if opts.HistorySize > 0 {
		b.history = make([]T, opts.HistorySize)
	}
	if ctx != nil {
		if done := ctx.Done(); done != nil {
			go func() {
				<-done
				b.Close()
			}()
		}
	}
	return b
}

// Subscribe receives every event. The returned cancel func closes the
// channel and is safe to call more than once.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

// SubscribeFiltered receives events for which filter returns true.
// A closed channel is returned if the bus is closed or full.
func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	ch, cancel, err := b.Attach(filter)
	if err != nil {
		closed := make(chan T)
		close(closed)
		return closed, func() {}
	}
	return ch, cancel
}

// Attach is SubscribeFiltered with the refusal reason reported.
func (b *Bus[T]) Attach(filter func(T) bool) (<-chan T, func(), error) {
	ch := make(chan T, b.opts.BufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if b.opts.MaxSubscribers > 0 && len(b.subscribers) >= b.opts.MaxSubscribers {
		b.mu.Unlock()
		return nil, nil, ErrTooManyWatchers
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = subscription[T]{id: id, ch: ch, filter: filter}
	b.mu.Unlock()

	return ch, func() { b.remove(id) }, nil
}

// Publish delivers ev to all matching subscribers without blocking.
func (b *Bus[T]) Publish(ev T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.appendHistoryLocked(ev)
	subs := make([]subscription[T], 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, s := range subs {
		if !b.allows(s, ev) {
			continue
		}
		if !b.trySend(s, ev) {
			b.dropped.Add(1)
			b.maybeWarnDropRate()
		}
	}
}

// trySend recovers from a send on a channel closed by a concurrent cancel.
func (b *Bus[T]) trySend(s subscription[T], ev T) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (b *Bus[T]) allows(s subscription[T], ev T) (ok bool) {
	if s.filter == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			b.log.Warn("subscriber filter panicked, dropping subscriber", "subscriber", s.id)
			b.remove(s.id)
			ok = false
		}
	}()
	return s.filter(ev)
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	s, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(s.ch)
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, s := range subs {
			close(s.ch)
		}
	})
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats returns published and dropped counters.
func (b *Bus[T]) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// History returns up to n of the most recent events, oldest first.
// n <= 0 returns everything kept.
func (b *Bus[T]) History(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.historyCount == 0 {
		return nil
	}
	total := b.historyCount
	if n <= 0 || n > total {
		n = total
	}
	var start int
	if total == len(b.history) {
		start = (b.historyNext - n + len(b.history)) % len(b.history)
	} else {
		start = total - n
	}

	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}

func (b *Bus[T]) appendHistoryLocked(ev T) {
	if len(b.history) == 0 {
		return
	}
	b.history[b.historyNext] = ev
	if b.historyCount < len(b.history) {
		b.historyCount++
	}
	b.historyNext = (b.historyNext + 1) % len(b.history)
}

func (b *Bus[T]) maybeWarnDropRate() {
	published := b.published.Load()
	dropped := b.dropped.Load()
	if published == 0 || dropped == 0 {
		return
	}
	rate := float64(dropped) / float64(published)
	if rate < defaultDropWarningThreshold {
		return
	}

	now := time.Now()
	last := b.lastWarning.Load()
	if last > 0 && now.Sub(time.Unix(0, last)) < defaultDropWarningInterval {
		return
	}
	if !b.lastWarning.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	b.log.Warn("slow subscribers are missing events",
		"drop_rate_pct", rate*100, "dropped", dropped, "published", published)
}
