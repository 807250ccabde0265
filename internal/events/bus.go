package events

import (
	"sync"
	"sync/atomic"

	"github.com/veletrix/warden/internal/debug"
)

// Bus fans events out to subscribers.
//
// Publish never blocks: each subscriber has its own buffered channel and a
// slow subscriber drops messages rather than stalling the supervisor's
// output pumps. A Bus is owned by one Supervisor instance; there is no
// package-level singleton, so independent supervisors (and tests) never
// share state.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Msg
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Msg)}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. Cancelling closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Msg, func()) {
	if buffer < 1 {
		buffer = 256
	}
	ch := make(chan Msg, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber without blocking. Messages to
// full subscriber buffers are dropped and counted.
func (b *Bus) Publish(msg Msg) {
	if msg == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		if !offer(ch, msg) {
			n := b.dropped.Add(1)
			if n == 1 || n%1000 == 0 {
				debug.LogKV("events", "bus dropped messages (subscriber buffer full)",
					"dropped", n, "kind", msg.Kind())
			}
		}
	}
}

// offer attempts a non-blocking send. Subscriber channels are only closed
// while holding the write lock, so a send under the read lock cannot hit a
// closed channel.
func offer(ch chan<- Msg, msg Msg) bool {
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// Dropped returns the total number of messages dropped across subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
