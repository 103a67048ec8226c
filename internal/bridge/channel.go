package bridge

import (
	"sync"
	"sync/atomic"
)

// Channel is a replay-latest publication stream. It holds the most recent
// value, replays it to each new subscriber, and delivers every later value to
// all current subscribers in publish order.
type Channel[T any] struct {
	mu     sync.Mutex
	seq    uint64
	latest T
	subs   map[uint64]*subscription[T]
	nextID uint64
}

// subscription serializes deliveries with mu. done is atomic so that fn may
// unsubscribe while a delivery holds mu.
type subscription[T any] struct {
	mu   sync.Mutex
	seen uint64
	fn   func(T)
	done atomic.Bool
}

// NewChannel returns a channel holding initial.
func NewChannel[T any](initial T) *Channel[T] {
	return &Channel[T]{latest: initial, subs: make(map[uint64]*subscription[T])}
}

// Value returns the most recently published value.
func (c *Channel[T]) Value() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Subscribe calls fn with the current value, then with every later value.
// fn runs on the publishing goroutine and must not publish on this channel.
// The returned function cancels the subscription; fn may call it.
func (c *Channel[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	sub := &subscription[T]{fn: fn}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = sub
	seq, latest := c.seq, c.latest
	c.mu.Unlock()

	sub.deliver(seq, latest, true)

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()

		sub.done.Store(true)
	}
}

// Publish stores v and delivers it to every subscriber.
func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.latest = v
	subs := make([]*subscription[T], 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(seq, v, false)
	}
}

// deliver drops values older than the last one delivered, so a replay racing
// with a concurrent publish never reaches the subscriber out of order.
func (s *subscription[T]) deliver(seq uint64, v T, replay bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done.Load() || (seq <= s.seen && !(replay && s.seen == 0)) {
		return
	}
	s.seen = seq
	s.fn(v)
}
