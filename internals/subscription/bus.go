package subscription

import (
	"sync"
	"sync/atomic"
)

type subscriber[E any] struct {
	fn     func(E)
	active atomic.Bool
}

// Bus fans events out to subscribers. Handlers run on the publishing
// goroutine, in subscription order, and must not block.
type Bus[E any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber[E]
	order  []uint64
}

func NewBus[E any]() *Bus[E] {
	return &Bus[E]{subs: make(map[uint64]*subscriber[E])}
}

// Subscribe registers fn and returns its cancel handle. Cancel is idempotent;
// once it returns, fn is not called again.
func (b *Bus[E]) Subscribe(fn func(E)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber[E]{fn: fn}
	sub.active.Store(true)
	b.subs[id] = sub
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			sub.active.Store(false)
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers e to every current subscriber.
func (b *Bus[E]) Publish(e E) {
	b.mu.RLock()
	subs := make([]*subscriber[E], 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.active.Load() {
			s.fn(e)
		}
	}
}

// Len returns the number of active subscribers.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
