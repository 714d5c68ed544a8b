package subscription

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishReachesSubscribersInOrder(t *testing.T) {
	b := NewBus[string]()
	var got []string
	b.Subscribe(func(e string) { got = append(got, "first:"+e) })
	b.Subscribe(func(e string) { got = append(got, "second:"+e) })

	b.Publish("x")
	assert.Equal(t, []string{"first:x", "second:x"}, got)
	assert.Equal(t, 2, b.Len())
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBus[int]()
	var n int
	cancel := b.Subscribe(func(int) { n++ })

	b.Publish(1)
	cancel()
	cancel()
	b.Publish(2)

	assert.Equal(t, 1, n)
	assert.Equal(t, 0, b.Len())
}

func TestCancelFromHandler(t *testing.T) {
	b := NewBus[int]()
	var calls int
	var cancel func()
	cancel = b.Subscribe(func(int) {
		calls++
		cancel()
	})

	b.Publish(1)
	b.Publish(2)
	assert.Equal(t, 1, calls)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBus[int]()
	var mu sync.Mutex
	total := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel := b.Subscribe(func(int) {
				mu.Lock()
				total++
				mu.Unlock()
			})
			defer cancel()
		}()
		go func(i int) {
			defer wg.Done()
			b.Publish(i)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, total, 20*20)
	assert.Equal(t, 0, b.Len())
}
