package hub

import (
	"context"
	"sync"
)

// memoryBroker connects hubs inside one test process. Delivery is
// synchronous.
type memoryBroker struct {
	mu     sync.RWMutex
	next   int
	topics map[string]map[int]func(Envelope)
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{topics: make(map[string]map[int]func(Envelope))}
}

func (b *memoryBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	subs := make([]func(Envelope), 0, len(b.topics[env.Room]))
	for _, fn := range b.topics[env.Room] {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(env)
	}
	return nil
}

func (b *memoryBroker) Subscribe(_ context.Context, room string, fn func(Envelope)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	key := b.next
	if b.topics[room] == nil {
		b.topics[room] = make(map[int]func(Envelope))
	}
	b.topics[room][key] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.topics[room], key)
			if len(b.topics[room]) == 0 {
				delete(b.topics, room)
			}
		})
	}, nil
}

func (b *memoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string]map[int]func(Envelope))
	return nil
}

// subscribers returns the number of handlers registered for room.
func (b *memoryBroker) subscribers(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[room])
}
