package bus

import (
	"context"
	"sync"
)

// LocalBus delivers messages between actors in the same process.
type LocalBus struct {
	mu     sync.RWMutex
	groups map[string]map[uint64]Handler
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewLocal creates an in-process bus.
func NewLocal() *LocalBus {
	return &LocalBus{groups: make(map[string]map[uint64]Handler)}
}

// Publish fans data out to every subscriber of group, one goroutine each.
// Publishing to a group with no subscribers is not an error.
func (b *LocalBus) Publish(ctx context.Context, group string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	// Handlers outlive the publisher's request.
	hctx := context.WithoutCancel(ctx)
	for _, h := range b.groups[group] {
		payload := append([]byte(nil), data...)
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			h(hctx, payload)
		}(h)
	}
	return nil
}

// Subscribe registers h on group.
func (b *LocalBus) Subscribe(group string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	id := b.nextID
	if b.groups[group] == nil {
		b.groups[group] = make(map[uint64]Handler)
	}
	b.groups[group][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.groups[group], id)
		if len(b.groups[group]) == 0 {
			delete(b.groups, group)
		}
	}, nil
}

// Subscribers returns the number of handlers on group.
func (b *LocalBus) Subscribers(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[group])
}

// Close stops accepting messages and waits for in-flight handlers.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.groups = make(map[string]map[uint64]Handler)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
