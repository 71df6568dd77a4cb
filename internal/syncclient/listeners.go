package syncclient

import (
	"context"
	"sync"
)

// listeners fans values out to subscribers, keeping only the newest value
// for a subscriber that has not read the previous one. Only the client loop
// broadcasts.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]chan T
}

func (l *listeners[T]) subscribe(ctx context.Context) (<-chan T, func()) {
	stream := make(chan T, 1)
	l.mu.Lock()
	if l.subs == nil {
		l.subs = make(map[int]chan T)
	}
	l.next++
	id := l.next
	l.subs[id] = stream
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

func (l *listeners[T]) broadcast(value T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, stream := range l.subs {
		select {
		case <-stream:
		default:
		}
		stream <- value
	}
}
