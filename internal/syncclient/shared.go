package syncclient

import (
	"errors"
	"sync"
)

var errSharedClosed = errors.New("syncclient: shared resource closed")

// Shared is a process-wide resource opened on first Acquire and torn down
// when the last holder releases it. A later Acquire opens it again.
type Shared[T any] struct {
	mu       sync.Mutex
	open     func() (T, error)
	teardown func(T) error
	value    T
	refs     int
	closed   bool
	onError  func(error)
}

// NewShared builds a Shared around the open and teardown hooks. onError
// receives teardown failures and may be nil.
func NewShared[T any](open func() (T, error), teardown func(T) error, onError func(error)) *Shared[T] {
	return &Shared[T]{open: open, teardown: teardown, onError: onError}
}

// Acquire returns the resource and the function that gives it back. The
// release function is safe to call more than once.
func (s *Shared[T]) Acquire() (T, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if s.closed {
		return zero, nil, errSharedClosed
	}
	if s.refs == 0 {
		value, err := s.open()
		if err != nil {
			return zero, nil, err
		}
		s.value = value
	}
	s.refs++
	value := s.value
	var once sync.Once
	return value, func() { once.Do(s.release) }, nil
}

// Refs reports the number of live holders.
func (s *Shared[T]) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Close tears the resource down regardless of holders and refuses new ones.
func (s *Shared[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.refs == 0 {
		return nil
	}
	s.refs = 0
	return s.teardownLocked()
}

func (s *Shared[T]) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	if err := s.teardownLocked(); err != nil && s.onError != nil {
		s.onError(err)
	}
}

func (s *Shared[T]) teardownLocked() error {
	value := s.value
	var zero T
	s.value = zero
	if s.teardown == nil {
		return nil
	}
	return s.teardown(value)
}
