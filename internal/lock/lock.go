// Package lock serializes mutations of a single client across workers.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrContended is returned when the key is held by another worker.
var ErrContended = errors.New("lock held by another worker")

// Locker hands out exclusive, non-blocking locks on string keys.
type Locker interface {
	// TryLock acquires key or fails with ErrContended. The returned func
	// releases it and is safe to call once.
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is a Locker for a single process.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*Local)(nil)

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (l *Local) TryLock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrContended
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
