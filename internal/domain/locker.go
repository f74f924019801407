package domain

import (
	"context"
	"sync"
)

// KeyedLocker is an in-process RunLocker. It only serialises runs within one
// process; deployments with several replicas need a shared lock such as the
// Postgres advisory locker.
type KeyedLocker struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

// NewKeyedLocker constructs an empty KeyedLocker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locked: make(map[string]struct{})}
}

// Lock implements RunLocker. It never blocks.
func (l *KeyedLocker) Lock(_ context.Context, userID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.locked[userID]; busy {
		return nil, ErrRunInProgress
	}
	l.locked[userID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locked, userID)
			l.mu.Unlock()
		})
	}, nil
}
