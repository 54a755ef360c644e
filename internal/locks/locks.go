package locks

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker serializes work per key within the process
//
//go:generate mockgen -source=locks.go -destination=../mocks/locks.go -package=mocks -mock_names=Locker=MockLocker
type Locker interface {
	// Lock acquires every key, sorted and deduplicated, and returns the function releasing them.
	// It blocks until all keys are held or ctx is done.
	Lock(ctx context.Context, keys ...string) (func(), error)
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

type keyedLocker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewKeyedLocker creates an in-process keyed lock
func NewKeyedLocker() Locker {
	return &keyedLocker{entries: make(map[string]*entry)}
}

func (l *keyedLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]string, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
		held = nil
	}

	for _, key := range sorted {
		e := l.acquireEntry(key)
		if err := e.sem.Acquire(ctx, 1); err != nil {
			l.dropEntry(key)
			release()
			return nil, fmt.Errorf("failed to lock %s: %w", key, err)
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *keyedLocker) acquireEntry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *keyedLocker) unlock(key string) {
	l.mu.Lock()
	e := l.entries[key]
	l.mu.Unlock()

	e.sem.Release(1)
	l.dropEntry(key)
}

func (l *keyedLocker) dropEntry(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size returns the number of keys currently tracked
func (l *keyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
