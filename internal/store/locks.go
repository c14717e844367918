package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LockTable hands out per-key exclusive locks whose acquisition can time out.
// Each key is a one slot semaphore so waiting can be abandoned, which a
// sync.Mutex does not allow.
type LockTable struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{slots: make(map[string]chan struct{})}
}

func (t *LockTable) slot(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.slots[key] = ch
	}
	return ch
}

// Acquire locks keys in the given order. The timeout bounds the total wait.
// On failure every lock taken so far is released and the error wraps
// ErrContention (timeout) or the context error.
func (t *LockTable) Acquire(ctx context.Context, keys []string, timeout time.Duration) (release func(), err error) {
	held := make([]chan struct{}, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, key := range keys {
		ch := t.slot(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-timer.C:
			releaseAll()
			return nil, fmt.Errorf("%w: waiting for %s after %s", ErrContention, key, timeout)
		case <-ctx.Done():
			releaseAll()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
