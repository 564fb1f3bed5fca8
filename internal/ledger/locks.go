package ledger

import (
	"sync"
	"time"
)

// ownerLocks serializes mutations per owner within this process. Postgres row
// locks still guard against other processes; this layer keeps lock waits
// bounded and lets us surface ErrBusy instead of queueing indefinitely.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[string]chan struct{})}
}

// acquire takes the lock for key, waiting at most wait. Returns false if the
// lock could not be acquired in time.
func (ol *ownerLocks) acquire(key string, wait time.Duration) bool {
	ol.mu.Lock()
	ch, ok := ol.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ol.locks[key] = ch
	}
	ol.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (ol *ownerLocks) release(key string) {
	ol.mu.Lock()
	ch, ok := ol.locks[key]
	ol.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
	}
}
