package cache

import "sync"

// keyLocks hands out refcounted per-identifier RW locks. Writers of one id are
// serialized while readers of the same id share the lock.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.RWMutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*entryLock)}
}

func (k *keyLocks) acquire(id string) *entryLock {
	k.mu.Lock()
	lock := k.locks[id]
	if lock == nil {
		lock = &entryLock{}
		k.locks[id] = lock
	}
	lock.refs++
	k.mu.Unlock()
	return lock
}

func (k *keyLocks) release(id string, lock *entryLock) {
	k.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()
}

// lock takes the exclusive lock for id and returns its release func.
func (k *keyLocks) lock(id string) func() {
	lock := k.acquire(id)
	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.release(id, lock)
	}
}

// rlock takes the shared lock for id and returns its release func.
func (k *keyLocks) rlock(id string) func() {
	lock := k.acquire(id)
	lock.mu.RLock()
	return func() {
		lock.mu.RUnlock()
		k.release(id, lock)
	}
}
