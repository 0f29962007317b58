package commands

import (
	"sync"
)

// lockMap hands out one reader/writer lock per collection name.
// Document operations share a collection's lock. Partition and
// index lifecycle operations hold it exclusively.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newLockMap() *lockMap {
	return &lockMap{locks: map[string]*sync.RWMutex{}}
}

func (lm *lockMap) get(key string) *sync.RWMutex {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	mu, ok := lm.locks[key]

	if !ok {
		mu = &sync.RWMutex{}
		lm.locks[key] = mu
	}

	return mu
}

// Lock locks key exclusively and returns the function that unlocks it
func (lm *lockMap) Lock(key string) func() {
	mu := lm.get(key)
	mu.Lock()

	return mu.Unlock
}

// RLock locks key for shared access and returns the function that unlocks it
func (lm *lockMap) RLock(key string) func() {
	mu := lm.get(key)
	mu.RLock()

	return mu.RUnlock
}
