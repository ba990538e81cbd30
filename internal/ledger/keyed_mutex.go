package ledger

import (
	"sort"
	"sync"
)

// keyedMutex serializes operations per (user, asset) key while letting
// disjoint keys proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (km *keyedMutex) get(key string) *sync.Mutex {
	km.mu.Lock()
	defer km.mu.Unlock()
	l, ok := km.locks[key]
	if !ok {
		l = &sync.Mutex{}
		km.locks[key] = l
	}
	return l
}

// Lock acquires the mutex for key.
func (km *keyedMutex) Lock(key string) {
	km.get(key).Lock()
}

// Unlock releases the mutex for key.
func (km *keyedMutex) Unlock(key string) {
	km.get(key).Unlock()
}

// LockAll acquires the mutexes for all keys in sorted order so two-party
// operations cannot deadlock against each other. Duplicate keys are locked
// once.
func (km *keyedMutex) LockAll(keys ...string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)
	for _, k := range uniq {
		km.Lock(k)
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			km.Unlock(uniq[i])
		}
	}
}
