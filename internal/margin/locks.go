package margin

import (
	"sync"

	"github.com/google/uuid"
)

// accountLocks serializes balance-affecting operations per margin
// account. Ledger-side per-account serialization is handled by the
// ledger engine itself.
type accountLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// Lock acquires one margin account's critical section. Returns the
// unlock func.
func (al *accountLocks) Lock(id uuid.UUID) func() {
	al.mu.Lock()
	l, ok := al.locks[id]
	if !ok {
		l = &sync.Mutex{}
		al.locks[id] = l
	}
	al.mu.Unlock()

	l.Lock()
	return l.Unlock
}
