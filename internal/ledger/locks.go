package ledger

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// accountLocks provides per-account mutual exclusion. Every operation
// that reads-then-writes an account's balance, available balance, or
// holds runs inside that account's critical section. Multi-account
// postings acquire all touched locks in sorted id order so concurrent
// cross-account entries cannot deadlock.
type accountLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (al *accountLocks) lockFor(id uuid.UUID) *sync.Mutex {
	al.mu.Lock()
	defer al.mu.Unlock()

	l, ok := al.locks[id]
	if !ok {
		l = &sync.Mutex{}
		al.locks[id] = l
	}
	return l
}

// Lock acquires one account's critical section. Returns the unlock func.
func (al *accountLocks) Lock(id uuid.UUID) func() {
	l := al.lockFor(id)
	l.Lock()
	return l.Unlock
}

// LockAll acquires every listed account's critical section in sorted,
// deduplicated id order. Returns a func that releases them in reverse.
func (al *accountLocks) LockAll(ids []uuid.UUID) func() {
	unique := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	sort.Slice(unique, func(i, j int) bool {
		return uuidLess(unique[i], unique[j])
	})

	held := make([]*sync.Mutex, 0, len(unique))
	for _, id := range unique {
		l := al.lockFor(id)
		l.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func uuidLess(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
