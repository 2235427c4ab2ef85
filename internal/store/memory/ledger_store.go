package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"marginledger/internal/ledger"
)

// LedgerStore is an in-memory ledger.Store.
type LedgerStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*ledger.Account
	entries  map[uuid.UUID]*ledger.JournalEntry
	// entryOrder preserves insertion order for listings.
	entryOrder []uuid.UUID
	idemIndex  map[string]uuid.UUID
	holds      map[uuid.UUID]*ledger.Hold
	holdOrder  []uuid.UUID
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts:  make(map[uuid.UUID]*ledger.Account),
		entries:   make(map[uuid.UUID]*ledger.JournalEntry),
		idemIndex: make(map[string]uuid.UUID),
		holds:     make(map[uuid.UUID]*ledger.Hold),
	}
}

func cloneAccount(a *ledger.Account) *ledger.Account {
	c := *a
	return &c
}

func cloneEntry(e *ledger.JournalEntry) *ledger.JournalEntry {
	c := *e
	c.Lines = make([]ledger.Line, len(e.Lines))
	copy(c.Lines, e.Lines)
	c.Metadata = cloneMetadata(e.Metadata)
	return &c
}

func cloneHold(h *ledger.Hold) *ledger.Hold {
	c := *h
	c.ExpiresAt = cloneTime(h.ExpiresAt)
	c.ResolvedAt = cloneTime(h.ResolvedAt)
	c.Metadata = cloneMetadata(h.Metadata)
	return &c
}

func idemIndexKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func (s *LedgerStore) GetAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *LedgerStore) CreateAccount(ctx context.Context, account *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (s *LedgerStore) UpdateAccount(ctx context.Context, account *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; !ok {
		return ledger.ErrNotFound
	}
	s.accounts[account.ID] = cloneAccount(account)
	return nil
}

// ApplyEntry upserts the accounts and records the entry under one
// mutex acquisition, so readers never observe a half-applied posting.
func (s *LedgerStore) ApplyEntry(ctx context.Context, accounts []*ledger.Account, entry *ledger.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		s.accounts[a.ID] = cloneAccount(a)
	}
	s.entries[entry.ID] = cloneEntry(entry)
	s.entryOrder = append(s.entryOrder, entry.ID)
	if entry.IdempotencyKey != "" {
		s.idemIndex[idemIndexKey(entry.TenantID, entry.IdempotencyKey)] = entry.ID
	}
	return nil
}

func (s *LedgerStore) GetEntryByIdempotencyKey(ctx context.Context, tenantID, key string) (*ledger.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.idemIndex[idemIndexKey(tenantID, key)]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneEntry(s.entries[id]), nil
}

func (s *LedgerStore) ListEntriesByAccount(ctx context.Context, tenantID string, accountID uuid.UUID) ([]*ledger.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.JournalEntry
	for _, id := range s.entryOrder {
		e := s.entries[id]
		if e.TenantID != tenantID {
			continue
		}
		for _, l := range e.Lines {
			if l.AccountID == accountID {
				out = append(out, cloneEntry(e))
				break
			}
		}
	}
	return out, nil
}

func (s *LedgerStore) CreateHold(ctx context.Context, hold *ledger.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[hold.ID] = cloneHold(hold)
	s.holdOrder = append(s.holdOrder, hold.ID)
	return nil
}

func (s *LedgerStore) GetHold(ctx context.Context, id uuid.UUID) (*ledger.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneHold(h), nil
}

func (s *LedgerStore) UpdateHold(ctx context.Context, hold *ledger.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.holds[hold.ID]; !ok {
		return ledger.ErrNotFound
	}
	s.holds[hold.ID] = cloneHold(hold)
	return nil
}

func (s *LedgerStore) ListHoldsByAccount(ctx context.Context, accountID uuid.UUID) ([]*ledger.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.Hold
	for _, id := range s.holdOrder {
		if h := s.holds[id]; h.AccountID == accountID {
			out = append(out, cloneHold(h))
		}
	}
	return out, nil
}

func (s *LedgerStore) ListActiveHolds(ctx context.Context) ([]*ledger.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.Hold
	for _, id := range s.holdOrder {
		if h := s.holds[id]; h.Status == ledger.HoldStatusActive {
			out = append(out, cloneHold(h))
		}
	}
	return out, nil
}
