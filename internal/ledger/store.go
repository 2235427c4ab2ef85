package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary of the ledger engine. Any backend
// providing read-your-writes within the engine's per-account critical
// sections satisfies it. Implementations return ErrNotFound for absent
// records; the engine maps that to the typed not-found errors.
//
// The engine is the exclusive owner of accounts, journal entries, and
// holds; no other component mutates these records.
type Store interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error
	UpdateAccount(ctx context.Context, account *Account) error

	// ApplyEntry persists the staged account balances (upserting
	// accounts auto-created by the entry) together with the journal
	// entry, all-or-nothing.
	ApplyEntry(ctx context.Context, accounts []*Account, entry *JournalEntry) error
	GetEntryByIdempotencyKey(ctx context.Context, tenantID, key string) (*JournalEntry, error)
	ListEntriesByAccount(ctx context.Context, tenantID string, accountID uuid.UUID) ([]*JournalEntry, error)

	CreateHold(ctx context.Context, hold *Hold) error
	GetHold(ctx context.Context, id uuid.UUID) (*Hold, error)
	UpdateHold(ctx context.Context, hold *Hold) error
	ListHoldsByAccount(ctx context.Context, accountID uuid.UUID) ([]*Hold, error)
	ListActiveHolds(ctx context.Context) ([]*Hold, error)
}
