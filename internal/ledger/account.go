package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStatus represents the lifecycle state of a ledger account.
// Accounts are never physically deleted; closing is terminal.
type AccountStatus int32

const (
	AccountStatusActive AccountStatus = iota
	AccountStatusClosed
)

func (s AccountStatus) String() string {
	switch s {
	case AccountStatusActive:
		return "active"
	case AccountStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Account identifies a ledger participant. Balance and AvailableBalance
// are mutated only through journal postings and holds.
//
// Invariants: AvailableBalance <= Balance, and for non-overdraft accounts
// both are never negative. Balance - AvailableBalance == sum of active holds.
type Account struct {
	ID               uuid.UUID
	TenantID         string
	Currency         string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	// Overdraft marks system boundary accounts (deposit funding, PnL pool)
	// that are allowed to carry a negative balance. User accounts never
	// have it set.
	Overdraft bool
	Status    AccountStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsClosed reports whether the account rejects new postings and holds.
func (a *Account) IsClosed() bool {
	return a.Status == AccountStatusClosed
}

// Balance is the read-model returned by balance queries.
type Balance struct {
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
}
