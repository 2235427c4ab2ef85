package margin

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType distinguishes isolated and cross margin accounts.
type AccountType int32

const (
	AccountTypeIsolated AccountType = iota
	AccountTypeCross
)

func (t AccountType) String() string {
	switch t {
	case AccountTypeIsolated:
		return "isolated"
	case AccountTypeCross:
		return "cross"
	default:
		return "unknown"
	}
}

// ParseAccountType maps the wire representation to an AccountType.
func ParseAccountType(s string) (AccountType, bool) {
	switch s {
	case "isolated":
		return AccountTypeIsolated, true
	case "cross":
		return AccountTypeCross, true
	default:
		return 0, false
	}
}

// AccountStatus tracks the margin account lifecycle.
type AccountStatus int32

const (
	AccountStatusActive AccountStatus = iota
	AccountStatusMarginCall
	AccountStatusLiquidation
	AccountStatusSuspended
	AccountStatusClosed
)

func (s AccountStatus) String() string {
	switch s {
	case AccountStatusActive:
		return "active"
	case AccountStatusMarginCall:
		return "margin_call"
	case AccountStatusLiquidation:
		return "liquidation"
	case AccountStatusSuspended:
		return "suspended"
	case AccountStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransitionTo validates account status transitions. Suspended and
// closed are administrative and terminal.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	validTransitions := map[AccountStatus][]AccountStatus{
		AccountStatusActive: {
			AccountStatusMarginCall,
			AccountStatusLiquidation,
			AccountStatusSuspended,
			AccountStatusClosed,
		},
		AccountStatusMarginCall: {
			AccountStatusActive, // Topped up or positions closed
			AccountStatusLiquidation,
			AccountStatusSuspended,
			AccountStatusClosed,
		},
		AccountStatusLiquidation: {
			AccountStatusActive, // All positions force-closed
			AccountStatusMarginCall,
			AccountStatusSuspended,
			AccountStatusClosed,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s AccountStatus) IsTerminal() bool {
	return s == AccountStatusSuspended || s == AccountStatusClosed
}

// Account is a leveraged trading account. Its equity is backed by a
// ledger account; all balance movement goes through journal postings
// and holds on that account. Margin accounts are never deleted, only
// closed.
type Account struct {
	ID       uuid.UUID
	UserID   string
	TenantID string
	BrokerID string
	Type     AccountType
	// Symbol restricts an isolated account to one market; empty for cross.
	Symbol string

	// LedgerAccountID is the backing ledger account holding the equity.
	LedgerAccountID uuid.UUID
	Currency        string

	TotalEquity      decimal.Decimal
	UsedMargin       decimal.Decimal
	AvailableBalance decimal.Decimal
	// MarginLevel = TotalEquity / UsedMargin * 100, 0 when no margin used.
	MarginLevel decimal.Decimal
	MaxLeverage decimal.Decimal

	// RiskScore in [0, 100]; high scores cap the allowed leverage.
	RiskScore int

	Status    AccountStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnedBy reports whether the account belongs to the given caller.
func (a *Account) OwnedBy(userID, tenantID, brokerID string) bool {
	return a.UserID == userID && a.TenantID == tenantID && a.BrokerID == brokerID
}
