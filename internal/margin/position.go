package margin

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side int32

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// ParseSide maps the wire representation to a Side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "long":
		return SideLong, true
	case "short":
		return SideShort, true
	default:
		return 0, false
	}
}

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionStatus tracks the position lifecycle. Closed and liquidated
// are terminal; entry, size, and leverage are immutable after creation.
type PositionStatus int32

const (
	PositionStatusOpen PositionStatus = iota
	PositionStatusClosing
	PositionStatusClosed
	PositionStatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "open"
	case PositionStatusClosing:
		return "closing"
	case PositionStatusClosed:
		return "closed"
	case PositionStatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// CanTransitionTo validates position status transitions.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusOpen: {
			PositionStatusClosing,
			PositionStatusClosed,
			PositionStatusLiquidated,
		},
		PositionStatusClosing: {
			PositionStatusClosed,
			PositionStatusLiquidated,
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

// IsTerminal reports whether the position can transition no further.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusClosed || s == PositionStatusLiquidated
}

// Position is a leveraged exposure on one symbol. Size is denominated
// in base-asset units; PnL on a full close is
// (exit - entry) * size * side sign, in the account currency.
type Position struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	TenantID  string
	Symbol    string
	Side      Side
	OrderType string

	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   decimal.Decimal

	CurrentPrice      decimal.Decimal
	InitialMargin     decimal.Decimal
	MaintenanceMargin decimal.Decimal
	LiquidationPrice  decimal.Decimal
	UnrealizedPnl     decimal.Decimal
	RealizedPnl       decimal.Decimal

	// HoldID references the ledger hold reserving the initial margin.
	HoldID uuid.UUID

	Status    PositionStatus
	OpenedAt  time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}
