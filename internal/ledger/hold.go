package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HoldStatus tracks the lifecycle of a reservation.
type HoldStatus int32

const (
	HoldStatusActive HoldStatus = iota
	HoldStatusReleased
	HoldStatusExpired
)

func (s HoldStatus) String() string {
	switch s {
	case HoldStatusActive:
		return "active"
	case HoldStatusReleased:
		return "released"
	case HoldStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// CanTransitionTo validates hold state transitions. Released and expired
// are terminal.
func (s HoldStatus) CanTransitionTo(next HoldStatus) bool {
	validTransitions := map[HoldStatus][]HoldStatus{
		HoldStatusActive: {
			HoldStatusReleased,
			HoldStatusExpired,
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

// IsTerminal reports whether the hold can transition no further.
func (s HoldStatus) IsTerminal() bool {
	return s == HoldStatusReleased || s == HoldStatusExpired
}

// Hold is a temporary reservation against an account's available balance.
// It reduces AvailableBalance while active and never touches Balance.
type Hold struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	TenantID    string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Status      HoldStatus
	ExpiresAt   *time.Time
	Metadata    map[string]string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// ExpiredBy reports whether the hold's deadline has passed at now.
// Status is flipped lazily by the engine, so an active hold may already
// be expired by time.
func (h *Hold) ExpiredBy(now time.Time) bool {
	return h.ExpiresAt != nil && !now.Before(*h.ExpiresAt)
}
