package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by Store implementations when a record is absent.
// The engine maps it to the typed not-found errors below.
var ErrNotFound = errors.New("ledger: record not found")

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// UnbalancedEntryError reports journal lines whose debits and credits
// do not sum to the same amount at minor-unit precision.
type UnbalancedEntryError struct {
	Currency string
	Debits   decimal.Decimal
	Credits  decimal.Decimal
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("unbalanced entry for %s: debits=%s credits=%s",
		e.Currency, e.Debits.String(), e.Credits.String())
}

// InsufficientAvailableBalanceError reports a reservation or debit
// exceeding what the account has available.
type InsufficientAvailableBalanceError struct {
	AccountID uuid.UUID
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientAvailableBalanceError) Error() string {
	return fmt.Sprintf("insufficient available balance on account %s: requested=%s available=%s",
		e.AccountID, e.Requested.String(), e.Available.String())
}

// AccountNotFoundError reports a reference to an unknown account.
type AccountNotFoundError struct {
	AccountID uuid.UUID
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account %s not found", e.AccountID)
}

// HoldNotFoundError reports a reference to an unknown or already
// terminal hold.
type HoldNotFoundError struct {
	HoldID uuid.UUID
}

func (e *HoldNotFoundError) Error() string {
	return fmt.Sprintf("hold %s not found or no longer active", e.HoldID)
}
