package margin

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by Store implementations when a record is absent.
var ErrNotFound = errors.New("margin: record not found")

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InvalidLeverageError reports leverage outside the configured bounds.
type InvalidLeverageError struct {
	Leverage decimal.Decimal
	Min      decimal.Decimal
	Max      decimal.Decimal
}

func (e *InvalidLeverageError) Error() string {
	return fmt.Sprintf("leverage %s outside allowed range [%s, %s]",
		e.Leverage.String(), e.Min.String(), e.Max.String())
}

// InsufficientMarginError reports a required initial margin exceeding
// the account's available balance.
type InsufficientMarginError struct {
	AccountID uuid.UUID
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("insufficient margin on account %s: required=%s available=%s",
		e.AccountID, e.Required.String(), e.Available.String())
}

// AccountNotFoundError reports a reference to an unknown margin account.
type AccountNotFoundError struct {
	AccountID uuid.UUID
	UserID    string
}

func (e *AccountNotFoundError) Error() string {
	if e.AccountID != uuid.Nil {
		return fmt.Sprintf("margin account %s not found", e.AccountID)
	}
	return fmt.Sprintf("no margin account found for user %s", e.UserID)
}

// PositionNotFoundError reports a reference to an unknown position.
type PositionNotFoundError struct {
	PositionID uuid.UUID
}

func (e *PositionNotFoundError) Error() string {
	return fmt.Sprintf("position %s not found", e.PositionID)
}

// PositionAlreadyClosedError reports an operation on a terminal-state
// position.
type PositionAlreadyClosedError struct {
	PositionID uuid.UUID
	Status     PositionStatus
}

func (e *PositionAlreadyClosedError) Error() string {
	return fmt.Sprintf("position %s is already %s", e.PositionID, e.Status)
}
