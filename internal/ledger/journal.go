package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marginledger/internal/money"
)

// Line is a single debit or credit posting within a journal entry.
// Exactly one of Debit/Credit must be positive; the other must be zero.
// A debit decreases the account's balance, a credit increases it.
type Line struct {
	AccountID uuid.UUID
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	Currency  string
}

// Amount returns the positive magnitude of the line.
func (l Line) Amount() decimal.Decimal {
	if l.Debit.IsPositive() {
		return l.Debit
	}
	return l.Credit
}

// Delta returns the signed balance effect of the line.
func (l Line) Delta() decimal.Decimal {
	return l.Credit.Sub(l.Debit)
}

// JournalEntry is an atomic, immutable record of a balanced multi-line
// transaction. Created once, never mutated.
type JournalEntry struct {
	ID             uuid.UUID
	TenantID       string
	Description    string
	Lines          []Line
	IdempotencyKey string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// ValidateLines checks the structural constraints on a line set:
// non-empty, every line a positive debit XOR a positive credit, and
// debits balancing credits per currency at minor-unit precision.
func ValidateLines(lines []Line) error {
	if len(lines) == 0 {
		return &ValidationError{Field: "lines", Reason: "must not be empty"}
	}

	debits := make(map[string]decimal.Decimal)
	credits := make(map[string]decimal.Decimal)

	for _, l := range lines {
		if l.AccountID == uuid.Nil {
			return &ValidationError{Field: "lines.accountId", Reason: "must not be empty"}
		}
		if l.Currency == "" {
			return &ValidationError{Field: "lines.currency", Reason: "must not be empty"}
		}
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return &ValidationError{Field: "lines", Reason: "debit and credit must not be negative"}
		}

		hasDebit := l.Debit.IsPositive()
		hasCredit := l.Credit.IsPositive()
		if hasDebit == hasCredit {
			// Both set or neither set
			return &ValidationError{Field: "lines", Reason: "each line needs a positive debit or a positive credit, not both"}
		}

		debits[l.Currency] = debits[l.Currency].Add(l.Debit)
		credits[l.Currency] = credits[l.Currency].Add(l.Credit)
	}

	for currency, d := range debits {
		c := credits[currency]
		if !money.Equal(currency, d, c) {
			return &UnbalancedEntryError{Currency: currency, Debits: d, Credits: c}
		}
	}
	for currency, c := range credits {
		if _, ok := debits[currency]; !ok && c.IsPositive() {
			return &UnbalancedEntryError{Currency: currency, Debits: decimal.Zero, Credits: c}
		}
	}

	return nil
}
