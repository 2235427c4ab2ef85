package margin

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary of the margin position manager.
// Implementations return ErrNotFound for absent records. The manager is
// the exclusive owner of margin accounts, positions, risk params, and
// liquidation events.
type Store interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error
	UpdateAccount(ctx context.Context, account *Account) error
	FindAccounts(ctx context.Context, userID, tenantID, brokerID string) ([]*Account, error)

	GetPosition(ctx context.Context, id uuid.UUID) (*Position, error)
	CreatePosition(ctx context.Context, position *Position) error
	UpdatePosition(ctx context.Context, position *Position) error
	ListOpenPositionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*Position, error)
	ListOpenPositionsBySymbol(ctx context.Context, symbol string) ([]*Position, error)
	ListOpenSymbols(ctx context.Context) ([]string, error)

	GetRiskParams(ctx context.Context, tenantID string) (*RiskParams, error)
	PutRiskParams(ctx context.Context, params *RiskParams) error

	CreateLiquidationEvent(ctx context.Context, event *LiquidationEvent) error
	ListLiquidationEvents(ctx context.Context, accountID uuid.UUID) ([]*LiquidationEvent, error)
}
