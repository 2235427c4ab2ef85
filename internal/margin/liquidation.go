package margin

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidationEvent is the immutable record of a forced close: the price
// and size at execution, the realized PnL, the penalty charged, the
// margin ratio that triggered it, and the stated reason.
type LiquidationEvent struct {
	ID         uuid.UUID
	PositionID uuid.UUID
	AccountID  uuid.UUID
	TenantID   string
	Symbol     string

	Price       decimal.Decimal
	Size        decimal.Decimal
	RealizedPnl decimal.Decimal
	Penalty     decimal.Decimal
	MarginRatio decimal.Decimal

	Reason    string
	CreatedAt time.Time
}
