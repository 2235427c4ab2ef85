package margin

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// InitialMargin returns (size * entryPrice) / leverage.
func InitialMargin(size, entryPrice, leverage decimal.Decimal) decimal.Decimal {
	return size.Mul(entryPrice).Div(leverage)
}

// MaintenanceMargin returns size * entryPrice * maintenanceMarginRatio,
// the equity floor below which the position is liquidatable.
func MaintenanceMargin(size, entryPrice, maintenanceMarginRatio decimal.Decimal) decimal.Decimal {
	return size.Mul(entryPrice).Mul(maintenanceMarginRatio)
}

// LiquidationPrice returns the mark price at which unrealized loss
// consumes the position's margin down to the maintenance threshold:
//
//	long:  entry * (1 - 1/leverage + mmr)
//	short: entry * (1 + 1/leverage - mmr)
//
// The direction flips by side: long positions liquidate below entry,
// short positions above. Derived from
// initialMargin + uPnL(price) == maintenanceMargin.
func LiquidationPrice(side Side, entryPrice, leverage, maintenanceMarginRatio decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	inverse := one.Div(leverage)

	var factor decimal.Decimal
	if side == SideLong {
		factor = one.Sub(inverse).Add(maintenanceMarginRatio)
	} else {
		factor = one.Add(inverse).Sub(maintenanceMarginRatio)
	}
	return entryPrice.Mul(factor)
}

// UnrealizedPnl returns (currentPrice - entryPrice) * size * sideSign.
// Size is in base-asset units.
func UnrealizedPnl(side Side, size, entryPrice, currentPrice decimal.Decimal) decimal.Decimal {
	return currentPrice.Sub(entryPrice).Mul(size).Mul(side.Sign())
}

// MarginLevel returns totalEquity / usedMargin * 100, or 0 when no
// margin is in use.
func MarginLevel(totalEquity, usedMargin decimal.Decimal) decimal.Decimal {
	if usedMargin.IsZero() {
		return decimal.Zero
	}
	return totalEquity.Div(usedMargin).Mul(hundred)
}

// MaintenanceRatio returns positionEquity / maintenanceMargin * 100.
// positionEquity is initialMargin + unrealized PnL. At the liquidation
// price it equals the configured maintenance ratio floor (100).
func MaintenanceRatio(positionEquity, maintenanceMargin decimal.Decimal) decimal.Decimal {
	if !maintenanceMargin.IsPositive() {
		return decimal.Zero
	}
	return positionEquity.Div(maintenanceMargin).Mul(hundred)
}
