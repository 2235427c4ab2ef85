package margin

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RiskParams defines margin requirements and liquidation thresholds for
// a tenant. Stored per tenant; DefaultRiskParams applies when a tenant
// has no explicit record.
type RiskParams struct {
	TenantID string

	MinLeverage decimal.Decimal
	MaxLeverage decimal.Decimal

	// MaintenanceMarginRatio is the fraction of position notional that
	// must remain as equity (e.g. 0.05 for 5%).
	MaintenanceMarginRatio decimal.Decimal

	// MarginCallLevel and LiquidationLevel are account margin-level
	// percentages (equity / used margin * 100).
	MarginCallLevel  decimal.Decimal
	LiquidationLevel decimal.Decimal

	// MaintenanceRatioFloor is the per-position maintenance ratio
	// percentage at or below which the position is liquidatable. At the
	// position's liquidation price the ratio is exactly this value.
	MaintenanceRatioFloor decimal.Decimal

	// LiquidationPenaltyRatio is the fee charged on the close notional
	// of a liquidated position.
	LiquidationPenaltyRatio decimal.Decimal

	// Accounts with RiskScore >= HighRiskScore get leverage capped at
	// HighRiskMaxLeverage.
	HighRiskScore       int
	HighRiskMaxLeverage decimal.Decimal

	QuoteCurrency string
}

// DefaultRiskParams returns the baseline parameters applied to tenants
// without an explicit record.
func DefaultRiskParams(tenantID string) *RiskParams {
	return &RiskParams{
		TenantID:                tenantID,
		MinLeverage:             decimal.NewFromInt(1),
		MaxLeverage:             decimal.NewFromInt(50),
		MaintenanceMarginRatio:  decimal.RequireFromString("0.05"),
		MarginCallLevel:         decimal.NewFromInt(100),
		LiquidationLevel:        decimal.NewFromInt(50),
		MaintenanceRatioFloor:   decimal.NewFromInt(100),
		LiquidationPenaltyRatio: decimal.RequireFromString("0.005"),
		HighRiskScore:           80,
		HighRiskMaxLeverage:     decimal.NewFromInt(10),
		QuoteCurrency:           "USDT",
	}
}

// Validate checks that risk parameters are within sane ranges:
// 0 < min <= max leverage, 0 < mmr < 1/max (so liquidation price stays
// on the loss side of entry), liquidation level below margin call level.
func (p *RiskParams) Validate() error {
	if !p.MinLeverage.IsPositive() {
		return fmt.Errorf("min_leverage must be > 0, got %s", p.MinLeverage)
	}
	if p.MaxLeverage.LessThan(p.MinLeverage) {
		return fmt.Errorf("max_leverage (%s) must be >= min_leverage (%s)", p.MaxLeverage, p.MinLeverage)
	}
	if !p.MaintenanceMarginRatio.IsPositive() {
		return fmt.Errorf("maintenance_margin_ratio must be > 0, got %s", p.MaintenanceMarginRatio)
	}
	one := decimal.NewFromInt(1)
	if p.MaintenanceMarginRatio.GreaterThanOrEqual(one.Div(p.MaxLeverage)) {
		return fmt.Errorf("maintenance_margin_ratio (%s) must be < 1/max_leverage (%s)",
			p.MaintenanceMarginRatio, one.Div(p.MaxLeverage))
	}
	if !p.LiquidationLevel.IsPositive() {
		return fmt.Errorf("liquidation_level must be > 0, got %s", p.LiquidationLevel)
	}
	if p.MarginCallLevel.LessThanOrEqual(p.LiquidationLevel) {
		return fmt.Errorf("margin_call_level (%s) must be > liquidation_level (%s)",
			p.MarginCallLevel, p.LiquidationLevel)
	}
	if p.LiquidationPenaltyRatio.IsNegative() {
		return fmt.Errorf("liquidation_penalty_ratio must be >= 0, got %s", p.LiquidationPenaltyRatio)
	}
	if p.HighRiskScore < 0 || p.HighRiskScore > 100 {
		return fmt.Errorf("high_risk_score must be in [0, 100], got %d", p.HighRiskScore)
	}
	if p.QuoteCurrency == "" {
		return fmt.Errorf("quote_currency must not be empty")
	}
	return nil
}
