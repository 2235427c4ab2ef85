package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"marginledger/internal/margin"
)

// MarginStore implements margin.Store on Postgres.
type MarginStore struct {
	db *sql.DB
}

func NewMarginStore(db *sql.DB) *MarginStore {
	return &MarginStore{db: db}
}

const marginAccountColumns = `
	id, user_id, tenant_id, broker_id, account_type, symbol, ledger_account_id, currency,
	total_equity, used_margin, available_balance, margin_level, max_leverage, risk_score,
	status, created_at, updated_at`

func scanMarginAccount(row rowScanner) (*margin.Account, error) {
	var a margin.Account
	err := row.Scan(
		&a.ID, &a.UserID, &a.TenantID, &a.BrokerID, &a.Type, &a.Symbol, &a.LedgerAccountID, &a.Currency,
		&a.TotalEquity, &a.UsedMargin, &a.AvailableBalance, &a.MarginLevel, &a.MaxLeverage, &a.RiskScore,
		&a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *MarginStore) GetAccount(ctx context.Context, id uuid.UUID) (*margin.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+marginAccountColumns+` FROM margin_accounts WHERE id = $1`, id)
	a, err := scanMarginAccount(row)
	if err == sql.ErrNoRows {
		return nil, margin.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get margin account: %w", err)
	}
	return a, nil
}

func (s *MarginStore) CreateAccount(ctx context.Context, a *margin.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO margin_accounts (`+marginAccountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, a.ID, a.UserID, a.TenantID, a.BrokerID, a.Type, a.Symbol, a.LedgerAccountID, a.Currency,
		a.TotalEquity, a.UsedMargin, a.AvailableBalance, a.MarginLevel, a.MaxLeverage, a.RiskScore,
		a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create margin account: %w", err)
	}
	return nil
}

func (s *MarginStore) UpdateAccount(ctx context.Context, a *margin.Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE margin_accounts
		SET total_equity = $2, used_margin = $3, available_balance = $4, margin_level = $5,
		    max_leverage = $6, risk_score = $7, status = $8, updated_at = $9
		WHERE id = $1
	`, a.ID, a.TotalEquity, a.UsedMargin, a.AvailableBalance, a.MarginLevel,
		a.MaxLeverage, a.RiskScore, a.Status, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update margin account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return margin.ErrNotFound
	}
	return nil
}

func (s *MarginStore) FindAccounts(ctx context.Context, userID, tenantID, brokerID string) ([]*margin.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+marginAccountColumns+` FROM margin_accounts
		WHERE user_id = $1 AND tenant_id = $2 AND broker_id = $3
		ORDER BY created_at, id
	`, userID, tenantID, brokerID)
	if err != nil {
		return nil, fmt.Errorf("find margin accounts: %w", err)
	}
	defer rows.Close()

	var out []*margin.Account
	for rows.Next() {
		a, err := scanMarginAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan margin account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const positionColumns = `
	id, account_id, tenant_id, symbol, side, order_type, size, entry_price, leverage,
	current_price, initial_margin, maintenance_margin, liquidation_price,
	unrealized_pnl, realized_pnl, hold_id, status, opened_at, updated_at, closed_at`

func scanPosition(row rowScanner) (*margin.Position, error) {
	var p margin.Position
	err := row.Scan(
		&p.ID, &p.AccountID, &p.TenantID, &p.Symbol, &p.Side, &p.OrderType, &p.Size, &p.EntryPrice, &p.Leverage,
		&p.CurrentPrice, &p.InitialMargin, &p.MaintenanceMargin, &p.LiquidationPrice,
		&p.UnrealizedPnl, &p.RealizedPnl, &p.HoldID, &p.Status, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MarginStore) GetPosition(ctx context.Context, id uuid.UUID) (*margin.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM margin_positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, margin.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (s *MarginStore) CreatePosition(ctx context.Context, p *margin.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO margin_positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, p.ID, p.AccountID, p.TenantID, p.Symbol, p.Side, p.OrderType, p.Size, p.EntryPrice, p.Leverage,
		p.CurrentPrice, p.InitialMargin, p.MaintenanceMargin, p.LiquidationPrice,
		p.UnrealizedPnl, p.RealizedPnl, p.HoldID, p.Status, p.OpenedAt, p.UpdatedAt, p.ClosedAt)
	if err != nil {
		return fmt.Errorf("create position: %w", err)
	}
	return nil
}

func (s *MarginStore) UpdatePosition(ctx context.Context, p *margin.Position) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE margin_positions
		SET current_price = $2, unrealized_pnl = $3, realized_pnl = $4, status = $5,
		    updated_at = $6, closed_at = $7
		WHERE id = $1
	`, p.ID, p.CurrentPrice, p.UnrealizedPnl, p.RealizedPnl, p.Status, p.UpdatedAt, p.ClosedAt)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return margin.ErrNotFound
	}
	return nil
}

func (s *MarginStore) ListOpenPositionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*margin.Position, error) {
	return s.listPositions(ctx, `
		SELECT `+positionColumns+` FROM margin_positions
		WHERE account_id = $1 AND status IN ($2, $3)
		ORDER BY opened_at, id
	`, accountID, margin.PositionStatusOpen, margin.PositionStatusClosing)
}

func (s *MarginStore) ListOpenPositionsBySymbol(ctx context.Context, symbol string) ([]*margin.Position, error) {
	return s.listPositions(ctx, `
		SELECT `+positionColumns+` FROM margin_positions
		WHERE symbol = $1 AND status IN ($2, $3)
		ORDER BY opened_at, id
	`, symbol, margin.PositionStatusOpen, margin.PositionStatusClosing)
}

func (s *MarginStore) listPositions(ctx context.Context, query string, args ...any) ([]*margin.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []*margin.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *MarginStore) ListOpenSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT symbol FROM margin_positions
		WHERE status IN ($1, $2) ORDER BY symbol
	`, margin.PositionStatusOpen, margin.PositionStatusClosing)
	if err != nil {
		return nil, fmt.Errorf("list open symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		out = append(out, symbol)
	}
	return out, rows.Err()
}

func (s *MarginStore) GetRiskParams(ctx context.Context, tenantID string) (*margin.RiskParams, error) {
	var p margin.RiskParams
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, min_leverage, max_leverage, maintenance_margin_ratio,
		       margin_call_level, liquidation_level, maintenance_ratio_floor,
		       liquidation_penalty_ratio, high_risk_score, high_risk_max_leverage, quote_currency
		FROM risk_params WHERE tenant_id = $1
	`, tenantID).Scan(
		&p.TenantID, &p.MinLeverage, &p.MaxLeverage, &p.MaintenanceMarginRatio,
		&p.MarginCallLevel, &p.LiquidationLevel, &p.MaintenanceRatioFloor,
		&p.LiquidationPenaltyRatio, &p.HighRiskScore, &p.HighRiskMaxLeverage, &p.QuoteCurrency,
	)
	if err == sql.ErrNoRows {
		return nil, margin.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get risk params: %w", err)
	}
	return &p, nil
}

func (s *MarginStore) PutRiskParams(ctx context.Context, p *margin.RiskParams) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_params (
			tenant_id, min_leverage, max_leverage, maintenance_margin_ratio,
			margin_call_level, liquidation_level, maintenance_ratio_floor,
			liquidation_penalty_ratio, high_risk_score, high_risk_max_leverage, quote_currency
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id) DO UPDATE SET
			min_leverage = EXCLUDED.min_leverage,
			max_leverage = EXCLUDED.max_leverage,
			maintenance_margin_ratio = EXCLUDED.maintenance_margin_ratio,
			margin_call_level = EXCLUDED.margin_call_level,
			liquidation_level = EXCLUDED.liquidation_level,
			maintenance_ratio_floor = EXCLUDED.maintenance_ratio_floor,
			liquidation_penalty_ratio = EXCLUDED.liquidation_penalty_ratio,
			high_risk_score = EXCLUDED.high_risk_score,
			high_risk_max_leverage = EXCLUDED.high_risk_max_leverage,
			quote_currency = EXCLUDED.quote_currency
	`, p.TenantID, p.MinLeverage, p.MaxLeverage, p.MaintenanceMarginRatio,
		p.MarginCallLevel, p.LiquidationLevel, p.MaintenanceRatioFloor,
		p.LiquidationPenaltyRatio, p.HighRiskScore, p.HighRiskMaxLeverage, p.QuoteCurrency)
	if err != nil {
		return fmt.Errorf("put risk params: %w", err)
	}
	return nil
}

func (s *MarginStore) CreateLiquidationEvent(ctx context.Context, e *margin.LiquidationEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO liquidation_events (
			id, position_id, account_id, tenant_id, symbol, price, size,
			realized_pnl, penalty, margin_ratio, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.PositionID, e.AccountID, e.TenantID, e.Symbol, e.Price, e.Size,
		e.RealizedPnl, e.Penalty, e.MarginRatio, e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create liquidation event: %w", err)
	}
	return nil
}

func (s *MarginStore) ListLiquidationEvents(ctx context.Context, accountID uuid.UUID) ([]*margin.LiquidationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, account_id, tenant_id, symbol, price, size,
		       realized_pnl, penalty, margin_ratio, reason, created_at
		FROM liquidation_events WHERE account_id = $1 ORDER BY created_at, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list liquidation events: %w", err)
	}
	defer rows.Close()

	var out []*margin.LiquidationEvent
	for rows.Next() {
		var e margin.LiquidationEvent
		if err := rows.Scan(
			&e.ID, &e.PositionID, &e.AccountID, &e.TenantID, &e.Symbol, &e.Price, &e.Size,
			&e.RealizedPnl, &e.Penalty, &e.MarginRatio, &e.Reason, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan liquidation event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
