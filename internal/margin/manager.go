package margin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marginledger/internal/ledger"
	"marginledger/internal/money"
	"marginledger/internal/observability"
)

// Ledger is the manager's view of the ledger engine. It is the only
// path through which margin operations move balances.
// Satisfied by *ledger.Engine.
type Ledger interface {
	CreateAccount(ctx context.Context, tenantID, currency string) (*ledger.Account, error)
	EnsureSystemAccount(ctx context.Context, id uuid.UUID, tenantID, currency string) (*ledger.Account, error)
	PostJournalEntry(ctx context.Context, tenantID, description string, lines []ledger.Line, idempotencyKey string, metadata map[string]string) (*ledger.JournalEntry, error)
	CreateHold(ctx context.Context, tenantID string, accountID uuid.UUID, amount decimal.Decimal, currency, description string, expiresAt *time.Time, metadata map[string]string) (*ledger.Hold, error)
	ReleaseHold(ctx context.Context, holdID uuid.UUID) (*ledger.Hold, error)
	GetAccountBalance(ctx context.Context, accountID uuid.UUID) (ledger.Balance, error)
}

// PriceSource supplies current mark prices. Failures are surfaced to
// the caller as retryable errors, never swallowed.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Deposit funds a margin account at creation time.
type Deposit struct {
	Amount   decimal.Decimal
	Currency string
}

// Manager runs the margin position lifecycle on top of the ledger
// engine: account creation, position open/close, mark-to-market, and
// liquidation. The ledger engine never calls back into it.
type Manager struct {
	store   Store
	ledger  Ledger
	prices  PriceSource
	locks   *accountLocks
	logger  zerolog.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, lg Ledger, prices PriceSource, logger zerolog.Logger, metrics *observability.Metrics, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		ledger:  lg,
		prices:  prices,
		locks:   newAccountLocks(),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --- System boundary accounts ---

// System boundary accounts absorb the counterside of deposits, PnL
// settlement, and penalties. Ids are derived deterministically from
// (kind, tenant, currency) so the same account is reused across
// restarts.
const (
	systemFunding = "funding"
	systemPnlPool = "pnl_pool"
	systemFees    = "fees"
)

func systemAccountID(kind, tenantID, currency string) uuid.UUID {
	name := fmt.Sprintf("marginledger:%s:%s:%s", kind, tenantID, currency)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

func (m *Manager) systemAccount(ctx context.Context, kind, tenantID, currency string) (uuid.UUID, error) {
	id := systemAccountID(kind, tenantID, currency)
	if _, err := m.ledger.EnsureSystemAccount(ctx, id, tenantID, currency); err != nil {
		return uuid.Nil, fmt.Errorf("ensure %s account: %w", kind, err)
	}
	return id, nil
}

// --- Risk params ---

func (m *Manager) riskParams(ctx context.Context, tenantID string) (*RiskParams, error) {
	params, err := m.store.GetRiskParams(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return DefaultRiskParams(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load risk params: %w", err)
	}
	return params, nil
}

// UpdateRiskParams validates and stores a tenant's risk parameters.
func (m *Manager) UpdateRiskParams(ctx context.Context, params *RiskParams) error {
	if params.TenantID == "" {
		return &ValidationError{Field: "tenantId", Reason: "must not be empty"}
	}
	if err := params.Validate(); err != nil {
		return &ValidationError{Field: "riskParams", Reason: err.Error()}
	}
	return m.store.PutRiskParams(ctx, params)
}

// --- Accounts ---

// CreateMarginAccount creates a margin account backed by a fresh ledger
// account, optionally funded with an initial deposit.
func (m *Manager) CreateMarginAccount(
	ctx context.Context,
	userID, tenantID, brokerID string,
	accountType AccountType,
	symbol string,
	initialDeposit *Deposit,
) (*Account, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenantId", Reason: "must not be empty"}
	}
	if brokerID == "" {
		return nil, &ValidationError{Field: "brokerId", Reason: "must not be empty"}
	}
	if accountType != AccountTypeIsolated && accountType != AccountTypeCross {
		return nil, &ValidationError{Field: "accountType", Reason: "must be isolated or cross"}
	}
	if initialDeposit != nil && !initialDeposit.Amount.IsPositive() {
		return nil, &ValidationError{Field: "initialDeposit.amount", Reason: "must be positive"}
	}

	params, err := m.riskParams(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	currency := params.QuoteCurrency
	if initialDeposit != nil && initialDeposit.Currency != "" {
		currency = initialDeposit.Currency
	}

	ledgerAccount, err := m.ledger.CreateAccount(ctx, tenantID, currency)
	if err != nil {
		return nil, fmt.Errorf("create backing ledger account: %w", err)
	}

	now := m.now()
	account := &Account{
		ID:               uuid.New(),
		UserID:           userID,
		TenantID:         tenantID,
		BrokerID:         brokerID,
		Type:             accountType,
		Symbol:           symbol,
		LedgerAccountID:  ledgerAccount.ID,
		Currency:         currency,
		TotalEquity:      decimal.Zero,
		UsedMargin:       decimal.Zero,
		AvailableBalance: decimal.Zero,
		MarginLevel:      decimal.Zero,
		MaxLeverage:      params.MaxLeverage,
		Status:           AccountStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create margin account: %w", err)
	}

	m.logger.Info().
		Str("account_id", account.ID.String()).
		Str("user_id", userID).
		Str("tenant_id", tenantID).
		Str("type", accountType.String()).
		Msg("margin account created")

	if initialDeposit != nil {
		return m.DepositEquity(ctx, account.ID, initialDeposit.Amount)
	}
	return account, nil
}

// GetMarginAccount returns a margin account by id.
func (m *Manager) GetMarginAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	return m.getAccount(ctx, accountID)
}

// DepositEquity moves funds from the tenant's funding boundary account
// into the margin account's backing ledger account.
func (m *Manager) DepositEquity(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*Account, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	unlock := m.locks.Lock(accountID)
	defer unlock()

	account, err := m.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status.IsTerminal() {
		return nil, &ValidationError{Field: "accountId", Reason: fmt.Sprintf("account is %s", account.Status)}
	}

	funding, err := m.systemAccount(ctx, systemFunding, account.TenantID, account.Currency)
	if err != nil {
		return nil, err
	}

	amount = money.Quantize(account.Currency, amount)
	lines := []ledger.Line{
		{AccountID: funding, Debit: amount, Currency: account.Currency},
		{AccountID: account.LedgerAccountID, Credit: amount, Currency: account.Currency},
	}
	if _, err := m.ledger.PostJournalEntry(ctx, account.TenantID, "margin deposit", lines, "", map[string]string{
		"margin_account_id": account.ID.String(),
	}); err != nil {
		return nil, fmt.Errorf("post deposit: %w", err)
	}

	if err := m.refreshAccountLocked(ctx, account, nil); err != nil {
		return nil, err
	}
	return account, nil
}

// WithdrawEquity moves free equity back to the funding boundary
// account. Fails when the amount exceeds the ledger available balance.
func (m *Manager) WithdrawEquity(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*Account, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	unlock := m.locks.Lock(accountID)
	defer unlock()

	account, err := m.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status != AccountStatusActive {
		return nil, &ValidationError{Field: "accountId", Reason: fmt.Sprintf("account is %s", account.Status)}
	}

	funding, err := m.systemAccount(ctx, systemFunding, account.TenantID, account.Currency)
	if err != nil {
		return nil, err
	}

	amount = money.Quantize(account.Currency, amount)
	lines := []ledger.Line{
		{AccountID: account.LedgerAccountID, Debit: amount, Currency: account.Currency},
		{AccountID: funding, Credit: amount, Currency: account.Currency},
	}
	if _, err := m.ledger.PostJournalEntry(ctx, account.TenantID, "margin withdrawal", lines, "", map[string]string{
		"margin_account_id": account.ID.String(),
	}); err != nil {
		return nil, fmt.Errorf("post withdrawal: %w", err)
	}

	if err := m.refreshAccountLocked(ctx, account, nil); err != nil {
		return nil, err
	}
	return account, nil
}

// UpdateUserRiskScore stores a risk score in [0, 100] against the
// user's margin accounts for leverage gating.
func (m *Manager) UpdateUserRiskScore(ctx context.Context, userID, tenantID, brokerID string, score int) error {
	if userID == "" {
		return &ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	if score < 0 || score > 100 {
		return &ValidationError{Field: "score", Reason: "must be in [0, 100]"}
	}

	accounts, err := m.store.FindAccounts(ctx, userID, tenantID, brokerID)
	if err != nil {
		return fmt.Errorf("find accounts: %w", err)
	}
	if len(accounts) == 0 {
		return &AccountNotFoundError{UserID: userID}
	}

	for _, account := range accounts {
		unlock := m.locks.Lock(account.ID)
		fresh, err := m.getAccount(ctx, account.ID)
		if err != nil {
			unlock()
			return err
		}
		fresh.RiskScore = score
		fresh.UpdatedAt = m.now()
		err = m.store.UpdateAccount(ctx, fresh)
		unlock()
		if err != nil {
			return fmt.Errorf("update account %s: %w", account.ID, err)
		}
	}

	m.logger.Info().
		Str("user_id", userID).
		Int("score", score).
		Msg("risk score updated")
	return nil
}

// --- Positions ---

// CreateMarginPosition opens a leveraged position: validates leverage
// against the tenant's bounds, reserves the initial margin as a ledger
// hold, and records the position with its derived liquidation price.
func (m *Manager) CreateMarginPosition(
	ctx context.Context,
	userID, tenantID, brokerID string,
	accountID uuid.UUID,
	symbol string,
	side Side,
	size, leverage decimal.Decimal,
	orderType string,
) (*Position, error) {
	start := m.now()

	if symbol == "" {
		return nil, &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if side != SideLong && side != SideShort {
		return nil, &ValidationError{Field: "side", Reason: "must be long or short"}
	}
	if !size.IsPositive() {
		return nil, &ValidationError{Field: "size", Reason: "must be positive"}
	}
	if orderType == "" {
		orderType = "market"
	}

	unlock := m.locks.Lock(accountID)
	defer unlock()

	account, err := m.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.OwnedBy(userID, tenantID, brokerID) {
		return nil, &AccountNotFoundError{AccountID: accountID}
	}
	if account.Status != AccountStatusActive {
		return nil, &ValidationError{Field: "accountId", Reason: fmt.Sprintf("account is %s", account.Status)}
	}
	if account.Type == AccountTypeIsolated && account.Symbol != "" && account.Symbol != symbol {
		return nil, &ValidationError{Field: "symbol", Reason: fmt.Sprintf("isolated account is bound to %s", account.Symbol)}
	}

	params, err := m.riskParams(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	maxLeverage := decimal.Min(params.MaxLeverage, account.MaxLeverage)
	if account.RiskScore >= params.HighRiskScore {
		maxLeverage = decimal.Min(maxLeverage, params.HighRiskMaxLeverage)
	}
	if leverage.LessThan(params.MinLeverage) || leverage.GreaterThan(maxLeverage) {
		return nil, &InvalidLeverageError{Leverage: leverage, Min: params.MinLeverage, Max: maxLeverage}
	}

	entryPrice, err := m.prices.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch mark price for %s: %w", symbol, err)
	}

	initialMargin := money.Quantize(account.Currency, InitialMargin(size, entryPrice, leverage))
	maintenanceMargin := money.Quantize(account.Currency, MaintenanceMargin(size, entryPrice, params.MaintenanceMarginRatio))

	balance, err := m.ledger.GetAccountBalance(ctx, account.LedgerAccountID)
	if err != nil {
		return nil, fmt.Errorf("query backing balance: %w", err)
	}
	if initialMargin.GreaterThan(balance.AvailableBalance) {
		return nil, &InsufficientMarginError{
			AccountID: accountID,
			Required:  initialMargin,
			Available: balance.AvailableBalance,
		}
	}

	positionID := uuid.New()
	hold, err := m.ledger.CreateHold(
		ctx, tenantID, account.LedgerAccountID, initialMargin, account.Currency,
		fmt.Sprintf("initial margin %s %s", side, symbol), nil,
		map[string]string{"position_id": positionID.String()},
	)
	if err != nil {
		var insufficient *ledger.InsufficientAvailableBalanceError
		if errors.As(err, &insufficient) {
			return nil, &InsufficientMarginError{
				AccountID: accountID,
				Required:  initialMargin,
				Available: insufficient.Available,
			}
		}
		return nil, fmt.Errorf("reserve initial margin: %w", err)
	}

	now := m.now()
	position := &Position{
		ID:                positionID,
		AccountID:         accountID,
		TenantID:          tenantID,
		Symbol:            symbol,
		Side:              side,
		OrderType:         orderType,
		Size:              size,
		EntryPrice:        entryPrice,
		Leverage:          leverage,
		CurrentPrice:      entryPrice,
		InitialMargin:     initialMargin,
		MaintenanceMargin: maintenanceMargin,
		LiquidationPrice:  LiquidationPrice(side, entryPrice, leverage, params.MaintenanceMarginRatio),
		UnrealizedPnl:     decimal.Zero,
		RealizedPnl:       decimal.Zero,
		HoldID:            hold.ID,
		Status:            PositionStatusOpen,
		OpenedAt:          now,
		UpdatedAt:         now,
	}
	if err := m.store.CreatePosition(ctx, position); err != nil {
		// Undo the reservation; the position was never recorded.
		if _, releaseErr := m.ledger.ReleaseHold(ctx, hold.ID); releaseErr != nil {
			m.logger.Error().Err(releaseErr).
				Str("hold_id", hold.ID.String()).
				Msg("failed to release margin hold after create failure")
		}
		return nil, fmt.Errorf("create position: %w", err)
	}

	if err := m.refreshAccountLocked(ctx, account, params); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.PositionsOpened.Inc()
		m.metrics.OpenPositions.Inc()
		m.metrics.MarginOpDuration.WithLabelValues("create_position").Observe(m.now().Sub(start).Seconds())
	}
	m.logger.Info().
		Str("position_id", position.ID.String()).
		Str("account_id", accountID.String()).
		Str("symbol", symbol).
		Str("side", side.String()).
		Str("size", size.String()).
		Str("entry_price", entryPrice.String()).
		Str("leverage", leverage.String()).
		Msg("position opened")

	return position, nil
}

// GetPosition returns a position by id.
func (m *Manager) GetPosition(ctx context.Context, positionID uuid.UUID) (*Position, error) {
	position, err := m.store.GetPosition(ctx, positionID)
	if errors.Is(err, ErrNotFound) {
		return nil, &PositionNotFoundError{PositionID: positionID}
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	return position, nil
}

// CloseMarginPosition closes an open position at the current mark
// price: releases the margin hold, settles realized PnL through a
// journal entry, and marks the position terminal.
func (m *Manager) CloseMarginPosition(ctx context.Context, userID, tenantID, brokerID string, positionID uuid.UUID) (*Position, error) {
	start := m.now()

	probe, err := m.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(probe.AccountID)
	defer unlock()

	position, err := m.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if position.Status.IsTerminal() {
		return nil, &PositionAlreadyClosedError{PositionID: positionID, Status: position.Status}
	}

	account, err := m.getAccount(ctx, position.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.OwnedBy(userID, tenantID, brokerID) {
		return nil, &AccountNotFoundError{AccountID: position.AccountID}
	}

	price, err := m.prices.GetCurrentPrice(ctx, position.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch mark price for %s: %w", position.Symbol, err)
	}

	if err := m.closeLocked(ctx, account, position, price, PositionStatusClosed, "position close"); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.PositionsClosed.Inc()
		m.metrics.OpenPositions.Dec()
		m.metrics.MarginOpDuration.WithLabelValues("close_position").Observe(m.now().Sub(start).Seconds())
	}
	m.logger.Info().
		Str("position_id", position.ID.String()).
		Str("close_price", price.String()).
		Str("realized_pnl", position.RealizedPnl.String()).
		Msg("position closed")

	return position, nil
}

// LiquidatePosition force-closes a position at the current mark price,
// charges the liquidation penalty, and records a liquidation event.
// The margin-level check happens in the caller (monitor); this
// operation only refuses terminal positions.
func (m *Manager) LiquidatePosition(ctx context.Context, positionID uuid.UUID, reason string) (*LiquidationEvent, error) {
	start := m.now()

	probe, err := m.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(probe.AccountID)
	defer unlock()

	position, err := m.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if position.Status.IsTerminal() {
		return nil, &PositionAlreadyClosedError{PositionID: positionID, Status: position.Status}
	}

	account, err := m.getAccount(ctx, position.AccountID)
	if err != nil {
		return nil, err
	}
	params, err := m.riskParams(ctx, position.TenantID)
	if err != nil {
		return nil, err
	}

	price, err := m.prices.GetCurrentPrice(ctx, position.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch mark price for %s: %w", position.Symbol, err)
	}

	pnl := money.Quantize(account.Currency, UnrealizedPnl(position.Side, position.Size, position.EntryPrice, price))
	marginRatio := MaintenanceRatio(position.InitialMargin.Add(pnl), position.MaintenanceMargin)

	if err := m.closeLocked(ctx, account, position, price, PositionStatusLiquidated, "liquidation"); err != nil {
		return nil, err
	}

	penalty, err := m.chargePenalty(ctx, account, position, price, params)
	if err != nil {
		return nil, err
	}

	event := &LiquidationEvent{
		ID:          uuid.New(),
		PositionID:  position.ID,
		AccountID:   account.ID,
		TenantID:    position.TenantID,
		Symbol:      position.Symbol,
		Price:       price,
		Size:        position.Size,
		RealizedPnl: position.RealizedPnl,
		Penalty:     penalty,
		MarginRatio: marginRatio,
		Reason:      reason,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateLiquidationEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("record liquidation event: %w", err)
	}

	if err := m.refreshAccountLocked(ctx, account, params); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.PositionsLiquidated.Inc()
		m.metrics.OpenPositions.Dec()
		m.metrics.MarginOpDuration.WithLabelValues("liquidate_position").Observe(m.now().Sub(start).Seconds())
	}
	m.logger.Warn().
		Str("position_id", position.ID.String()).
		Str("account_id", account.ID.String()).
		Str("price", price.String()).
		Str("penalty", penalty.String()).
		Str("reason", reason).
		Msg("position liquidated")

	return event, nil
}

// closeLocked executes the shared close path: hold release, PnL
// settlement, terminal transition, account refresh. Caller must hold
// the account's lock.
func (m *Manager) closeLocked(
	ctx context.Context,
	account *Account,
	position *Position,
	price decimal.Decimal,
	terminal PositionStatus,
	description string,
) error {
	if !position.Status.CanTransitionTo(terminal) {
		return &PositionAlreadyClosedError{PositionID: position.ID, Status: position.Status}
	}

	pnl := money.Quantize(account.Currency, UnrealizedPnl(position.Side, position.Size, position.EntryPrice, price))

	if _, err := m.ledger.ReleaseHold(ctx, position.HoldID); err != nil {
		var notFound *ledger.HoldNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("release margin hold: %w", err)
		}
		// Hold expired before the close; available balance was already
		// restored by the ledger.
		m.logger.Warn().
			Str("position_id", position.ID.String()).
			Str("hold_id", position.HoldID.String()).
			Msg("margin hold already terminal at close")
	}

	if err := m.settlePnl(ctx, account, position, pnl, description); err != nil {
		return err
	}

	now := m.now()
	position.Status = terminal
	position.CurrentPrice = price
	position.RealizedPnl = pnl
	position.UnrealizedPnl = decimal.Zero
	position.ClosedAt = &now
	position.UpdatedAt = now
	if err := m.store.UpdatePosition(ctx, position); err != nil {
		return fmt.Errorf("update position: %w", err)
	}

	if terminal == PositionStatusClosed {
		params, err := m.riskParams(ctx, position.TenantID)
		if err != nil {
			return err
		}
		if err := m.refreshAccountLocked(ctx, account, params); err != nil {
			return err
		}
	}
	return nil
}

// settlePnl posts the realized PnL as a journal entry between the
// tenant's PnL pool and the account's backing ledger account. The
// idempotency key is derived from the position id so a retried close
// never double-posts.
func (m *Manager) settlePnl(ctx context.Context, account *Account, position *Position, pnl decimal.Decimal, description string) error {
	if pnl.IsZero() {
		return nil
	}

	pool, err := m.systemAccount(ctx, systemPnlPool, account.TenantID, account.Currency)
	if err != nil {
		return err
	}

	amount := pnl.Abs()
	var lines []ledger.Line
	if pnl.IsPositive() {
		lines = []ledger.Line{
			{AccountID: pool, Debit: amount, Currency: account.Currency},
			{AccountID: account.LedgerAccountID, Credit: amount, Currency: account.Currency},
		}
	} else {
		// Losses cannot take the backing account below zero; a
		// bankrupt remainder stays with the pool.
		balance, err := m.ledger.GetAccountBalance(ctx, account.LedgerAccountID)
		if err != nil {
			return fmt.Errorf("query backing balance: %w", err)
		}
		if amount.GreaterThan(balance.Balance) {
			amount = balance.Balance
		}
		if !amount.IsPositive() {
			return nil
		}
		lines = []ledger.Line{
			{AccountID: account.LedgerAccountID, Debit: amount, Currency: account.Currency},
			{AccountID: pool, Credit: amount, Currency: account.Currency},
		}
	}

	_, err = m.ledger.PostJournalEntry(
		ctx, account.TenantID,
		fmt.Sprintf("%s %s %s", description, position.Symbol, position.ID),
		lines,
		fmt.Sprintf("pnl:%s", position.ID),
		map[string]string{"position_id": position.ID.String()},
	)
	if err != nil {
		return fmt.Errorf("settle pnl: %w", err)
	}
	return nil
}

// chargePenalty debits the liquidation fee to the tenant's fee account,
// clamped to whatever balance remains after PnL settlement.
func (m *Manager) chargePenalty(ctx context.Context, account *Account, position *Position, price decimal.Decimal, params *RiskParams) (decimal.Decimal, error) {
	penalty := money.Quantize(account.Currency, position.Size.Mul(price).Mul(params.LiquidationPenaltyRatio))
	if !penalty.IsPositive() {
		return decimal.Zero, nil
	}

	balance, err := m.ledger.GetAccountBalance(ctx, account.LedgerAccountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query backing balance: %w", err)
	}
	if penalty.GreaterThan(balance.AvailableBalance) {
		penalty = balance.AvailableBalance
	}
	if !penalty.IsPositive() {
		return decimal.Zero, nil
	}

	fees, err := m.systemAccount(ctx, systemFees, account.TenantID, account.Currency)
	if err != nil {
		return decimal.Zero, err
	}

	lines := []ledger.Line{
		{AccountID: account.LedgerAccountID, Debit: penalty, Currency: account.Currency},
		{AccountID: fees, Credit: penalty, Currency: account.Currency},
	}
	if _, err := m.ledger.PostJournalEntry(
		ctx, account.TenantID,
		fmt.Sprintf("liquidation penalty %s %s", position.Symbol, position.ID),
		lines,
		fmt.Sprintf("liquidation-fee:%s", position.ID),
		map[string]string{"position_id": position.ID.String()},
	); err != nil {
		return decimal.Zero, fmt.Errorf("charge penalty: %w", err)
	}
	return penalty, nil
}

// --- Mark to market ---

// OpenSymbols lists the symbols with at least one open position.
func (m *Manager) OpenSymbols(ctx context.Context) ([]string, error) {
	return m.store.ListOpenSymbols(ctx)
}

// MarkToMarket applies a price tick to every open position on the
// symbol: updates current price and unrealized PnL, recomputes account
// equity and margin level, and drives account status transitions.
// Returns the ids of positions whose maintenance ratio has fallen to or
// below the liquidation floor.
func (m *Manager) MarkToMarket(ctx context.Context, symbol string, price decimal.Decimal) ([]uuid.UUID, error) {
	if symbol == "" {
		return nil, &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if !price.IsPositive() {
		return nil, &ValidationError{Field: "price", Reason: "must be positive"}
	}

	positions, err := m.store.ListOpenPositionsBySymbol(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", symbol, err)
	}

	accountIDs := make([]uuid.UUID, 0, len(positions))
	seen := make(map[uuid.UUID]struct{}, len(positions))
	for _, p := range positions {
		if _, ok := seen[p.AccountID]; !ok {
			seen[p.AccountID] = struct{}{}
			accountIDs = append(accountIDs, p.AccountID)
		}
	}

	var liquidatable []uuid.UUID
	for _, accountID := range accountIDs {
		ids, err := m.markAccount(ctx, accountID, symbol, price)
		if err != nil {
			return liquidatable, err
		}
		liquidatable = append(liquidatable, ids...)
	}
	return liquidatable, nil
}

func (m *Manager) markAccount(ctx context.Context, accountID uuid.UUID, symbol string, price decimal.Decimal) ([]uuid.UUID, error) {
	unlock := m.locks.Lock(accountID)
	defer unlock()

	account, err := m.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	params, err := m.riskParams(ctx, account.TenantID)
	if err != nil {
		return nil, err
	}

	open, err := m.store.ListOpenPositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	now := m.now()
	var liquidatable []uuid.UUID
	for _, position := range open {
		if position.Symbol != symbol {
			continue
		}
		position.CurrentPrice = price
		position.UnrealizedPnl = money.Quantize(account.Currency, UnrealizedPnl(position.Side, position.Size, position.EntryPrice, price))
		position.UpdatedAt = now
		if err := m.store.UpdatePosition(ctx, position); err != nil {
			return nil, fmt.Errorf("update position %s: %w", position.ID, err)
		}

		ratio := MaintenanceRatio(position.InitialMargin.Add(position.UnrealizedPnl), position.MaintenanceMargin)
		if ratio.LessThanOrEqual(params.MaintenanceRatioFloor) {
			liquidatable = append(liquidatable, position.ID)
		}
	}

	if err := m.refreshAccountLocked(ctx, account, params); err != nil {
		return nil, err
	}
	return liquidatable, nil
}

// refreshAccountLocked recomputes the account's derived fields from the
// ledger balance and the open positions, and drives status transitions
// between active, margin_call, and liquidation. Caller must hold the
// account's lock.
func (m *Manager) refreshAccountLocked(ctx context.Context, account *Account, params *RiskParams) error {
	if params == nil {
		loaded, err := m.riskParams(ctx, account.TenantID)
		if err != nil {
			return err
		}
		params = loaded
	}

	balance, err := m.ledger.GetAccountBalance(ctx, account.LedgerAccountID)
	if err != nil {
		return fmt.Errorf("query backing balance: %w", err)
	}
	open, err := m.store.ListOpenPositionsByAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	usedMargin := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range open {
		usedMargin = usedMargin.Add(p.InitialMargin)
		unrealized = unrealized.Add(p.UnrealizedPnl)
	}

	equity := balance.Balance.Add(unrealized)
	account.TotalEquity = money.Quantize(account.Currency, equity)
	account.UsedMargin = money.Quantize(account.Currency, usedMargin)
	account.AvailableBalance = balance.AvailableBalance
	account.MarginLevel = MarginLevel(equity, usedMargin)

	target := account.Status
	switch {
	case usedMargin.IsZero() || account.MarginLevel.GreaterThanOrEqual(params.MarginCallLevel):
		target = AccountStatusActive
	case account.MarginLevel.GreaterThan(params.LiquidationLevel):
		target = AccountStatusMarginCall
	default:
		target = AccountStatusLiquidation
	}
	if target != account.Status && account.Status.CanTransitionTo(target) {
		if target == AccountStatusMarginCall && m.metrics != nil {
			m.metrics.MarginCalls.Inc()
		}
		m.logger.Info().
			Str("account_id", account.ID.String()).
			Str("from", account.Status.String()).
			Str("to", target.String()).
			Str("margin_level", account.MarginLevel.String()).
			Msg("margin account status changed")
		account.Status = target
	}

	account.UpdatedAt = m.now()
	if err := m.store.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

func (m *Manager) getAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	account, err := m.store.GetAccount(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return nil, &AccountNotFoundError{AccountID: accountID}
	}
	if err != nil {
		return nil, fmt.Errorf("load margin account: %w", err)
	}
	return account, nil
}
