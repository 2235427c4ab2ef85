package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marginledger/internal/money"
	"marginledger/internal/observability"
)

const defaultIdempotencyCacheSize = 100_000

// Engine is the double-entry ledger core. It posts balanced journal
// entries, tracks balances and available balances, and manages holds.
// It is stateless apart from the store it is given and never calls
// back into its consumers.
//
// All balance-mutating operations on one account serialize through that
// account's critical section, so the balanced-entry invariant is never
// observed violated mid-flight.
type Engine struct {
	store   Store
	locks   *accountLocks
	logger  zerolog.Logger
	metrics *observability.Metrics

	idemMu sync.Mutex
	idem   *entryCache

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIdempotencyCacheSize sets the capacity of the in-process entry LRU.
func WithIdempotencyCacheSize(n int) Option {
	return func(e *Engine) { e.idem = newEntryCache(n) }
}

func NewEngine(store Store, logger zerolog.Logger, metrics *observability.Metrics, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		locks:   newAccountLocks(),
		logger:  logger,
		metrics: metrics,
		idem:    newEntryCache(defaultIdempotencyCacheSize),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateAccount explicitly creates a ledger account for a tenant.
func (e *Engine) CreateAccount(ctx context.Context, tenantID, currency string) (*Account, error) {
	return e.createAccount(ctx, tenantID, currency, false)
}

// CreateSystemAccount creates a boundary account that may go negative
// (deposit funding, PnL pool, fee sink). Never used for participants.
func (e *Engine) CreateSystemAccount(ctx context.Context, tenantID, currency string) (*Account, error) {
	return e.createAccount(ctx, tenantID, currency, true)
}

// EnsureSystemAccount returns the system account with the given id,
// creating it if absent. Callers derive deterministic ids so the same
// boundary account is found across restarts.
func (e *Engine) EnsureSystemAccount(ctx context.Context, id uuid.UUID, tenantID, currency string) (*Account, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	account, err := e.store.GetAccount(ctx, id)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load account: %w", err)
	}

	now := e.now()
	account = &Account{
		ID:               id,
		TenantID:         tenantID,
		Currency:         currency,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		Overdraft:        true,
		Status:           AccountStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create system account: %w", err)
	}
	return account, nil
}

func (e *Engine) createAccount(ctx context.Context, tenantID, currency string, overdraft bool) (*Account, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenantId", Reason: "must not be empty"}
	}
	if currency == "" {
		return nil, &ValidationError{Field: "currency", Reason: "must not be empty"}
	}

	now := e.now()
	account := &Account{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Currency:         currency,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		Overdraft:        overdraft,
		Status:           AccountStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	e.logger.Info().
		Str("account_id", account.ID.String()).
		Str("tenant_id", tenantID).
		Str("currency", currency).
		Bool("overdraft", overdraft).
		Msg("account created")

	return account, nil
}

// CloseAccount soft-closes an account. Closed accounts reject new
// postings and holds; the record is never deleted.
func (e *Engine) CloseAccount(ctx context.Context, accountID uuid.UUID) error {
	unlock := e.locks.Lock(accountID)
	defer unlock()

	account, err := e.getAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.IsClosed() {
		return nil
	}

	active, err := e.settleExpiredHolds(ctx, account)
	if err != nil {
		return err
	}
	if active.IsPositive() {
		return &ValidationError{Field: "accountId", Reason: "account has active holds"}
	}

	account.Status = AccountStatusClosed
	account.UpdatedAt = e.now()
	if err := e.store.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("close account: %w", err)
	}
	return nil
}

// PostJournalEntry validates and applies a balanced multi-line entry.
// All lines succeed or none do. When idempotencyKey is supplied and a
// prior entry with that key exists for the tenant, the existing entry is
// returned unchanged and no balances move.
func (e *Engine) PostJournalEntry(
	ctx context.Context,
	tenantID, description string,
	lines []Line,
	idempotencyKey string,
	metadata map[string]string,
) (*JournalEntry, error) {
	start := e.now()

	if tenantID == "" {
		return nil, e.rejectEntry("validation", &ValidationError{Field: "tenantId", Reason: "must not be empty"})
	}
	if err := ValidateLines(lines); err != nil {
		return nil, e.rejectEntry(rejectReason(err), err)
	}

	// Hot path: cached result of a completed posting with the same key.
	if idempotencyKey != "" {
		e.idemMu.Lock()
		cached, ok := e.idem.Get(tenantID, idempotencyKey)
		e.idemMu.Unlock()
		if ok {
			e.markDuplicate()
			return cached, nil
		}
	}

	accountIDs := make([]uuid.UUID, 0, len(lines))
	for _, l := range lines {
		accountIDs = append(accountIDs, l.AccountID)
	}
	unlock := e.locks.LockAll(accountIDs)
	defer unlock()

	// Authoritative dedup check inside the critical section: two
	// concurrent postings with the same key serialize on the account
	// locks, so the loser sees the winner's entry here.
	if idempotencyKey != "" {
		existing, err := e.store.GetEntryByIdempotencyKey(ctx, tenantID, idempotencyKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			e.idemMu.Lock()
			e.idem.Add(tenantID, idempotencyKey, existing)
			e.idemMu.Unlock()
			e.markDuplicate()
			return existing, nil
		}
	}

	accounts, deltas, err := e.stageLines(ctx, tenantID, lines)
	if err != nil {
		return nil, e.rejectEntry(rejectReason(err), err)
	}

	now := e.now()
	for _, account := range accounts {
		delta := deltas[account.ID]
		newBalance := account.Balance.Add(delta)

		activeHolds, err := e.settleExpiredHolds(ctx, account)
		if err != nil {
			return nil, err
		}
		newAvailable := newBalance.Sub(activeHolds)

		if !account.Overdraft {
			if money.IsNegative(account.Currency, newBalance) || money.IsNegative(account.Currency, newAvailable) {
				return nil, e.rejectEntry("insufficient_balance", &InsufficientAvailableBalanceError{
					AccountID: account.ID,
					Requested: delta.Neg(),
					Available: account.AvailableBalance,
				})
			}
		}

		account.Balance = money.Quantize(account.Currency, newBalance)
		account.AvailableBalance = money.Quantize(account.Currency, newAvailable)
		account.UpdatedAt = now
	}

	entry := &JournalEntry{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Description:    description,
		Lines:          lines,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      now,
	}
	// Validation is complete; the store applies accounts and entry as
	// one unit, so a failure leaves no partial posting behind.
	if err := e.store.ApplyEntry(ctx, accounts, entry); err != nil {
		return nil, fmt.Errorf("apply entry: %w", err)
	}

	if idempotencyKey != "" {
		e.idemMu.Lock()
		e.idem.Add(tenantID, idempotencyKey, entry)
		e.idemMu.Unlock()
	}

	if e.metrics != nil {
		e.metrics.JournalsPosted.Inc()
		e.metrics.LedgerOpDuration.WithLabelValues("post_journal_entry").Observe(e.now().Sub(start).Seconds())
	}
	e.logger.Debug().
		Str("entry_id", entry.ID.String()).
		Str("tenant_id", tenantID).
		Int("lines", len(lines)).
		Msg("journal entry posted")

	return entry, nil
}

// stageLines loads every touched account (staging unknown ones for
// auto-creation), verifies tenant ownership and currencies, and nets
// each account's signed delta. Nothing is persisted here.
func (e *Engine) stageLines(ctx context.Context, tenantID string, lines []Line) ([]*Account, map[uuid.UUID]decimal.Decimal, error) {
	accounts := make([]*Account, 0, len(lines))
	byID := make(map[uuid.UUID]*Account, len(lines))
	deltas := make(map[uuid.UUID]decimal.Decimal, len(lines))

	for _, l := range lines {
		account, ok := byID[l.AccountID]
		if !ok {
			loaded, err := e.store.GetAccount(ctx, l.AccountID)
			if errors.Is(err, ErrNotFound) {
				// First reference by a journal entry creates the account.
				// Staged in memory only; persisted with the entry once the
				// whole posting validates.
				now := e.now()
				loaded = &Account{
					ID:               l.AccountID,
					TenantID:         tenantID,
					Currency:         l.Currency,
					Balance:          decimal.Zero,
					AvailableBalance: decimal.Zero,
					Status:           AccountStatusActive,
					CreatedAt:        now,
					UpdatedAt:        now,
				}
			} else if err != nil {
				return nil, nil, fmt.Errorf("load account %s: %w", l.AccountID, err)
			}

			// An account belonging to another tenant is indistinguishable
			// from a missing one to this caller.
			if loaded.TenantID != tenantID {
				return nil, nil, &AccountNotFoundError{AccountID: l.AccountID}
			}

			account = loaded
			byID[l.AccountID] = account
			accounts = append(accounts, account)
		}

		if account.IsClosed() {
			return nil, nil, &ValidationError{Field: "lines.accountId", Reason: fmt.Sprintf("account %s is closed", account.ID)}
		}
		if account.Currency != l.Currency {
			return nil, nil, &ValidationError{
				Field:  "lines.currency",
				Reason: fmt.Sprintf("line currency %s does not match account currency %s", l.Currency, account.Currency),
			}
		}

		deltas[account.ID] = deltas[account.ID].Add(l.Delta())
	}

	return accounts, deltas, nil
}

// CreateHold reserves amount against the account's available balance.
// The reservation reduces AvailableBalance only; Balance is untouched.
func (e *Engine) CreateHold(
	ctx context.Context,
	tenantID string,
	accountID uuid.UUID,
	amount decimal.Decimal,
	currency, description string,
	expiresAt *time.Time,
	metadata map[string]string,
) (*Hold, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenantId", Reason: "must not be empty"}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	unlock := e.locks.Lock(accountID)
	defer unlock()

	account, err := e.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.TenantID != tenantID {
		return nil, &AccountNotFoundError{AccountID: accountID}
	}
	if account.IsClosed() {
		return nil, &ValidationError{Field: "accountId", Reason: "account is closed"}
	}
	if currency != "" && currency != account.Currency {
		return nil, &ValidationError{
			Field:  "currency",
			Reason: fmt.Sprintf("hold currency %s does not match account currency %s", currency, account.Currency),
		}
	}

	activeHolds, err := e.settleExpiredHolds(ctx, account)
	if err != nil {
		return nil, err
	}
	available := account.Balance.Sub(activeHolds)
	amount = money.Quantize(account.Currency, amount)

	if amount.GreaterThan(available) {
		return nil, &InsufficientAvailableBalanceError{
			AccountID: accountID,
			Requested: amount,
			Available: available,
		}
	}

	now := e.now()
	hold := &Hold{
		ID:          uuid.New(),
		AccountID:   accountID,
		TenantID:    tenantID,
		Amount:      amount,
		Currency:    account.Currency,
		Description: description,
		Status:      HoldStatusActive,
		ExpiresAt:   expiresAt,
		Metadata:    metadata,
		CreatedAt:   now,
	}
	if err := e.store.CreateHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("persist hold: %w", err)
	}

	account.AvailableBalance = money.Quantize(account.Currency, available.Sub(amount))
	account.UpdatedAt = now
	if err := e.store.UpdateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("update account after hold: %w", err)
	}

	if e.metrics != nil {
		e.metrics.HoldsCreated.Inc()
	}
	e.logger.Debug().
		Str("hold_id", hold.ID.String()).
		Str("account_id", accountID.String()).
		Str("amount", amount.String()).
		Msg("hold created")

	return hold, nil
}

// ReleaseHold transitions an active hold to released and restores the
// account's available balance. Terminal holds (released or expired,
// including holds whose deadline has lapsed) fail with HoldNotFoundError.
func (e *Engine) ReleaseHold(ctx context.Context, holdID uuid.UUID) (*Hold, error) {
	probe, err := e.store.GetHold(ctx, holdID)
	if errors.Is(err, ErrNotFound) {
		return nil, &HoldNotFoundError{HoldID: holdID}
	}
	if err != nil {
		return nil, fmt.Errorf("load hold: %w", err)
	}

	unlock := e.locks.Lock(probe.AccountID)
	defer unlock()

	// Re-read inside the critical section.
	hold, err := e.store.GetHold(ctx, holdID)
	if errors.Is(err, ErrNotFound) {
		return nil, &HoldNotFoundError{HoldID: holdID}
	}
	if err != nil {
		return nil, fmt.Errorf("load hold: %w", err)
	}
	if hold.Status.IsTerminal() {
		return nil, &HoldNotFoundError{HoldID: holdID}
	}

	account, err := e.getAccount(ctx, hold.AccountID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	next := HoldStatusReleased
	if hold.ExpiredBy(now) {
		next = HoldStatusExpired
	}
	if !hold.Status.CanTransitionTo(next) {
		return nil, &HoldNotFoundError{HoldID: holdID}
	}
	hold.Status = next
	hold.ResolvedAt = &now
	if err := e.store.UpdateHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("update hold: %w", err)
	}

	if err := e.refreshAvailable(ctx, account); err != nil {
		return nil, err
	}

	if next == HoldStatusExpired {
		if e.metrics != nil {
			e.metrics.HoldsExpired.Inc()
		}
		// The deadline lapsed before the caller released; the hold is
		// terminal and the release itself fails.
		return nil, &HoldNotFoundError{HoldID: holdID}
	}

	if e.metrics != nil {
		e.metrics.HoldsReleased.Inc()
	}
	e.logger.Debug().
		Str("hold_id", hold.ID.String()).
		Str("account_id", hold.AccountID.String()).
		Msg("hold released")

	return hold, nil
}

// GetAccountBalance returns the account's balance and available balance.
// Expired holds are settled lazily on the read.
func (e *Engine) GetAccountBalance(ctx context.Context, accountID uuid.UUID) (Balance, error) {
	unlock := e.locks.Lock(accountID)
	defer unlock()

	account, err := e.getAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	if err := e.refreshAvailable(ctx, account); err != nil {
		return Balance{}, err
	}

	return Balance{
		Balance:          account.Balance,
		AvailableBalance: account.AvailableBalance,
	}, nil
}

// ListJournalEntries returns the entries touching an account, newest first.
func (e *Engine) ListJournalEntries(ctx context.Context, tenantID string, accountID uuid.UUID) ([]*JournalEntry, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenantId", Reason: "must not be empty"}
	}
	entries, err := e.store.ListEntriesByAccount(ctx, tenantID, accountID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

// SweepExpiredHolds settles every active hold whose deadline has passed
// and restores the affected accounts' available balances. Invoked by a
// periodic external caller; expiry is additionally checked lazily on
// every read.
func (e *Engine) SweepExpiredHolds(ctx context.Context) (int, error) {
	holds, err := e.store.ListActiveHolds(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active holds: %w", err)
	}

	now := e.now()
	byAccount := make(map[uuid.UUID]bool)
	for _, h := range holds {
		if h.ExpiredBy(now) {
			byAccount[h.AccountID] = true
		}
	}

	expired := 0
	for accountID := range byAccount {
		n, err := e.sweepAccount(ctx, accountID)
		if err != nil {
			return expired, err
		}
		expired += n
	}

	if expired > 0 {
		e.logger.Info().Int("expired", expired).Msg("expired holds swept")
	}
	return expired, nil
}

func (e *Engine) sweepAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	unlock := e.locks.Lock(accountID)
	defer unlock()

	account, err := e.getAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}

	before, err := e.store.ListHoldsByAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("list holds: %w", err)
	}
	pending := 0
	now := e.now()
	for _, h := range before {
		if h.Status == HoldStatusActive && h.ExpiredBy(now) {
			pending++
		}
	}

	if _, err := e.settleExpiredHolds(ctx, account); err != nil {
		return 0, err
	}
	if err := e.refreshAvailable(ctx, account); err != nil {
		return 0, err
	}
	return pending, nil
}

// settleExpiredHolds flips active-but-lapsed holds to expired and
// returns the sum of the remaining active holds. Caller must hold the
// account's lock.
func (e *Engine) settleExpiredHolds(ctx context.Context, account *Account) (decimal.Decimal, error) {
	holds, err := e.store.ListHoldsByAccount(ctx, account.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list holds: %w", err)
	}

	now := e.now()
	active := decimal.Zero
	for _, h := range holds {
		if h.Status != HoldStatusActive {
			continue
		}
		if h.ExpiredBy(now) {
			h.Status = HoldStatusExpired
			h.ResolvedAt = &now
			if err := e.store.UpdateHold(ctx, h); err != nil {
				return decimal.Zero, fmt.Errorf("expire hold %s: %w", h.ID, err)
			}
			if e.metrics != nil {
				e.metrics.HoldsExpired.Inc()
			}
			continue
		}
		active = active.Add(h.Amount)
	}

	return active, nil
}

// refreshAvailable recomputes available = balance - sum(active holds)
// and persists the account when the value moved. Caller must hold the
// account's lock.
func (e *Engine) refreshAvailable(ctx context.Context, account *Account) error {
	active, err := e.settleExpiredHolds(ctx, account)
	if err != nil {
		return err
	}

	available := money.Quantize(account.Currency, account.Balance.Sub(active))
	if account.AvailableBalance.Equal(available) {
		return nil
	}
	account.AvailableBalance = available
	account.UpdatedAt = e.now()
	if err := e.store.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

func (e *Engine) getAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return nil, &AccountNotFoundError{AccountID: accountID}
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

func (e *Engine) rejectEntry(reason string, err error) error {
	if e.metrics != nil {
		e.metrics.JournalsRejected.WithLabelValues(reason).Inc()
	}
	return err
}

func (e *Engine) markDuplicate() {
	if e.metrics != nil {
		e.metrics.JournalsDeduplicated.Inc()
	}
}

func rejectReason(err error) string {
	var unbalanced *UnbalancedEntryError
	var insufficient *InsufficientAvailableBalanceError
	switch {
	case errors.As(err, &unbalanced):
		return "unbalanced"
	case errors.As(err, &insufficient):
		return "insufficient_balance"
	default:
		return "validation"
	}
}
