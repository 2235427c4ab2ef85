package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marginledger/internal/ledger"
	"marginledger/internal/store/memory"
)

// ============================================================
// Helpers
// ============================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*ledger.Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := ledger.NewEngine(
		memory.NewLedgerStore(),
		zerolog.Nop(),
		nil,
		ledger.WithClock(clock.Now),
	)
	return engine, clock
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

// fundedAccount creates a user account and credits it from a system
// funding account.
func fundedAccount(t *testing.T, engine *ledger.Engine, tenantID, currency, amount string) *ledger.Account {
	t.Helper()
	ctx := context.Background()

	account, err := engine.CreateAccount(ctx, tenantID, currency)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	funding, err := engine.CreateSystemAccount(ctx, tenantID, currency)
	if err != nil {
		t.Fatalf("create system account: %v", err)
	}

	_, err = engine.PostJournalEntry(ctx, tenantID, "test deposit", []ledger.Line{
		{AccountID: funding.ID, Debit: dec(t, amount), Currency: currency},
		{AccountID: account.ID, Credit: dec(t, amount), Currency: currency},
	}, "", nil)
	if err != nil {
		t.Fatalf("fund account: %v", err)
	}
	return account
}

func balanceOf(t *testing.T, engine *ledger.Engine, accountID uuid.UUID) ledger.Balance {
	t.Helper()
	b, err := engine.GetAccountBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b
}

// ============================================================
// Journal entries
// ============================================================

func TestPostJournalEntryMovesBalances(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	b, err := engine.CreateAccount(ctx, "tenant-1", "USD")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	_, err = engine.PostJournalEntry(ctx, "tenant-1", "transfer", []ledger.Line{
		{AccountID: a.ID, Debit: dec(t, "100"), Currency: "USD"},
		{AccountID: b.ID, Credit: dec(t, "100"), Currency: "USD"},
	}, "", nil)
	if err != nil {
		t.Fatalf("post entry: %v", err)
	}

	if got := balanceOf(t, engine, a.ID).Balance; !got.Equal(dec(t, "900")) {
		t.Errorf("account a balance: got %s, want 900", got)
	}
	if got := balanceOf(t, engine, b.ID).Balance; !got.Equal(dec(t, "100")) {
		t.Errorf("account b balance: got %s, want 100", got)
	}
}

func TestPostJournalEntryRejectsUnbalanced(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	b, _ := engine.CreateAccount(ctx, "tenant-1", "USD")

	_, err := engine.PostJournalEntry(ctx, "tenant-1", "broken", []ledger.Line{
		{AccountID: a.ID, Debit: dec(t, "100"), Currency: "USD"},
		{AccountID: b.ID, Credit: dec(t, "90"), Currency: "USD"},
	}, "", nil)

	var unbalanced *ledger.UnbalancedEntryError
	if !errors.As(err, &unbalanced) {
		t.Fatalf("expected UnbalancedEntryError, got %v", err)
	}
	if got := balanceOf(t, engine, a.ID).Balance; !got.Equal(dec(t, "1000")) {
		t.Errorf("rejected entry must not move balances: got %s, want 1000", got)
	}
}

func TestPostJournalEntryRejectsOverdraw(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "50")
	b, _ := engine.CreateAccount(ctx, "tenant-1", "USD")

	_, err := engine.PostJournalEntry(ctx, "tenant-1", "too big", []ledger.Line{
		{AccountID: a.ID, Debit: dec(t, "100"), Currency: "USD"},
		{AccountID: b.ID, Credit: dec(t, "100"), Currency: "USD"},
	}, "", nil)

	var insufficient *ledger.InsufficientAvailableBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientAvailableBalanceError, got %v", err)
	}
	if got := balanceOf(t, engine, a.ID).Balance; !got.Equal(dec(t, "50")) {
		t.Errorf("rejected entry must not move balances: got %s, want 50", got)
	}
	if got := balanceOf(t, engine, b.ID).Balance; !got.IsZero() {
		t.Errorf("credit side must stay zero: got %s", got)
	}
}

func TestPostJournalEntryRejectsLineShape(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	a := fundedAccount(t, engine, "tenant-1", "USD", "100")

	cases := []struct {
		name  string
		lines []ledger.Line
	}{
		{"empty", nil},
		{"both sides set", []ledger.Line{
			{AccountID: a.ID, Debit: dec(t, "10"), Credit: dec(t, "10"), Currency: "USD"},
			{AccountID: uuid.New(), Credit: dec(t, "0"), Currency: "USD"},
		}},
		{"zero amount", []ledger.Line{
			{AccountID: a.ID, Debit: decimal.Zero, Currency: "USD"},
		}},
		{"negative amount", []ledger.Line{
			{AccountID: a.ID, Debit: dec(t, "-5"), Currency: "USD"},
			{AccountID: uuid.New(), Credit: dec(t, "-5"), Currency: "USD"},
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := engine.PostJournalEntry(ctx, "tenant-1", c.name, c.lines, "", nil)
			var validation *ledger.ValidationError
			if err == nil || !errors.As(err, &validation) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestPostJournalEntryRejectsCurrencyMismatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "100")
	b, _ := engine.CreateAccount(ctx, "tenant-1", "EUR")

	_, err := engine.PostJournalEntry(ctx, "tenant-1", "wrong currency", []ledger.Line{
		{AccountID: a.ID, Debit: dec(t, "10"), Currency: "USD"},
		{AccountID: b.ID, Credit: dec(t, "10"), Currency: "USD"},
	}, "", nil)

	var validation *ledger.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for currency mismatch, got %v", err)
	}
}

func TestPostJournalEntryMultiCurrencyBalancesPerCurrency(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	usd := fundedAccount(t, engine, "tenant-1", "USD", "100")
	btc := fundedAccount(t, engine, "tenant-1", "BTC", "1")
	usdTo, _ := engine.CreateAccount(ctx, "tenant-1", "USD")
	btcTo, _ := engine.CreateAccount(ctx, "tenant-1", "BTC")

	// Balanced within each currency group.
	_, err := engine.PostJournalEntry(ctx, "tenant-1", "multi currency", []ledger.Line{
		{AccountID: usd.ID, Debit: dec(t, "10"), Currency: "USD"},
		{AccountID: usdTo.ID, Credit: dec(t, "10"), Currency: "USD"},
		{AccountID: btc.ID, Debit: dec(t, "0.5"), Currency: "BTC"},
		{AccountID: btcTo.ID, Credit: dec(t, "0.5"), Currency: "BTC"},
	}, "", nil)
	if err != nil {
		t.Fatalf("post entry: %v", err)
	}

	// Balanced in total but not per currency.
	_, err = engine.PostJournalEntry(ctx, "tenant-1", "cross currency", []ledger.Line{
		{AccountID: usd.ID, Debit: dec(t, "1"), Currency: "USD"},
		{AccountID: btcTo.ID, Credit: dec(t, "1"), Currency: "BTC"},
	}, "", nil)
	var unbalanced *ledger.UnbalancedEntryError
	if !errors.As(err, &unbalanced) {
		t.Fatalf("expected UnbalancedEntryError for cross-currency entry, got %v", err)
	}
}

func TestPostJournalEntryAutoCreatesAccounts(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	funding, err := engine.CreateSystemAccount(ctx, "tenant-1", "USD")
	if err != nil {
		t.Fatalf("create system account: %v", err)
	}
	fresh := uuid.New()

	_, err = engine.PostJournalEntry(ctx, "tenant-1", "first touch", []ledger.Line{
		{AccountID: funding.ID, Debit: dec(t, "25"), Currency: "USD"},
		{AccountID: fresh, Credit: dec(t, "25"), Currency: "USD"},
	}, "", nil)
	if err != nil {
		t.Fatalf("post entry: %v", err)
	}

	if got := balanceOf(t, engine, fresh).Balance; !got.Equal(dec(t, "25")) {
		t.Errorf("auto-created account balance: got %s, want 25", got)
	}
}

func TestRejectedEntryLeavesNoAutoCreatedAccount(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	btc := fundedAccount(t, engine, "tenant-1", "BTC", "1")
	fresh := uuid.New()

	// The first line would auto-create an account; the second fails the
	// account-currency check. Nothing may survive the rejection.
	_, err := engine.PostJournalEntry(ctx, "tenant-1", "bad entry", []ledger.Line{
		{AccountID: fresh, Credit: dec(t, "10"), Currency: "USD"},
		{AccountID: btc.ID, Debit: dec(t, "10"), Currency: "USD"},
	}, "", nil)
	var validation *ledger.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	var notFound *ledger.AccountNotFoundError
	if _, err := engine.GetAccountBalance(ctx, fresh); !errors.As(err, &notFound) {
		t.Errorf("rejected entry persisted the auto-created account: %v", err)
	}
}

func TestPostJournalEntryRejectsForeignTenantAccount(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	victim := fundedAccount(t, engine, "tenant-a", "USD", "1000")
	own := fundedAccount(t, engine, "tenant-b", "USD", "1000")

	_, err := engine.PostJournalEntry(ctx, "tenant-b", "drain attempt", []ledger.Line{
		{AccountID: victim.ID, Debit: dec(t, "1000"), Currency: "USD"},
		{AccountID: own.ID, Credit: dec(t, "1000"), Currency: "USD"},
	}, "", nil)
	var notFound *ledger.AccountNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected AccountNotFoundError for foreign account, got %v", err)
	}
	if notFound.AccountID != victim.ID {
		t.Errorf("error names account %s, want %s", notFound.AccountID, victim.ID)
	}

	if got := balanceOf(t, engine, victim.ID).Balance; !got.Equal(dec(t, "1000")) {
		t.Errorf("foreign tenant moved the balance: got %s, want 1000", got)
	}
	if got := balanceOf(t, engine, own.ID).Balance; !got.Equal(dec(t, "1000")) {
		t.Errorf("rejected entry credited the poster: got %s, want 1000", got)
	}
}

func TestPostJournalEntryRejectsClosedAccount(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "100")
	b, _ := engine.CreateAccount(ctx, "tenant-1", "USD")
	if err := engine.CloseAccount(ctx, b.ID); err != nil {
		t.Fatalf("close account: %v", err)
	}

	_, err := engine.PostJournalEntry(ctx, "tenant-1", "to closed", []ledger.Line{
		{AccountID: a.ID, Debit: dec(t, "10"), Currency: "USD"},
		{AccountID: b.ID, Credit: dec(t, "10"), Currency: "USD"},
	}, "", nil)
	var validation *ledger.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError posting to closed account, got %v", err)
	}
}

// ============================================================
// Idempotency
// ============================================================

func TestPostJournalEntryIdempotentRetry(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	b, _ := engine.CreateAccount(ctx, "tenant-1", "USD")
	lines := []ledger.Line{
		{AccountID: a.ID, Debit: dec(t, "100"), Currency: "USD"},
		{AccountID: b.ID, Credit: dec(t, "100"), Currency: "USD"},
	}

	first, err := engine.PostJournalEntry(ctx, "tenant-1", "transfer", lines, "req-1", nil)
	if err != nil {
		t.Fatalf("post entry: %v", err)
	}
	second, err := engine.PostJournalEntry(ctx, "tenant-1", "transfer", lines, "req-1", nil)
	if err != nil {
		t.Fatalf("retry post entry: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("retry returned a different entry: %s vs %s", first.ID, second.ID)
	}
	if got := balanceOf(t, engine, a.ID).Balance; !got.Equal(dec(t, "900")) {
		t.Errorf("retry must not move balances: got %s, want 900", got)
	}
}

func TestIdempotencyKeysAreTenantScoped(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a1 := fundedAccount(t, engine, "tenant-1", "USD", "100")
	b1, _ := engine.CreateAccount(ctx, "tenant-1", "USD")
	a2 := fundedAccount(t, engine, "tenant-2", "USD", "100")
	b2, _ := engine.CreateAccount(ctx, "tenant-2", "USD")

	e1, err := engine.PostJournalEntry(ctx, "tenant-1", "t1", []ledger.Line{
		{AccountID: a1.ID, Debit: dec(t, "10"), Currency: "USD"},
		{AccountID: b1.ID, Credit: dec(t, "10"), Currency: "USD"},
	}, "shared-key", nil)
	if err != nil {
		t.Fatalf("post tenant-1 entry: %v", err)
	}
	e2, err := engine.PostJournalEntry(ctx, "tenant-2", "t2", []ledger.Line{
		{AccountID: a2.ID, Debit: dec(t, "10"), Currency: "USD"},
		{AccountID: b2.ID, Credit: dec(t, "10"), Currency: "USD"},
	}, "shared-key", nil)
	if err != nil {
		t.Fatalf("post tenant-2 entry: %v", err)
	}

	if e1.ID == e2.ID {
		t.Error("same key under different tenants must produce distinct entries")
	}
	if got := balanceOf(t, engine, b2.ID).Balance; !got.Equal(dec(t, "10")) {
		t.Errorf("tenant-2 entry must apply: got %s, want 10", got)
	}
}

func TestIdempotentRetrySurvivesCacheEviction(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := ledger.NewEngine(
		memory.NewLedgerStore(),
		zerolog.Nop(),
		nil,
		ledger.WithClock(clock.Now),
		ledger.WithIdempotencyCacheSize(1),
	)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	b, _ := engine.CreateAccount(ctx, "tenant-1", "USD")
	lines := []ledger.Line{
		{AccountID: a.ID, Debit: dec(t, "100"), Currency: "USD"},
		{AccountID: b.ID, Credit: dec(t, "100"), Currency: "USD"},
	}

	first, err := engine.PostJournalEntry(ctx, "tenant-1", "one", lines, "req-1", nil)
	if err != nil {
		t.Fatalf("post entry: %v", err)
	}
	// Evict req-1 from the single-slot cache.
	if _, err := engine.PostJournalEntry(ctx, "tenant-1", "two", lines, "req-2", nil); err != nil {
		t.Fatalf("post second entry: %v", err)
	}

	// The store remains authoritative after cache eviction.
	retry, err := engine.PostJournalEntry(ctx, "tenant-1", "one", lines, "req-1", nil)
	if err != nil {
		t.Fatalf("retry post entry: %v", err)
	}
	if retry.ID != first.ID {
		t.Errorf("retry after eviction returned a different entry: %s vs %s", retry.ID, first.ID)
	}
	if got := balanceOf(t, engine, a.ID).Balance; !got.Equal(dec(t, "800")) {
		t.Errorf("balance after two distinct entries: got %s, want 800", got)
	}
}

// ============================================================
// Holds
// ============================================================

func TestCreateHoldReservesAvailableBalance(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")

	if _, err := engine.CreateHold(ctx, "tenant-1", a.ID, dec(t, "400"), "USD", "reserve", nil, nil); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	b := balanceOf(t, engine, a.ID)
	if !b.Balance.Equal(dec(t, "1000")) {
		t.Errorf("balance: got %s, want 1000", b.Balance)
	}
	if !b.AvailableBalance.Equal(dec(t, "600")) {
		t.Errorf("available: got %s, want 600", b.AvailableBalance)
	}

	// A further 700 exceeds the remaining 600.
	_, err := engine.CreateHold(ctx, "tenant-1", a.ID, dec(t, "700"), "USD", "too much", nil, nil)
	var insufficient *ledger.InsufficientAvailableBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientAvailableBalanceError, got %v", err)
	}
	if !insufficient.Available.Equal(dec(t, "600")) {
		t.Errorf("error available: got %s, want 600", insufficient.Available)
	}
}

func TestHoldsConstrainJournalPostings(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	b, _ := engine.CreateAccount(ctx, "tenant-1", "USD")

	if _, err := engine.CreateHold(ctx, "tenant-1", a.ID, dec(t, "400"), "USD", "reserve", nil, nil); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	// 700 > available 600 even though balance is 1000.
	_, err := engine.PostJournalEntry(ctx, "tenant-1", "blocked", []ledger.Line{
		{AccountID: a.ID, Debit: dec(t, "700"), Currency: "USD"},
		{AccountID: b.ID, Credit: dec(t, "700"), Currency: "USD"},
	}, "", nil)
	var insufficient *ledger.InsufficientAvailableBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientAvailableBalanceError, got %v", err)
	}

	// 600 exactly consumes the available balance.
	_, err = engine.PostJournalEntry(ctx, "tenant-1", "exact", []ledger.Line{
		{AccountID: a.ID, Debit: dec(t, "600"), Currency: "USD"},
		{AccountID: b.ID, Credit: dec(t, "600"), Currency: "USD"},
	}, "", nil)
	if err != nil {
		t.Fatalf("posting up to available must succeed: %v", err)
	}
}

func TestReleaseHoldRestoresAvailable(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	hold, err := engine.CreateHold(ctx, "tenant-1", a.ID, dec(t, "400"), "USD", "reserve", nil, nil)
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}

	released, err := engine.ReleaseHold(ctx, hold.ID)
	if err != nil {
		t.Fatalf("release hold: %v", err)
	}
	if released.Status != ledger.HoldStatusReleased {
		t.Errorf("status: got %s, want released", released.Status)
	}
	if got := balanceOf(t, engine, a.ID).AvailableBalance; !got.Equal(dec(t, "1000")) {
		t.Errorf("available after release: got %s, want 1000", got)
	}

	// Double release fails.
	_, err = engine.ReleaseHold(ctx, hold.ID)
	var notFound *ledger.HoldNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected HoldNotFoundError on double release, got %v", err)
	}
}

func TestExpiredHoldSettlesLazily(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	expiresAt := clock.Now().Add(time.Minute)
	hold, err := engine.CreateHold(ctx, "tenant-1", a.ID, dec(t, "400"), "USD", "short lived", &expiresAt, nil)
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if got := balanceOf(t, engine, a.ID).AvailableBalance; !got.Equal(dec(t, "600")) {
		t.Fatalf("available before expiry: got %s, want 600", got)
	}

	clock.Advance(2 * time.Minute)

	// The read settles the lapsed hold.
	if got := balanceOf(t, engine, a.ID).AvailableBalance; !got.Equal(dec(t, "1000")) {
		t.Errorf("available after expiry: got %s, want 1000", got)
	}

	// Releasing a lapsed hold fails; the expiry already restored funds.
	_, err = engine.ReleaseHold(ctx, hold.ID)
	var notFound *ledger.HoldNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected HoldNotFoundError releasing lapsed hold, got %v", err)
	}
}

func TestSweepExpiredHolds(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	b := fundedAccount(t, engine, "tenant-1", "USD", "500")

	expiresAt := clock.Now().Add(time.Minute)
	if _, err := engine.CreateHold(ctx, "tenant-1", a.ID, dec(t, "100"), "USD", "h1", &expiresAt, nil); err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if _, err := engine.CreateHold(ctx, "tenant-1", b.ID, dec(t, "200"), "USD", "h2", &expiresAt, nil); err != nil {
		t.Fatalf("create hold: %v", err)
	}
	// This one never expires.
	if _, err := engine.CreateHold(ctx, "tenant-1", b.ID, dec(t, "50"), "USD", "h3", nil, nil); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	clock.Advance(2 * time.Minute)

	expired, err := engine.SweepExpiredHolds(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 2 {
		t.Errorf("expired count: got %d, want 2", expired)
	}
	if got := balanceOf(t, engine, a.ID).AvailableBalance; !got.Equal(dec(t, "1000")) {
		t.Errorf("account a available: got %s, want 1000", got)
	}
	if got := balanceOf(t, engine, b.ID).AvailableBalance; !got.Equal(dec(t, "450")) {
		t.Errorf("account b available: got %s, want 450", got)
	}
}

func TestCreateHoldValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	a := fundedAccount(t, engine, "tenant-1", "USD", "100")

	_, err := engine.CreateHold(ctx, "tenant-1", a.ID, dec(t, "-10"), "USD", "", nil, nil)
	var validation *ledger.ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("negative amount: expected ValidationError, got %v", err)
	}

	_, err = engine.CreateHold(ctx, "tenant-1", a.ID, dec(t, "10"), "EUR", "", nil, nil)
	if !errors.As(err, &validation) {
		t.Errorf("currency mismatch: expected ValidationError, got %v", err)
	}

	_, err = engine.CreateHold(ctx, "tenant-1", uuid.New(), dec(t, "10"), "USD", "", nil, nil)
	var accountNotFound *ledger.AccountNotFoundError
	if !errors.As(err, &accountNotFound) {
		t.Errorf("unknown account: expected AccountNotFoundError, got %v", err)
	}
}

func TestCreateHoldRejectsForeignTenantAccount(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	victim := fundedAccount(t, engine, "tenant-a", "USD", "100")

	_, err := engine.CreateHold(ctx, "tenant-b", victim.ID, dec(t, "50"), "USD", "", nil, nil)
	var accountNotFound *ledger.AccountNotFoundError
	if !errors.As(err, &accountNotFound) {
		t.Fatalf("expected AccountNotFoundError for foreign account, got %v", err)
	}

	if got := balanceOf(t, engine, victim.ID).AvailableBalance; !got.Equal(dec(t, "100")) {
		t.Errorf("foreign tenant reserved funds: available %s, want 100", got)
	}
}

// ============================================================
// Accounts
// ============================================================

func TestCloseAccountRejectsActiveHolds(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "100")
	hold, err := engine.CreateHold(ctx, "tenant-1", a.ID, dec(t, "40"), "USD", "", nil, nil)
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}

	err = engine.CloseAccount(ctx, a.ID)
	var validation *ledger.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError closing account with active hold, got %v", err)
	}

	if _, err := engine.ReleaseHold(ctx, hold.ID); err != nil {
		t.Fatalf("release hold: %v", err)
	}
	if err := engine.CloseAccount(ctx, a.ID); err != nil {
		t.Fatalf("close account: %v", err)
	}

	// Closing twice is a no-op.
	if err := engine.CloseAccount(ctx, a.ID); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestGetAccountBalanceUnknownAccount(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.GetAccountBalance(context.Background(), uuid.New())
	var notFound *ledger.AccountNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected AccountNotFoundError, got %v", err)
	}
}

func TestListJournalEntries(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	b, _ := engine.CreateAccount(ctx, "tenant-1", "USD")
	for i := 0; i < 3; i++ {
		_, err := engine.PostJournalEntry(ctx, "tenant-1", "transfer", []ledger.Line{
			{AccountID: a.ID, Debit: dec(t, "10"), Currency: "USD"},
			{AccountID: b.ID, Credit: dec(t, "10"), Currency: "USD"},
		}, "", nil)
		if err != nil {
			t.Fatalf("post entry %d: %v", i, err)
		}
	}

	entries, err := engine.ListJournalEntries(ctx, "tenant-1", b.ID)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("entries for b: got %d, want 3", len(entries))
	}
}

// ============================================================
// Concurrency
// ============================================================

func TestConcurrentPostingsSerialize(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	funding, err := engine.CreateSystemAccount(ctx, "tenant-1", "USD")
	if err != nil {
		t.Fatalf("create system account: %v", err)
	}
	target, err := engine.CreateAccount(ctx, "tenant-1", "USD")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.PostJournalEntry(ctx, "tenant-1", "concurrent credit", []ledger.Line{
				{AccountID: funding.ID, Debit: decimal.NewFromInt(1), Currency: "USD"},
				{AccountID: target.ID, Credit: decimal.NewFromInt(1), Currency: "USD"},
			}, "", nil)
			if err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent post failed: %v", err)
	}

	if got := balanceOf(t, engine, target.ID).Balance; !got.Equal(decimal.NewFromInt(workers)) {
		t.Errorf("balance after %d concurrent credits: got %s, want %d", workers, got, workers)
	}
}

func TestConcurrentIdempotentPostingsApplyOnce(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a := fundedAccount(t, engine, "tenant-1", "USD", "1000")
	b, err := engine.CreateAccount(ctx, "tenant-1", "USD")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := engine.PostJournalEntry(ctx, "tenant-1", "race", []ledger.Line{
				{AccountID: a.ID, Debit: dec(t, "100"), Currency: "USD"},
				{AccountID: b.ID, Credit: dec(t, "100"), Currency: "USD"},
			}, "race-key", nil)
			if err != nil {
				t.Errorf("post: %v", err)
				return
			}
			ids <- entry.ID
		}()
	}
	wg.Wait()
	close(ids)

	var first uuid.UUID
	for id := range ids {
		if first == uuid.Nil {
			first = id
			continue
		}
		if id != first {
			t.Errorf("racing postings returned different entries: %s vs %s", id, first)
		}
	}
	if got := balanceOf(t, engine, a.ID).Balance; !got.Equal(dec(t, "900")) {
		t.Errorf("balance after racing idempotent postings: got %s, want 900", got)
	}
}
