package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marginledger/internal/ledger"
	"marginledger/internal/margin"
	"marginledger/internal/store/memory"
)

func TestLedgerStoreReturnsCopies(t *testing.T) {
	store := memory.NewLedgerStore()
	ctx := context.Background()

	account := &ledger.Account{
		ID:        uuid.New(),
		TenantID:  "tenant-1",
		Currency:  "USD",
		Balance:   decimal.NewFromInt(100),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.CreateAccount(ctx, account); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Mutating the input after Create must not leak into the store.
	account.Balance = decimal.NewFromInt(999)

	got, err := store.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("stored balance: got %s, want 100", got.Balance)
	}

	// Mutating a read result must not leak either.
	got.Balance = decimal.NewFromInt(-1)
	again, _ := store.GetAccount(ctx, account.ID)
	if !again.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance after mutating a read copy: got %s, want 100", again.Balance)
	}
}

func TestLedgerStoreNotFound(t *testing.T) {
	store := memory.NewLedgerStore()
	ctx := context.Background()

	if _, err := store.GetAccount(ctx, uuid.New()); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("GetAccount: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetHold(ctx, uuid.New()); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("GetHold: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetEntryByIdempotencyKey(ctx, "tenant-1", "nope"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("GetEntryByIdempotencyKey: expected ErrNotFound, got %v", err)
	}
	err := store.UpdateAccount(ctx, &ledger.Account{ID: uuid.New()})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("UpdateAccount: expected ErrNotFound, got %v", err)
	}
}

func TestLedgerStoreIdempotencyIndex(t *testing.T) {
	store := memory.NewLedgerStore()
	ctx := context.Background()

	entry := &ledger.JournalEntry{
		ID:             uuid.New(),
		TenantID:       "tenant-1",
		IdempotencyKey: "req-1",
		Lines: []ledger.Line{
			{AccountID: uuid.New(), Debit: decimal.NewFromInt(5), Currency: "USD"},
			{AccountID: uuid.New(), Credit: decimal.NewFromInt(5), Currency: "USD"},
		},
		CreatedAt: time.Now(),
	}
	if err := store.ApplyEntry(ctx, nil, entry); err != nil {
		t.Fatalf("apply entry: %v", err)
	}

	got, err := store.GetEntryByIdempotencyKey(ctx, "tenant-1", "req-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != entry.ID {
		t.Errorf("lookup returned wrong entry: %s vs %s", got.ID, entry.ID)
	}

	// Other tenants do not see the key.
	if _, err := store.GetEntryByIdempotencyKey(ctx, "tenant-2", "req-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("cross-tenant lookup: expected ErrNotFound, got %v", err)
	}
}

func TestLedgerStoreApplyEntryUpsertsAccounts(t *testing.T) {
	store := memory.NewLedgerStore()
	ctx := context.Background()

	existing := &ledger.Account{
		ID: uuid.New(), TenantID: "tenant-1", Currency: "USD",
		Balance: decimal.NewFromInt(100), AvailableBalance: decimal.NewFromInt(100),
	}
	if err := store.CreateAccount(ctx, existing); err != nil {
		t.Fatalf("create account: %v", err)
	}

	moved := *existing
	moved.Balance = decimal.NewFromInt(90)
	moved.AvailableBalance = decimal.NewFromInt(90)
	fresh := &ledger.Account{
		ID: uuid.New(), TenantID: "tenant-1", Currency: "USD",
		Balance: decimal.NewFromInt(10), AvailableBalance: decimal.NewFromInt(10),
	}
	entry := &ledger.JournalEntry{
		ID:       uuid.New(),
		TenantID: "tenant-1",
		Lines: []ledger.Line{
			{AccountID: moved.ID, Debit: decimal.NewFromInt(10), Currency: "USD"},
			{AccountID: fresh.ID, Credit: decimal.NewFromInt(10), Currency: "USD"},
		},
		CreatedAt: time.Now(),
	}
	if err := store.ApplyEntry(ctx, []*ledger.Account{&moved, fresh}, entry); err != nil {
		t.Fatalf("apply entry: %v", err)
	}

	got, err := store.GetAccount(ctx, moved.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.Balance.Equal(decimal.NewFromInt(90)) {
		t.Errorf("updated balance: got %s, want 90", got.Balance)
	}
	created, err := store.GetAccount(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("staged account was not inserted: %v", err)
	}
	if !created.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("staged account balance: got %s, want 10", created.Balance)
	}

	entries, err := store.ListEntriesByAccount(ctx, "tenant-1", fresh.ID)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != entry.ID {
		t.Errorf("entry not recorded with the accounts: got %d entries", len(entries))
	}
}

func TestMarginStoreOpenPositionFilters(t *testing.T) {
	store := memory.NewMarginStore()
	ctx := context.Background()

	accountID := uuid.New()
	open := &margin.Position{
		ID: uuid.New(), AccountID: accountID, Symbol: "BTC-USDT",
		Status: margin.PositionStatusOpen, OpenedAt: time.Now(),
	}
	closed := &margin.Position{
		ID: uuid.New(), AccountID: accountID, Symbol: "ETH-USDT",
		Status: margin.PositionStatusClosed, OpenedAt: time.Now(),
	}
	for _, p := range []*margin.Position{open, closed} {
		if err := store.CreatePosition(ctx, p); err != nil {
			t.Fatalf("create position: %v", err)
		}
	}

	byAccount, err := store.ListOpenPositionsByAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("list by account: %v", err)
	}
	if len(byAccount) != 1 || byAccount[0].ID != open.ID {
		t.Errorf("open positions by account: got %d, want the single open one", len(byAccount))
	}

	symbols, err := store.ListOpenSymbols(ctx)
	if err != nil {
		t.Fatalf("list symbols: %v", err)
	}
	if len(symbols) != 1 || symbols[0] != "BTC-USDT" {
		t.Errorf("open symbols: got %v, want [BTC-USDT]", symbols)
	}
}

func TestMarginStoreRiskParamsRoundTrip(t *testing.T) {
	store := memory.NewMarginStore()
	ctx := context.Background()

	if _, err := store.GetRiskParams(ctx, "tenant-1"); !errors.Is(err, margin.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	params := margin.DefaultRiskParams("tenant-1")
	params.MaxLeverage = decimal.NewFromInt(25)
	if err := store.PutRiskParams(ctx, params); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.GetRiskParams(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.MaxLeverage.Equal(decimal.NewFromInt(25)) {
		t.Errorf("max leverage: got %s, want 25", got.MaxLeverage)
	}
}
