package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marginledger/internal/ledger"
)

// LedgerStore implements ledger.Store on Postgres. Journal lines and
// metadata are stored as JSONB; amounts as NUMERIC.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// lineRow is the JSONB shape of a journal line.
type lineRow struct {
	AccountID uuid.UUID       `json:"account_id"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
	Currency  string          `json:"currency"`
}

func encodeLines(lines []ledger.Line) ([]byte, error) {
	rows := make([]lineRow, len(lines))
	for i, l := range lines {
		rows[i] = lineRow(l)
	}
	return json.Marshal(rows)
}

func decodeLines(raw []byte) ([]ledger.Line, error) {
	var rows []lineRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	lines := make([]ledger.Line, len(rows))
	for i, r := range rows {
		lines[i] = ledger.Line(r)
	}
	return lines, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	var a ledger.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, currency, balance, available_balance, overdraft, status, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id).Scan(
		&a.ID, &a.TenantID, &a.Currency, &a.Balance, &a.AvailableBalance,
		&a.Overdraft, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (s *LedgerStore) CreateAccount(ctx context.Context, a *ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, tenant_id, currency, balance, available_balance, overdraft, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.TenantID, a.Currency, a.Balance, a.AvailableBalance, a.Overdraft, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *LedgerStore) UpdateAccount(ctx context.Context, a *ledger.Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $2, available_balance = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, a.ID, a.Balance, a.AvailableBalance, a.Status, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// ApplyEntry upserts the staged accounts and inserts the journal entry
// in a single transaction. A failure anywhere (connection loss, the
// idempotency unique index) rolls the whole posting back.
func (s *LedgerStore) ApplyEntry(ctx context.Context, accounts []*ledger.Account, e *ledger.JournalEntry) error {
	lines, err := encodeLines(e.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}
	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var idemKey sql.NullString
	if e.IdempotencyKey != "" {
		idemKey = sql.NullString{String: e.IdempotencyKey, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply entry: %w", err)
	}
	defer tx.Rollback()

	for _, a := range accounts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, tenant_id, currency, balance, available_balance, overdraft, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE
			SET balance = EXCLUDED.balance,
			    available_balance = EXCLUDED.available_balance,
			    status = EXCLUDED.status,
			    updated_at = EXCLUDED.updated_at
		`, a.ID, a.TenantID, a.Currency, a.Balance, a.AvailableBalance, a.Overdraft, a.Status, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("apply account %s: %w", a.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal_entries (id, tenant_id, description, lines, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.TenantID, e.Description, lines, idemKey, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply entry: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetEntryByIdempotencyKey(ctx context.Context, tenantID, key string) (*ledger.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, description, lines, idempotency_key, metadata, created_at
		FROM journal_entries WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry by idempotency key: %w", err)
	}
	return entry, nil
}

func (s *LedgerStore) ListEntriesByAccount(ctx context.Context, tenantID string, accountID uuid.UUID) ([]*ledger.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, description, lines, idempotency_key, metadata, created_at
		FROM journal_entries
		WHERE tenant_id = $1
		  AND lines @> $2::jsonb
		ORDER BY created_at, id
	`, tenantID, fmt.Sprintf(`[{"account_id": %q}]`, accountID))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []*ledger.JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*ledger.JournalEntry, error) {
	var (
		e        ledger.JournalEntry
		lines    []byte
		metadata []byte
		idemKey  sql.NullString
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.Description, &lines, &idemKey, &metadata, &e.CreatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeLines(lines)
	if err != nil {
		return nil, fmt.Errorf("decode lines: %w", err)
	}
	e.Lines = decoded
	e.IdempotencyKey = idemKey.String
	if e.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &e, nil
}

func (s *LedgerStore) CreateHold(ctx context.Context, h *ledger.Hold) error {
	metadata, err := encodeMetadata(h.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO holds (id, account_id, tenant_id, amount, currency, description, status, expires_at, metadata, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, h.ID, h.AccountID, h.TenantID, h.Amount, h.Currency, h.Description, h.Status, h.ExpiresAt, metadata, h.CreatedAt, h.ResolvedAt)
	if err != nil {
		return fmt.Errorf("create hold: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetHold(ctx context.Context, id uuid.UUID) (*ledger.Hold, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, tenant_id, amount, currency, description, status, expires_at, metadata, created_at, resolved_at
		FROM holds WHERE id = $1
	`, id)
	hold, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hold: %w", err)
	}
	return hold, nil
}

func (s *LedgerStore) UpdateHold(ctx context.Context, h *ledger.Hold) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE holds SET status = $2, resolved_at = $3 WHERE id = $1
	`, h.ID, h.Status, h.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *LedgerStore) ListHoldsByAccount(ctx context.Context, accountID uuid.UUID) ([]*ledger.Hold, error) {
	return s.listHolds(ctx, `
		SELECT id, account_id, tenant_id, amount, currency, description, status, expires_at, metadata, created_at, resolved_at
		FROM holds WHERE account_id = $1 ORDER BY created_at, id
	`, accountID)
}

func (s *LedgerStore) ListActiveHolds(ctx context.Context) ([]*ledger.Hold, error) {
	return s.listHolds(ctx, `
		SELECT id, account_id, tenant_id, amount, currency, description, status, expires_at, metadata, created_at, resolved_at
		FROM holds WHERE status = $1 ORDER BY created_at, id
	`, ledger.HoldStatusActive)
}

func (s *LedgerStore) listHolds(ctx context.Context, query string, args ...any) ([]*ledger.Hold, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Hold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		out = append(out, hold)
	}
	return out, rows.Err()
}

func scanHold(row rowScanner) (*ledger.Hold, error) {
	var (
		h        ledger.Hold
		metadata []byte
	)
	if err := row.Scan(
		&h.ID, &h.AccountID, &h.TenantID, &h.Amount, &h.Currency, &h.Description,
		&h.Status, &h.ExpiresAt, &metadata, &h.CreatedAt, &h.ResolvedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if h.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &h, nil
}
