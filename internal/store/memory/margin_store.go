package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"marginledger/internal/margin"
)

// MarginStore is an in-memory margin.Store.
type MarginStore struct {
	mu            sync.RWMutex
	accounts      map[uuid.UUID]*margin.Account
	positions     map[uuid.UUID]*margin.Position
	positionOrder []uuid.UUID
	riskParams    map[string]*margin.RiskParams
	liquidations  map[uuid.UUID][]*margin.LiquidationEvent
}

func NewMarginStore() *MarginStore {
	return &MarginStore{
		accounts:     make(map[uuid.UUID]*margin.Account),
		positions:    make(map[uuid.UUID]*margin.Position),
		riskParams:   make(map[string]*margin.RiskParams),
		liquidations: make(map[uuid.UUID][]*margin.LiquidationEvent),
	}
}

func cloneMarginAccount(a *margin.Account) *margin.Account {
	c := *a
	return &c
}

func clonePosition(p *margin.Position) *margin.Position {
	c := *p
	c.ClosedAt = cloneTime(p.ClosedAt)
	return &c
}

func cloneRiskParams(p *margin.RiskParams) *margin.RiskParams {
	c := *p
	return &c
}

func cloneLiquidationEvent(e *margin.LiquidationEvent) *margin.LiquidationEvent {
	c := *e
	return &c
}

func (s *MarginStore) GetAccount(ctx context.Context, id uuid.UUID) (*margin.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, margin.ErrNotFound
	}
	return cloneMarginAccount(a), nil
}

func (s *MarginStore) CreateAccount(ctx context.Context, account *margin.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = cloneMarginAccount(account)
	return nil
}

func (s *MarginStore) UpdateAccount(ctx context.Context, account *margin.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; !ok {
		return margin.ErrNotFound
	}
	s.accounts[account.ID] = cloneMarginAccount(account)
	return nil
}

func (s *MarginStore) FindAccounts(ctx context.Context, userID, tenantID, brokerID string) ([]*margin.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*margin.Account
	for _, a := range s.accounts {
		if a.OwnedBy(userID, tenantID, brokerID) {
			out = append(out, cloneMarginAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MarginStore) GetPosition(ctx context.Context, id uuid.UUID) (*margin.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, margin.ErrNotFound
	}
	return clonePosition(p), nil
}

func (s *MarginStore) CreatePosition(ctx context.Context, position *margin.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[position.ID] = clonePosition(position)
	s.positionOrder = append(s.positionOrder, position.ID)
	return nil
}

func (s *MarginStore) UpdatePosition(ctx context.Context, position *margin.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[position.ID]; !ok {
		return margin.ErrNotFound
	}
	s.positions[position.ID] = clonePosition(position)
	return nil
}

func (s *MarginStore) ListOpenPositionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*margin.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*margin.Position
	for _, id := range s.positionOrder {
		if p := s.positions[id]; p.AccountID == accountID && !p.Status.IsTerminal() {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (s *MarginStore) ListOpenPositionsBySymbol(ctx context.Context, symbol string) ([]*margin.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*margin.Position
	for _, id := range s.positionOrder {
		if p := s.positions[id]; p.Symbol == symbol && !p.Status.IsTerminal() {
			out = append(out, clonePosition(p))
		}
	}
	return out, nil
}

func (s *MarginStore) ListOpenSymbols(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, id := range s.positionOrder {
		p := s.positions[id]
		if p.Status.IsTerminal() {
			continue
		}
		if _, ok := seen[p.Symbol]; !ok {
			seen[p.Symbol] = struct{}{}
			out = append(out, p.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MarginStore) GetRiskParams(ctx context.Context, tenantID string) (*margin.RiskParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.riskParams[tenantID]
	if !ok {
		return nil, margin.ErrNotFound
	}
	return cloneRiskParams(p), nil
}

func (s *MarginStore) PutRiskParams(ctx context.Context, params *margin.RiskParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskParams[params.TenantID] = cloneRiskParams(params)
	return nil
}

func (s *MarginStore) CreateLiquidationEvent(ctx context.Context, event *margin.LiquidationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liquidations[event.AccountID] = append(s.liquidations[event.AccountID], cloneLiquidationEvent(event))
	return nil
}

func (s *MarginStore) ListLiquidationEvents(ctx context.Context, accountID uuid.UUID) ([]*margin.LiquidationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.liquidations[accountID]
	out := make([]*margin.LiquidationEvent, 0, len(events))
	for _, e := range events {
		out = append(out, cloneLiquidationEvent(e))
	}
	return out, nil
}
