package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pmx/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// A single mutex makes every Apply* call atomic and isolated.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	markets   map[string]*model.Market
	positions map[posKey]*model.Position
	ledger    []model.LedgerEntry
}

type posKey struct {
	accountID string
	marketID  string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		markets:   make(map[string]*model.Market),
		positions: make(map[posKey]*model.Position),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account, grant *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return model.ErrAccountExists
	}

	// Store copies to avoid external mutation.
	cp := *acct
	s.accounts[acct.ID] = &cp
	if grant != nil {
		s.ledger = append(s.ledger, *grant)
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, model.ErrMarketNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sortMarketsNewestFirst(markets)
	return markets, nil
}

func (s *MemoryStore) ListOpenMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markets []model.Market
	for _, m := range s.markets {
		if !m.Resolved {
			markets = append(markets, *m)
		}
	}
	sortMarketsNewestFirst(markets)
	return markets, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey{accountID, marketID}]
	if !ok {
		return nil, model.ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].AccountID < positions[j].AccountID
	})
	return positions, nil
}

func (s *MemoryStore) ListLedgerByAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// ApplyTrade commits all five mutations of a buy under one lock. All
// precondition checks run before the first mutation, so a rejection
// leaves the store byte-for-byte unchanged.
func (s *MemoryStore) ApplyTrade(_ context.Context, mut TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[mut.AccountID]
	if !ok {
		return model.ErrAccountNotFound
	}
	m, ok := s.markets[mut.MarketID]
	if !ok {
		return model.ErrMarketNotFound
	}
	if m.Resolved {
		return model.ErrMarketClosed
	}
	if acct.Balance.LessThan(mut.Amount) {
		return model.ErrInsufficientFunds
	}

	acct.Balance = acct.Balance.Sub(mut.Amount)

	if mut.Outcome == model.OutcomeYes {
		m.PoolYes = m.PoolYes.Add(mut.Amount)
	} else {
		m.PoolNo = m.PoolNo.Add(mut.Amount)
	}

	key := posKey{mut.AccountID, mut.MarketID}
	p, ok := s.positions[key]
	if !ok {
		p = &model.Position{AccountID: mut.AccountID, MarketID: mut.MarketID}
		s.positions[key] = p
	}
	if mut.Outcome == model.OutcomeYes {
		p.SharesYes = p.SharesYes.Add(mut.Shares)
	} else {
		p.SharesNo = p.SharesNo.Add(mut.Shares)
	}

	s.ledger = append(s.ledger, mut.Entry)
	return nil
}

// ApplyResolution flips the resolved flag and credits every staged payout
// under one lock. The flag check runs first, so a second resolution is
// rejected before any payout is applied.
func (s *MemoryStore) ApplyResolution(_ context.Context, mut ResolutionMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[mut.MarketID]
	if !ok {
		return model.ErrMarketNotFound
	}
	if m.Resolved {
		return model.ErrAlreadyResolved
	}
	for _, p := range mut.Payouts {
		if _, ok := s.accounts[p.AccountID]; !ok {
			return model.ErrAccountNotFound
		}
	}

	m.Resolved = true
	outcome := mut.Outcome
	m.Outcome = &outcome
	if mut.ResolutionSource != "" {
		m.ResolutionSource = mut.ResolutionSource
	}

	for _, p := range mut.Payouts {
		acct := s.accounts[p.AccountID]
		acct.Balance = acct.Balance.Add(p.Amount)
		s.ledger = append(s.ledger, p.Entry)
	}
	return nil
}

func sortMarketsNewestFirst(markets []model.Market) {
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
}
