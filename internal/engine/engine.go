// Package engine implements the trading and settlement core of the
// prediction market: market creation, the atomic buy operation, and
// one-time market resolution with payouts.
//
// Concurrency discipline: the engine owns per-row locks for accounts and
// markets, acquired in a fixed order (account before market) and held for
// the full read-modify-write sequence. Two buys on different markets by
// different accounts proceed in parallel; two buys on the same market
// serialize on the market lock; a resolution excludes all buys on its
// market for its duration. Locks serialize a single engine instance — for
// horizontal scaling the store's row locks (SELECT ... FOR UPDATE) take
// over and lock-timeout contention surfaces as model.ErrContention.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pmx/market-engine/internal/cpmm"
	"github.com/pmx/market-engine/internal/metrics"
	"github.com/pmx/market-engine/internal/model"
	"github.com/pmx/market-engine/internal/store"
)

// TradeResult reports the economics of an executed buy, including the
// post-trade probabilities recomputed from the updated pools.
type TradeResult struct {
	MarketID       string          `json:"market_id"`
	AccountID      string          `json:"account_id"`
	Outcome        model.Outcome   `json:"outcome"`
	AmountSpent    decimal.Decimal `json:"amount_spent"`
	SharesReceived decimal.Decimal `json:"shares_received"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	ProbYes        decimal.Decimal `json:"prob_yes"`
	ProbNo         decimal.Decimal `json:"prob_no"`
}

// Engine orchestrates trades and resolutions against the store.
type Engine struct {
	store    store.Store
	accounts *keyedMutex
	markets  *keyedMutex
}

// New creates an engine backed by the given store.
func New(st store.Store) *Engine {
	return &Engine{
		store:    st,
		accounts: newKeyedMutex(),
		markets:  newKeyedMutex(),
	}
}

// CreateAccount creates an account with the given starting balance.
// A positive starting balance is granted through a BONUS ledger entry so
// the ledger accounts for every unit of balance ever issued.
func (e *Engine) CreateAccount(ctx context.Context, startingBalance decimal.Decimal) (*model.Account, error) {
	if startingBalance.IsNegative() {
		return nil, fmt.Errorf("%w: starting balance must not be negative", model.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	acct := &model.Account{
		ID:        uuid.New().String(),
		Balance:   startingBalance,
		CreatedAt: now,
	}

	var grant *model.LedgerEntry
	if startingBalance.IsPositive() {
		grant = &model.LedgerEntry{
			ID:        uuid.New().String(),
			AccountID: acct.ID,
			Amount:    startingBalance,
			Kind:      model.KindBonus,
			CreatedAt: now,
		}
	}

	if err := e.store.CreateAccount(ctx, acct, grant); err != nil {
		return nil, err
	}

	slog.Info("account created", "id", acct.ID, "balance", acct.Balance.String())
	return acct, nil
}

// CreateMarket creates a market seeded with equal liquidity in both pools.
// Rejects an empty question and a non-positive initial pool.
func (e *Engine) CreateMarket(ctx context.Context, question, description string, closeTime time.Time, initialPool decimal.Decimal) (*model.Market, error) {
	if question == "" {
		return nil, fmt.Errorf("%w: question must not be empty", model.ErrInvalidArgument)
	}
	if initialPool.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: initial pool must be greater than 0", model.ErrInvalidArgument)
	}

	market := &model.Market{
		ID:          uuid.New().String(),
		Question:    question,
		Description: description,
		CloseTime:   closeTime.UTC(),
		PoolYes:     initialPool,
		PoolNo:      initialPool,
		CreatedAt:   time.Now().UTC(),
	}

	if err := e.store.CreateMarket(ctx, market); err != nil {
		return nil, err
	}

	metrics.MarketsCreated.Inc()
	slog.Info("market created",
		"id", market.ID,
		"question", market.Question,
		"initial_pool", initialPool.String(),
	)
	return market, nil
}

// Buy spends amount of the account's balance on shares of the given
// outcome. Preconditions are checked in a fixed order — account exists,
// market exists, market unresolved, positive amount, sufficient balance —
// and all five mutations (balance, pool, position, ledger, and the
// resulting pool state) commit atomically or not at all.
func (e *Engine) Buy(ctx context.Context, accountID, marketID string, outcome model.Outcome, amount decimal.Decimal) (*TradeResult, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome must be YES or NO", model.ErrInvalidArgument)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidArgument)
	}

	start := time.Now()

	// Fixed acquisition order: account before market.
	unlockAccount := e.accounts.lock(accountID)
	defer unlockAccount()
	unlockMarket := e.markets.lock(marketID)
	defer unlockMarket()

	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Resolved {
		return nil, fmt.Errorf("%w: market %s", model.ErrMarketClosed, marketID)
	}
	if acct.Balance.LessThan(amount) {
		metrics.InsufficientFundsRejections.Inc()
		return nil, fmt.Errorf("%w: %s < %s", model.ErrInsufficientFunds,
			acct.Balance.String(), amount.String())
	}

	poolTarget, poolCounter := market.PoolYes, market.PoolNo
	if outcome == model.OutcomeNo {
		poolTarget, poolCounter = market.PoolNo, market.PoolYes
	}

	effectivePrice, shares, err := cpmm.Quote(poolTarget, poolCounter, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}

	mut := store.TradeMutation{
		AccountID: accountID,
		MarketID:  marketID,
		Outcome:   outcome,
		Amount:    amount,
		Shares:    shares,
		Entry: model.LedgerEntry{
			ID:        uuid.New().String(),
			AccountID: accountID,
			Amount:    amount.Neg(),
			Kind:      model.KindBuy,
			CreatedAt: time.Now().UTC(),
		},
	}
	if err := e.store.ApplyTrade(ctx, mut); err != nil {
		return nil, err
	}

	// Post-trade probabilities from the now-updated pools.
	poolYes, poolNo := market.PoolYes, market.PoolNo
	if outcome == model.OutcomeYes {
		poolYes = poolYes.Add(amount)
	} else {
		poolNo = poolNo.Add(amount)
	}
	probYes, probNo := cpmm.Probabilities(poolYes, poolNo)

	metrics.TradesTotal.WithLabelValues(string(outcome)).Inc()
	metrics.TradeVolume.WithLabelValues(string(outcome)).Add(amount.InexactFloat64())
	metrics.TradeLatency.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"account", accountID,
		"market", marketID,
		"outcome", string(outcome),
		"amount", amount.String(),
		"shares", shares.String(),
		"effective_price", effectivePrice.String(),
		"prob_yes", probYes.String(),
	)

	return &TradeResult{
		MarketID:       marketID,
		AccountID:      accountID,
		Outcome:        outcome,
		AmountSpent:    amount,
		SharesReceived: shares,
		EffectivePrice: effectivePrice,
		ProbYes:        probYes,
		ProbNo:         probNo,
	}, nil
}

// Resolve declares the market's true outcome and pays out every position
// holding winning-side shares at 1:1, each exactly once. The monotonic
// resolved flag guards re-entry: a second call observes it and is
// rejected before any payout scan. Losing-side shares and pool values are
// left untouched; the losing pool is retained.
func (e *Engine) Resolve(ctx context.Context, marketID string, outcome model.Outcome, resolutionSource string) (*model.Market, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome must be YES or NO", model.ErrInvalidArgument)
	}

	unlockMarket := e.markets.lock(marketID)
	defer unlockMarket()

	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Resolved {
		return nil, fmt.Errorf("%w: market %s", model.ErrAlreadyResolved, marketID)
	}

	positions, err := e.store.ListPositionsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	totalPayout := decimal.Zero
	var payouts []store.Payout
	for _, p := range positions {
		winningShares := p.Shares(outcome)
		if !winningShares.IsPositive() {
			continue
		}
		// 1:1 redemption — one share pays one unit regardless of entry price.
		payouts = append(payouts, store.Payout{
			AccountID: p.AccountID,
			Amount:    winningShares,
			Entry: model.LedgerEntry{
				ID:        uuid.New().String(),
				AccountID: p.AccountID,
				Amount:    winningShares,
				Kind:      model.KindWin,
				CreatedAt: now,
			},
		})
		totalPayout = totalPayout.Add(winningShares)
	}

	mut := store.ResolutionMutation{
		MarketID:         marketID,
		Outcome:          outcome,
		ResolutionSource: resolutionSource,
		Payouts:          payouts,
	}
	if err := e.store.ApplyResolution(ctx, mut); err != nil {
		return nil, err
	}

	metrics.ResolutionsTotal.WithLabelValues(string(outcome)).Inc()
	metrics.PayoutTotal.Add(totalPayout.InexactFloat64())

	slog.Info("market resolved",
		"market", marketID,
		"outcome", string(outcome),
		"winners", len(payouts),
		"total_payout", totalPayout.String(),
		"source", resolutionSource,
	)

	return e.store.GetMarket(ctx, marketID)
}

// --- Read-only queries (store's normal read consistency, no locking) ---

// GetAccount returns an account by ID.
func (e *Engine) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return e.store.GetAccount(ctx, id)
}

// GetMarket returns a market by ID.
func (e *Engine) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return e.store.GetMarket(ctx, id)
}

// ListMarkets returns all markets, newest first.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return e.store.ListMarkets(ctx)
}

// ListOpenMarkets returns all unresolved markets, newest first.
func (e *Engine) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	return e.store.ListOpenMarkets(ctx)
}

// GetPosition returns the account's holdings in a market. An account that
// never traded there holds a zero position, not an error.
func (e *Engine) GetPosition(ctx context.Context, accountID, marketID string) (*model.Position, error) {
	p, err := e.store.GetPosition(ctx, accountID, marketID)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, model.ErrPositionNotFound) {
		return &model.Position{AccountID: accountID, MarketID: marketID}, nil
	}
	return nil, err
}

// ListLedgerByAccount returns an account's ledger entries, oldest first.
func (e *Engine) ListLedgerByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return e.store.ListLedgerByAccount(ctx, accountID)
}
