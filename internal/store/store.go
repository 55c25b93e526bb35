// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Writes that touch more than one row go through staged mutations
// (TradeMutation, ResolutionMutation) which the store applies atomically:
// either every row commits or none do. The engine computes the economics
// under its own row locks and hands the store a fully staged mutation, so
// implementations never re-derive prices or payouts.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pmx/market-engine/internal/model"
)

// TradeMutation stages the five mutations of a single buy: the balance
// debit, the pool growth on the bought side, the share accrual on the
// (account, market) position, and the BUY ledger entry. Amount and Shares
// are deltas, not absolute values.
type TradeMutation struct {
	AccountID string
	MarketID  string
	Outcome   model.Outcome
	Amount    decimal.Decimal // stake to debit and add to the bought pool, > 0
	Shares    decimal.Decimal // shares to accrue on the bought side, > 0
	Entry     model.LedgerEntry
}

// Payout stages one winner's credit during resolution.
type Payout struct {
	AccountID string
	Amount    decimal.Decimal // winning-side shares, redeemed 1:1
	Entry     model.LedgerEntry
}

// ResolutionMutation stages a market resolution: the monotonic resolved
// flag flip plus every winner's balance credit and WIN ledger entry.
// Pool values and position share counts are left untouched.
type ResolutionMutation struct {
	MarketID         string
	Outcome          model.Outcome
	ResolutionSource string // empty = leave unchanged
	Payouts          []Payout
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. A non-nil grant entry is
	// committed atomically with the account (starting balance bonus).
	CreateAccount(ctx context.Context, acct *model.Account, grant *model.LedgerEntry) error

	// GetAccount retrieves an account by ID.
	// Returns model.ErrAccountNotFound if absent.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by ID.
	// Returns model.ErrMarketNotFound if absent.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListOpenMarkets returns all unresolved markets, newest first.
	ListOpenMarkets(ctx context.Context) ([]model.Market, error)

	// --- Positions ---

	// GetPosition retrieves the (account, market) position.
	// Returns model.ErrPositionNotFound if the account never traded there.
	GetPosition(ctx context.Context, accountID, marketID string) (*model.Position, error)

	// ListPositionsByMarket returns every position in a market.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Immutable ledger ---

	// ListLedgerByAccount returns an account's ledger entries, oldest first.
	ListLedgerByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// --- Atomic mutations ---

	// ApplyTrade commits a staged buy atomically. It guards the balance
	// invariant itself: if the debit would drive the balance negative it
	// returns model.ErrInsufficientFunds and commits nothing.
	ApplyTrade(ctx context.Context, mut TradeMutation) error

	// ApplyResolution commits a staged resolution atomically. It guards
	// the monotonic resolved flag itself: if the market is already
	// resolved it returns model.ErrAlreadyResolved and commits nothing.
	ApplyResolution(ctx context.Context, mut ResolutionMutation) error
}
