// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome identifies one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is one of the two supported outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// EntryKind classifies a ledger entry.
// SELL is reserved: the engine has no sell operation because pools only
// ever grow; a sell would require pool depletion.
type EntryKind string

const (
	KindBuy   EntryKind = "BUY"   // stake spent on shares, amount < 0
	KindSell  EntryKind = "SELL"  // reserved
	KindWin   EntryKind = "WIN"   // resolution payout, amount > 0
	KindBonus EntryKind = "BONUS" // starting balance grant, amount > 0
)

// Account holds a user's spendable balance. Balance is a denormalized
// running total maintained alongside the ledger; it is never recomputed
// from ledger entries, so both must commit together.
// Invariant: Balance >= 0 at every committed state.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Market represents one binary prediction market and its liquidity pools.
// Pools only grow: trades add stake to the bought side and never remove
// liquidity, so PoolYes > 0 and PoolNo > 0 for the market's lifetime.
// Resolved is monotonic false→true; Outcome is set exactly once.
type Market struct {
	ID               string          `json:"id" db:"id"`
	Question         string          `json:"question" db:"question"`
	Description      string          `json:"description" db:"description"`
	CloseTime        time.Time       `json:"close_time" db:"close_time"`
	PoolYes          decimal.Decimal `json:"pool_yes" db:"pool_yes"`
	PoolNo           decimal.Decimal `json:"pool_no" db:"pool_no"`
	Resolved         bool            `json:"resolved" db:"resolved"`
	Outcome          *Outcome        `json:"outcome,omitempty" db:"outcome"`
	ResolutionSource string          `json:"resolution_source,omitempty" db:"resolution_source"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Position is a trader's accumulated share holdings in one market,
// keyed by the (account, market) pair. Created lazily on first trade.
// Share counts survive resolution as a historical record; the resolution
// engine reads winning-side shares but never zeroes them.
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	SharesYes decimal.Decimal `json:"shares_yes" db:"shares_yes"`
	SharesNo  decimal.Decimal `json:"shares_no" db:"shares_no"`
}

// Shares returns the share count held on the given side.
func (p *Position) Shares(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return p.SharesYes
	}
	return p.SharesNo
}

// LedgerEntry is an immutable record of one balance-affecting event.
// Once created, these are never modified or deleted; they form the audit
// trail backing the separately maintained account balance.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed: BUY < 0, WIN/BONUS > 0
	Kind      EntryKind       `json:"kind" db:"kind"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
