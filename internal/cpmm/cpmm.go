// Package cpmm implements the constant-product-style parimutuel pricing
// used by the market engine for binary outcome markets.
//
// A market carries two liquidity pools, one per outcome. The pools only
// grow: buying a side adds the stake to that side's pool and never removes
// liquidity. Pricing falls out of the pool ratio:
//
//	probYes = poolNo / (poolYes + poolNo)
//	price   = poolCounter / (poolTarget + poolCounter + amount)
//	shares  = amount / price
//
// "Target" is the pool matching the side being bought, "counter" the
// opposite pool. Buying grows the target pool, so a heavily bought side
// quotes a smaller counter-to-total ratio: both its probability and the
// price of further purchases fall as its pool grows.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Prices and share quantities are rounded half-even (banker's rounding)
// at Scale decimal places so ledger sums reconcile exactly with balances.
package cpmm

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNonPositiveAmount is returned when a quote is requested for a
// zero or negative stake. Callers validate user input before quoting;
// hitting this from the engine indicates a programming error.
var ErrNonPositiveAmount = errors.New("cpmm: amount must be positive")

// Scale is the number of decimal places for price and share rounding.
var Scale int32 = 8

var half = decimal.New(5, -1)

// Probabilities converts pool state into outcome probabilities:
//
//	probYes = poolNo / (poolYes + poolNo)
//	probNo  = poolYes / (poolYes + poolNo)
//
// A market with both pools at zero is undefined and treated as a coin
// flip (0.5, 0.5) by convention. Live markets never reach that state —
// pools start positive and only grow.
func Probabilities(poolYes, poolNo decimal.Decimal) (probYes, probNo decimal.Decimal) {
	total := poolYes.Add(poolNo)
	if total.IsZero() {
		return half, half
	}
	probYes = poolNo.Div(total).RoundBank(Scale)
	probNo = poolYes.Div(total).RoundBank(Scale)
	return probYes, probNo
}

// Quote computes the trade economics for spending amount on the target
// side:
//
//	effectivePrice = poolCounter / (poolTarget + poolCounter + amount)
//	shares         = amount / effectivePrice
//
// Given the pool invariants (both pools positive, amount positive) the
// denominator is always positive and effectivePrice lies in (0, 1].
func Quote(poolTarget, poolCounter, amount decimal.Decimal) (effectivePrice, shares decimal.Decimal, err error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, ErrNonPositiveAmount
	}

	denom := poolTarget.Add(poolCounter).Add(amount)
	effectivePrice = poolCounter.Div(denom).RoundBank(Scale)
	shares = amount.Div(effectivePrice).RoundBank(Scale)
	return effectivePrice, shares, nil
}
