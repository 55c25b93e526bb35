package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmx/market-engine/internal/engine"
	"github.com/pmx/market-engine/internal/model"
	"github.com/pmx/market-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEngine(t *testing.T) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return engine.New(ms), ms
}

func seedAccount(t *testing.T, eng *engine.Engine, balance float64) *model.Account {
	t.Helper()
	acct, err := eng.CreateAccount(context.Background(), d(balance))
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return acct
}

func seedMarket(t *testing.T, eng *engine.Engine, initialPool float64) *model.Market {
	t.Helper()
	market, err := eng.CreateMarket(context.Background(),
		"Will it rain in Berlin tomorrow?", "Resolves YES on any measurable precipitation.",
		time.Now().Add(24*time.Hour), d(initialPool))
	if err != nil {
		t.Fatalf("failed to create market: %v", err)
	}
	return market
}

// --- Account creation ---

func TestCreateAccount_GrantsBonusEntry(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)

	if !acct.Balance.Equal(d(1000)) {
		t.Errorf("expected balance 1000, got %s", acct.Balance)
	}

	entries, err := eng.ListLedgerByAccount(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("failed to list ledger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].Kind != model.KindBonus {
		t.Errorf("expected BONUS entry, got %s", entries[0].Kind)
	}
	if !entries[0].Amount.Equal(d(1000)) {
		t.Errorf("expected amount 1000, got %s", entries[0].Amount)
	}
}

func TestCreateAccount_ZeroBalanceNoEntry(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 0)

	entries, _ := eng.ListLedgerByAccount(context.Background(), acct.ID)
	if len(entries) != 0 {
		t.Errorf("expected no ledger entries for zero grant, got %d", len(entries))
	}
}

func TestCreateAccount_NegativeBalance(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.CreateAccount(context.Background(), d(-5))
	if !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

// --- Market creation ---

func TestCreateMarket_SeedsEqualPools(t *testing.T) {
	eng, _ := newTestEngine(t)
	market := seedMarket(t, eng, 100)

	if !market.PoolYes.Equal(d(100)) || !market.PoolNo.Equal(d(100)) {
		t.Errorf("expected pools (100, 100), got (%s, %s)", market.PoolYes, market.PoolNo)
	}
	if market.Resolved {
		t.Error("new market should not be resolved")
	}
	if market.Outcome != nil {
		t.Error("new market should have no outcome")
	}
}

func TestCreateMarket_RejectsNonPositivePool(t *testing.T) {
	eng, _ := newTestEngine(t)
	for _, pool := range []float64{0, -100} {
		_, err := eng.CreateMarket(context.Background(), "q", "", time.Now(), d(pool))
		if !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("pool %v: expected ErrInvalidArgument, got %v", pool, err)
		}
	}
}

func TestCreateMarket_RejectsEmptyQuestion(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.CreateMarket(context.Background(), "", "", time.Now(), d(100))
	if !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

// --- Buy ---

func TestBuy_Economics(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	result, err := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(50))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	// effective price = 100 / (100 + 100 + 50) = 0.4, shares = 50 / 0.4 = 125
	if !result.EffectivePrice.Equal(d(0.4)) {
		t.Errorf("expected effective price 0.4, got %s", result.EffectivePrice)
	}
	if !result.SharesReceived.Equal(d(125)) {
		t.Errorf("expected 125 shares, got %s", result.SharesReceived)
	}
	if !result.ProbYes.Equal(d(0.4)) || !result.ProbNo.Equal(d(0.6)) {
		t.Errorf("expected post-trade probs (0.4, 0.6), got (%s, %s)",
			result.ProbYes, result.ProbNo)
	}

	updated, _ := eng.GetMarket(context.Background(), market.ID)
	if !updated.PoolYes.Equal(d(150)) {
		t.Errorf("expected pool_yes=150, got %s", updated.PoolYes)
	}
	if !updated.PoolNo.Equal(d(100)) {
		t.Errorf("pool_no should be untouched, got %s", updated.PoolNo)
	}

	after, _ := eng.GetAccount(context.Background(), acct.ID)
	if !after.Balance.Equal(d(950)) {
		t.Errorf("expected balance 950, got %s", after.Balance)
	}
}

func TestBuy_NoSide(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	result, err := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeNo, d(50))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !result.EffectivePrice.Equal(d(0.4)) {
		t.Errorf("expected effective price 0.4, got %s", result.EffectivePrice)
	}

	updated, _ := eng.GetMarket(context.Background(), market.ID)
	if !updated.PoolNo.Equal(d(150)) {
		t.Errorf("expected pool_no=150, got %s", updated.PoolNo)
	}
	if !updated.PoolYes.Equal(d(100)) {
		t.Errorf("pool_yes should be untouched, got %s", updated.PoolYes)
	}

	pos, _ := eng.GetPosition(context.Background(), acct.ID, market.ID)
	if !pos.SharesNo.Equal(d(125)) {
		t.Errorf("expected 125 NO shares, got %s", pos.SharesNo)
	}
	if !pos.SharesYes.IsZero() {
		t.Errorf("YES shares should be zero, got %s", pos.SharesYes)
	}
}

func TestBuy_AccumulatesPosition(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	first, _ := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(50))
	second, err := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(50))
	if err != nil {
		t.Fatalf("second buy failed: %v", err)
	}

	pos, _ := eng.GetPosition(context.Background(), acct.ID, market.ID)
	expected := first.SharesReceived.Add(second.SharesReceived)
	if !pos.SharesYes.Equal(expected) {
		t.Errorf("expected %s accumulated shares, got %s", expected, pos.SharesYes)
	}
}

func TestBuy_LedgerReconcilesWithBalance(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(50))
	eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeNo, d(30))

	entries, _ := eng.ListLedgerByAccount(context.Background(), acct.ID)
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}

	after, _ := eng.GetAccount(context.Background(), acct.ID)
	if !sum.Equal(after.Balance) {
		t.Errorf("ledger sum %s should equal balance %s", sum, after.Balance)
	}
	if !after.Balance.Equal(d(920)) {
		t.Errorf("expected balance 920, got %s", after.Balance)
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	_, err := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(2000))
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// No mutation may survive the rejection.
	after, _ := eng.GetAccount(context.Background(), acct.ID)
	if !after.Balance.Equal(d(1000)) {
		t.Errorf("balance should be unchanged, got %s", after.Balance)
	}
	updated, _ := eng.GetMarket(context.Background(), market.ID)
	if !updated.PoolYes.Equal(d(100)) || !updated.PoolNo.Equal(d(100)) {
		t.Errorf("pools should be unchanged, got (%s, %s)", updated.PoolYes, updated.PoolNo)
	}
	pos, _ := eng.GetPosition(context.Background(), acct.ID, market.ID)
	if !pos.SharesYes.IsZero() || !pos.SharesNo.IsZero() {
		t.Error("no position should be created by a rejected trade")
	}
	entries, _ := eng.ListLedgerByAccount(context.Background(), acct.ID)
	if len(entries) != 1 { // the BONUS grant only
		t.Errorf("expected 1 ledger entry, got %d", len(entries))
	}
}

func TestBuy_AccountNotFoundCheckedFirst(t *testing.T) {
	eng, _ := newTestEngine(t)

	// Both account and market are unknown; the account check wins.
	_, err := eng.Buy(context.Background(), "ghost", "no-such-market", model.OutcomeYes, d(10))
	if !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestBuy_MarketNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)

	_, err := eng.Buy(context.Background(), acct.ID, "no-such-market", model.OutcomeYes, d(10))
	if !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestBuy_ResolvedMarket(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	if _, err := eng.Resolve(context.Background(), market.ID, model.OutcomeYes, ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	_, err := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(10))
	if !errors.Is(err, model.ErrMarketClosed) {
		t.Errorf("expected ErrMarketClosed, got %v", err)
	}
}

func TestBuy_InvalidArguments(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	if _, err := eng.Buy(context.Background(), acct.ID, market.ID, "MAYBE", d(10)); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for bad outcome, got %v", err)
	}
	if _, err := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, decimal.Zero); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero amount, got %v", err)
	}
	if _, err := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(-10)); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for negative amount, got %v", err)
	}
}

// --- Resolve ---

func TestResolve_PaysWinnersOnce(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	// 50 at price 0.4 → 125 YES shares, balance 950.
	if _, err := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(50)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	resolved, err := eng.Resolve(context.Background(), market.ID, model.OutcomeYes, "official weather report")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolved.Resolved {
		t.Error("market should be resolved")
	}
	if resolved.Outcome == nil || *resolved.Outcome != model.OutcomeYes {
		t.Errorf("expected outcome YES, got %v", resolved.Outcome)
	}
	if resolved.ResolutionSource != "official weather report" {
		t.Errorf("unexpected resolution source: %s", resolved.ResolutionSource)
	}

	// 1:1 redemption of 125 winning shares.
	after, _ := eng.GetAccount(context.Background(), acct.ID)
	if !after.Balance.Equal(d(1075)) {
		t.Errorf("expected balance 1075, got %s", after.Balance)
	}

	entries, _ := eng.ListLedgerByAccount(context.Background(), acct.ID)
	var win *model.LedgerEntry
	for i := range entries {
		if entries[i].Kind == model.KindWin {
			win = &entries[i]
		}
	}
	if win == nil {
		t.Fatal("expected a WIN ledger entry")
	}
	if !win.Amount.Equal(d(125)) {
		t.Errorf("expected WIN amount 125, got %s", win.Amount)
	}

	// Second resolution is rejected before any payout scan.
	_, err = eng.Resolve(context.Background(), market.ID, model.OutcomeYes, "")
	if !errors.Is(err, model.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	again, _ := eng.GetAccount(context.Background(), acct.ID)
	if !again.Balance.Equal(d(1075)) {
		t.Errorf("second resolve must not pay again, balance %s", again.Balance)
	}
}

func TestResolve_LosersReceiveNothing(t *testing.T) {
	eng, _ := newTestEngine(t)
	winner := seedAccount(t, eng, 1000)
	loser := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	eng.Buy(context.Background(), winner.ID, market.ID, model.OutcomeYes, d(50))
	eng.Buy(context.Background(), loser.ID, market.ID, model.OutcomeNo, d(50))

	loserBefore, _ := eng.GetAccount(context.Background(), loser.ID)

	if _, err := eng.Resolve(context.Background(), market.ID, model.OutcomeYes, ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	loserAfter, _ := eng.GetAccount(context.Background(), loser.ID)
	if !loserAfter.Balance.Equal(loserBefore.Balance) {
		t.Errorf("loser balance should be unchanged: %s -> %s",
			loserBefore.Balance, loserAfter.Balance)
	}
	for _, e := range mustLedger(t, eng, loser.ID) {
		if e.Kind == model.KindWin {
			t.Error("loser should not receive a WIN entry")
		}
	}

	// Losing-side shares survive as a historical record.
	pos, _ := eng.GetPosition(context.Background(), loser.ID, market.ID)
	if pos.SharesNo.IsZero() {
		t.Error("losing shares should not be zeroed")
	}
}

func TestResolve_PayoutConservation(t *testing.T) {
	eng, _ := newTestEngine(t)
	a := seedAccount(t, eng, 1000)
	b := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	ra, _ := eng.Buy(context.Background(), a.ID, market.ID, model.OutcomeYes, d(50))
	rb, _ := eng.Buy(context.Background(), b.ID, market.ID, model.OutcomeYes, d(80))

	if _, err := eng.Resolve(context.Background(), market.ID, model.OutcomeYes, ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	totalWinningShares := ra.SharesReceived.Add(rb.SharesReceived)
	totalPayout := decimal.Zero
	for _, id := range []string{a.ID, b.ID} {
		for _, e := range mustLedger(t, eng, id) {
			if e.Kind == model.KindWin {
				totalPayout = totalPayout.Add(e.Amount)
			}
		}
	}
	if !totalPayout.Equal(totalWinningShares) {
		t.Errorf("total payout %s should equal winning shares %s",
			totalPayout, totalWinningShares)
	}
}

func TestResolve_EmptySourceLeavesFieldUnchanged(t *testing.T) {
	eng, _ := newTestEngine(t)
	market := seedMarket(t, eng, 100)

	resolved, err := eng.Resolve(context.Background(), market.ID, model.OutcomeNo, "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.ResolutionSource != "" {
		t.Errorf("expected empty resolution source, got %s", resolved.ResolutionSource)
	}
}

func TestResolve_MarketNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Resolve(context.Background(), "no-such-market", model.OutcomeYes, "")
	if !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestResolve_InvalidOutcome(t *testing.T) {
	eng, _ := newTestEngine(t)
	market := seedMarket(t, eng, 100)
	_, err := eng.Resolve(context.Background(), market.ID, "MAYBE", "")
	if !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

// --- Concurrency ---

func TestBuy_ConcurrentSameMarket(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(10)); err != nil {
				t.Errorf("concurrent buy failed: %v", err)
			}
		}()
	}
	wg.Wait()

	after, _ := eng.GetAccount(context.Background(), acct.ID)
	if !after.Balance.Equal(d(900)) {
		t.Errorf("expected balance 900 after 10x10 buys, got %s", after.Balance)
	}
	updated, _ := eng.GetMarket(context.Background(), market.ID)
	if !updated.PoolYes.Equal(d(200)) {
		t.Errorf("expected pool_yes=200, got %s", updated.PoolYes)
	}

	buys := 0
	for _, e := range mustLedger(t, eng, acct.ID) {
		if e.Kind == model.KindBuy {
			buys++
		}
	}
	if buys != workers {
		t.Errorf("expected %d BUY entries, got %d", workers, buys)
	}
}

func TestBuy_ConcurrentDistinctMarkets(t *testing.T) {
	eng, _ := newTestEngine(t)

	const n = 8
	accounts := make([]*model.Account, n)
	markets := make([]*model.Market, n)
	for i := 0; i < n; i++ {
		accounts[i] = seedAccount(t, eng, 1000)
		markets[i] = seedMarket(t, eng, 100)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := eng.Buy(context.Background(), accounts[i].ID, markets[i].ID, model.OutcomeNo, d(25)); err != nil {
				t.Errorf("buy %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		after, _ := eng.GetAccount(context.Background(), accounts[i].ID)
		if !after.Balance.Equal(d(975)) {
			t.Errorf("account %d: expected balance 975, got %s", i, after.Balance)
		}
	}
}

func TestResolve_ConcurrentExactlyOnce(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	result, _ := eng.Buy(context.Background(), acct.ID, market.ID, model.OutcomeYes, d(50))

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Resolve(context.Background(), market.ID, model.OutcomeYes, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, model.ErrAlreadyResolved) {
			t.Errorf("unexpected resolve error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 successful resolve, got %d", succeeded)
	}

	expected := d(950).Add(result.SharesReceived)
	after, _ := eng.GetAccount(context.Background(), acct.ID)
	if !after.Balance.Equal(expected) {
		t.Errorf("winner must be paid exactly once: expected %s, got %s",
			expected, after.Balance)
	}
}

// --- Queries ---

func TestGetPosition_NeverTraded(t *testing.T) {
	eng, _ := newTestEngine(t)
	acct := seedAccount(t, eng, 1000)
	market := seedMarket(t, eng, 100)

	pos, err := eng.GetPosition(context.Background(), acct.ID, market.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pos.SharesYes.IsZero() || !pos.SharesNo.IsZero() {
		t.Error("expected a zero position for an account that never traded")
	}
}

func TestListOpenMarkets_ExcludesResolved(t *testing.T) {
	eng, _ := newTestEngine(t)
	open := seedMarket(t, eng, 100)
	closed := seedMarket(t, eng, 100)

	if _, err := eng.Resolve(context.Background(), closed.ID, model.OutcomeNo, ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	markets, err := eng.ListOpenMarkets(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("expected 1 open market, got %d", len(markets))
	}
	if markets[0].ID != open.ID {
		t.Errorf("expected market %s, got %s", open.ID, markets[0].ID)
	}
}

func mustLedger(t *testing.T, eng *engine.Engine, accountID string) []model.LedgerEntry {
	t.Helper()
	entries, err := eng.ListLedgerByAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("failed to list ledger: %v", err)
	}
	return entries
}
