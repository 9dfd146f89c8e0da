package exchange

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xgrind/spotdex/pkg/app/core"
	"github.com/0xgrind/spotdex/pkg/app/core/ledger"
	"github.com/0xgrind/spotdex/pkg/app/core/registry"
	"github.com/0xgrind/spotdex/pkg/storage"
)

var (
	owner = common.HexToAddress("0x0A00000000000000000000000000000000000000")
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	dave  = common.HexToAddress("0xDD00000000000000000000000000000000000000")

	link       = core.MustTicker("LINK")
	linkHandle = common.HexToAddress("0x1100000000000000000000000000000000000000")
)

func openExchange(t *testing.T, dir string) (*Exchange, *storage.Store) {
	t.Helper()
	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ldg, err := ledger.New(store, ledger.NopBridge{})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	reg, err := registry.New(store, registry.OwnerAuth{Owner: owner})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ex, err := New(store, ldg, reg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	return ex, store
}

// newTestExchange returns an exchange with LINK registered.
func newTestExchange(t *testing.T) *Exchange {
	t.Helper()
	ex, store := openExchange(t, t.TempDir())
	t.Cleanup(func() { store.Close() })
	if err := ex.AddToken(owner, link, linkHandle); err != nil {
		t.Fatalf("add token: %v", err)
	}
	return ex
}

func fund(t *testing.T, ex *Exchange, trader common.Address, native, tokens int64) {
	t.Helper()
	if native > 0 {
		if err := ex.DepositNative(trader, native); err != nil {
			t.Fatalf("deposit native: %v", err)
		}
	}
	if tokens > 0 {
		if err := ex.Deposit(trader, link, tokens); err != nil {
			t.Fatalf("deposit tokens: %v", err)
		}
	}
}

func mustLimit(t *testing.T, ex *Exchange, trader common.Address, side core.Side, amount, price int64) uint64 {
	t.Helper()
	id, _, err := ex.CreateLimitOrder(trader, side, link, amount, price)
	if err != nil {
		t.Fatalf("limit %s %d@%d for %s: %v", side, amount, price, trader.Hex(), err)
	}
	return id
}

func TestDepositWithdrawFlow(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 500, 0)

	if err := ex.WithdrawNative(alice, 200); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := ex.BalanceOf(alice, core.NativeTicker); got != 300 {
		t.Errorf("native balance = %d, want 300", got)
	}

	if err := ex.Withdraw(alice, core.MustTicker("NOPE"), 1); !errors.Is(err, core.ErrNotRegistered) {
		t.Errorf("withdraw unknown ticker: err = %v, want ErrNotRegistered", err)
	}
}

func TestLimitOrderFundingChecks(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 999, 0)
	fund(t, ex, bob, 0, 9)

	// BUY 10@100 needs 1000 native.
	if _, _, err := ex.CreateLimitOrder(alice, core.Buy, link, 10, 100); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("underfunded buy: err = %v, want ErrInsufficientBalance", err)
	}
	// SELL 10 needs 10 tokens.
	if _, _, err := ex.CreateLimitOrder(bob, core.Sell, link, 10, 100); !errors.Is(err, core.ErrInsufficientTokens) {
		t.Errorf("underfunded sell: err = %v, want ErrInsufficientTokens", err)
	}
	if _, _, err := ex.CreateLimitOrder(alice, core.Buy, link, 0, 100); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("zero amount: err = %v, want ErrInvalidAmount", err)
	}
	if _, _, err := ex.CreateLimitOrder(alice, core.Buy, link, 10, 0); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("zero price: err = %v, want ErrInvalidAmount", err)
	}
	if _, _, err := ex.CreateLimitOrder(alice, core.Buy, core.MustTicker("NOPE"), 1, 1); !errors.Is(err, core.ErrNotRegistered) {
		t.Errorf("unknown ticker: err = %v, want ErrNotRegistered", err)
	}

	if got := ex.OrderBookSnapshot(link, core.Buy); len(got) != 0 {
		t.Errorf("rejected orders must not rest: %v", got)
	}
}

func TestLimitOrderRestsAndReserves(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 1000, 0)

	id := mustLimit(t, ex, alice, core.Buy, 5, 100)

	if got := ex.BalanceOf(alice, core.NativeTicker); got != 500 {
		t.Errorf("available = %d, want 500", got)
	}
	if got := ex.ReservedOf(alice, core.NativeTicker); got != 500 {
		t.Errorf("reserved = %d, want 500", got)
	}
	bids := ex.OrderBookSnapshot(link, core.Buy)
	if len(bids) != 1 || bids[0].ID != id || bids[0].Remaining() != 5 {
		t.Fatalf("bids = %+v, want resting order %d x5", bids, id)
	}
}

func TestLimitCrossSettlesAtMakerPrice(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 0, 10)
	fund(t, ex, bob, 2000, 0)

	mustLimit(t, ex, alice, core.Sell, 10, 100)

	// Bob crosses at 110; the trade executes at the resting price 100.
	_, trades, err := ex.CreateLimitOrder(bob, core.Buy, link, 10, 110)
	if err != nil {
		t.Fatalf("crossing buy: %v", err)
	}
	if len(trades) != 1 || trades[0].Price != 100 || trades[0].Qty != 10 {
		t.Fatalf("trades = %+v, want one fill 10@100", trades)
	}
	if trades[0].Buyer != bob || trades[0].Seller != alice {
		t.Errorf("trade parties = %s/%s", trades[0].Buyer.Hex(), trades[0].Seller.Hex())
	}

	// Bob paid 1000 and the 100 of price improvement is spendable again.
	if got := ex.BalanceOf(bob, core.NativeTicker); got != 1000 {
		t.Errorf("bob native = %d, want 1000", got)
	}
	if got := ex.ReservedOf(bob, core.NativeTicker); got != 0 {
		t.Errorf("bob reserved = %d, want 0", got)
	}
	if got := ex.BalanceOf(bob, link); got != 10 {
		t.Errorf("bob tokens = %d, want 10", got)
	}
	if got := ex.BalanceOf(alice, core.NativeTicker); got != 1000 {
		t.Errorf("alice native = %d, want 1000", got)
	}
	if got := ex.BalanceOf(alice, link); got != 0 {
		t.Errorf("alice tokens = %d, want 0", got)
	}

	if ex.OrderBookSnapshot(link, core.Sell) != nil &&
		len(ex.OrderBookSnapshot(link, core.Sell)) != 0 {
		t.Error("filled maker must leave the book")
	}
}

func TestMarketBuyWalksTheBook(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 0, 5)
	fund(t, ex, bob, 0, 5)
	fund(t, ex, carol, 0, 5)
	fund(t, ex, dave, 10000, 0)

	mustLimit(t, ex, alice, core.Sell, 5, 10)
	mustLimit(t, ex, bob, core.Sell, 5, 20)
	mustLimit(t, ex, carol, core.Sell, 5, 30)

	trades, err := ex.CreateMarketOrder(dave, core.Buy, link, 10)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %+v, want two fills", trades)
	}
	if trades[0].Price != 10 || trades[0].Qty != 5 || trades[1].Price != 20 || trades[1].Qty != 5 {
		t.Errorf("fills = %+v, want 5@10 then 5@20", trades)
	}

	if got := ex.BalanceOf(dave, link); got != 10 {
		t.Errorf("dave tokens = %d, want 10", got)
	}
	if got := ex.BalanceOf(dave, core.NativeTicker); got != 10000-150 {
		t.Errorf("dave native = %d, want %d", got, 10000-150)
	}

	asks := ex.OrderBookSnapshot(link, core.Sell)
	if len(asks) != 1 || asks[0].Price != 30 || asks[0].Filled != 0 {
		t.Fatalf("asks = %+v, want untouched 5@30", asks)
	}
}

func TestMarketBuyPartialFillLeavesMaker(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 0, 5)
	fund(t, ex, bob, 1000, 0)

	mustLimit(t, ex, alice, core.Sell, 5, 100)

	trades, err := ex.CreateMarketOrder(bob, core.Buy, link, 3)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(trades) != 1 || trades[0].Qty != 3 {
		t.Fatalf("trades = %+v, want one fill of 3", trades)
	}

	asks := ex.OrderBookSnapshot(link, core.Sell)
	if len(asks) != 1 || asks[0].Filled != 3 || asks[0].Remaining() != 2 {
		t.Fatalf("asks = %+v, want maker with 2 remaining", asks)
	}
	if got := ex.ReservedOf(alice, link); got != 2 {
		t.Errorf("alice reserved tokens = %d, want 2", got)
	}
}

func TestMarketBuyExhaustsBookAndDropsRemainder(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 0, 10)
	fund(t, ex, bob, 0, 5)
	fund(t, ex, carol, 100000, 0)

	mustLimit(t, ex, alice, core.Sell, 10, 10)
	mustLimit(t, ex, bob, core.Sell, 5, 20)

	trades, err := ex.CreateMarketOrder(carol, core.Buy, link, 50)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	var got int64
	for _, tr := range trades {
		got += tr.Qty
	}
	if got != 15 {
		t.Errorf("filled %d, want 15", got)
	}
	if got := ex.BalanceOf(carol, link); got != 15 {
		t.Errorf("carol tokens = %d, want 15", got)
	}
	if asks := ex.OrderBookSnapshot(link, core.Sell); len(asks) != 0 {
		t.Errorf("book should be empty, got %v", asks)
	}
}

func TestMarketOrderOnEmptyBook(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 1000, 1000)

	trades, err := ex.CreateMarketOrder(alice, core.Buy, link, 10)
	if err != nil {
		t.Fatalf("market buy on empty book: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("trades = %+v, want none", trades)
	}

	trades, err = ex.CreateMarketOrder(alice, core.Sell, link, 10)
	if err != nil {
		t.Fatalf("market sell on empty book: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("trades = %+v, want none", trades)
	}
}

func TestMarketBuyUnaffordableFailsWhole(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 0, 10)
	fund(t, ex, bob, 1000, 0)

	mustLimit(t, ex, alice, core.Sell, 10, 500)

	// 3 * 500 = 1500 > 1000: the whole call fails, nothing settles.
	trades, err := ex.CreateMarketOrder(bob, core.Buy, link, 3)
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if trades != nil {
		t.Errorf("trades = %+v, want none", trades)
	}

	if got := ex.BalanceOf(bob, core.NativeTicker); got != 1000 {
		t.Errorf("bob native = %d, want untouched 1000", got)
	}
	if got := ex.BalanceOf(bob, link); got != 0 {
		t.Errorf("bob tokens = %d, want 0", got)
	}
	asks := ex.OrderBookSnapshot(link, core.Sell)
	if len(asks) != 1 || asks[0].Filled != 0 {
		t.Fatalf("asks = %+v, want untouched maker", asks)
	}
}

func TestMarketSellRequiresFullAmountUpfront(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 100000, 0)
	fund(t, ex, bob, 0, 1000)

	mustLimit(t, ex, alice, core.Buy, 500, 100)

	// Bob holds 1000 tokens but asks to sell 1100: rejected outright even
	// though the book would only take 500.
	if _, err := ex.CreateMarketOrder(bob, core.Sell, link, 1100); !errors.Is(err, core.ErrInsufficientTokens) {
		t.Fatalf("err = %v, want ErrInsufficientTokens", err)
	}
	if got := ex.BalanceOf(bob, link); got != 1000 {
		t.Errorf("bob tokens = %d, want untouched 1000", got)
	}

	trades, err := ex.CreateMarketOrder(bob, core.Sell, link, 1000)
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}
	var filled int64
	for _, tr := range trades {
		filled += tr.Qty
	}
	if filled != 500 {
		t.Errorf("filled = %d, want 500 (book depth)", filled)
	}
	if got := ex.BalanceOf(bob, core.NativeTicker); got != 500*100 {
		t.Errorf("bob native = %d, want %d", got, 500*100)
	}
	if got := ex.BalanceOf(bob, link); got != 500 {
		t.Errorf("bob tokens = %d, want 500", got)
	}
}

func TestFIFOAtSamePrice(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 0, 5)
	fund(t, ex, bob, 0, 5)
	fund(t, ex, carol, 10000, 0)

	first := mustLimit(t, ex, alice, core.Sell, 5, 100)
	second := mustLimit(t, ex, bob, core.Sell, 5, 100)

	trades, err := ex.CreateMarketOrder(carol, core.Buy, link, 7)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %+v, want two fills", trades)
	}
	if trades[0].MakerID != first || trades[0].Qty != 5 {
		t.Errorf("first fill = %+v, want 5 against order %d", trades[0], first)
	}
	if trades[1].MakerID != second || trades[1].Qty != 2 {
		t.Errorf("second fill = %+v, want 2 against order %d", trades[1], second)
	}
}

func TestCancelOrder(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 1000, 0)
	fund(t, ex, bob, 0, 10)

	buyID := mustLimit(t, ex, alice, core.Buy, 5, 100)
	sellID := mustLimit(t, ex, bob, core.Sell, 10, 200)

	if err := ex.CancelOrder(bob, link, buyID); !errors.Is(err, core.ErrOrderNotFound) {
		t.Errorf("foreign cancel: err = %v, want ErrOrderNotFound", err)
	}
	if err := ex.CancelOrder(alice, link, 9999); !errors.Is(err, core.ErrOrderNotFound) {
		t.Errorf("unknown id: err = %v, want ErrOrderNotFound", err)
	}

	if err := ex.CancelOrder(alice, link, buyID); err != nil {
		t.Fatalf("cancel buy: %v", err)
	}
	if got := ex.BalanceOf(alice, core.NativeTicker); got != 1000 {
		t.Errorf("alice native = %d after cancel, want 1000", got)
	}
	if got := ex.ReservedOf(alice, core.NativeTicker); got != 0 {
		t.Errorf("alice reserved = %d, want 0", got)
	}

	if err := ex.CancelOrder(bob, link, sellID); err != nil {
		t.Fatalf("cancel sell: %v", err)
	}
	if got := ex.BalanceOf(bob, link); got != 10 {
		t.Errorf("bob tokens = %d after cancel, want 10", got)
	}

	if bids := ex.OrderBookSnapshot(link, core.Buy); len(bids) != 0 {
		t.Errorf("bids = %v, want empty", bids)
	}
	if asks := ex.OrderBookSnapshot(link, core.Sell); len(asks) != 0 {
		t.Errorf("asks = %v, want empty", asks)
	}
}

func TestConservationAcrossMatching(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 5000, 20)
	fund(t, ex, bob, 5000, 20)

	mustLimit(t, ex, alice, core.Sell, 10, 100)
	mustLimit(t, ex, bob, core.Buy, 4, 100)
	if _, err := ex.CreateMarketOrder(bob, core.Buy, link, 3); err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if _, err := ex.CreateMarketOrder(alice, core.Sell, link, 2); err != nil {
		t.Fatalf("market sell: %v", err)
	}

	total := func(ticker core.Ticker) int64 {
		var sum int64
		for _, a := range []common.Address{alice, bob} {
			sum += ex.BalanceOf(a, ticker) + ex.ReservedOf(a, ticker)
		}
		return sum
	}
	if got := total(core.NativeTicker); got != 10000 {
		t.Errorf("native total = %d, want 10000", got)
	}
	if got := total(link); got != 40 {
		t.Errorf("token total = %d, want 40", got)
	}
}

func TestRecentTrades(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 0, 10)
	fund(t, ex, bob, 10000, 0)

	mustLimit(t, ex, alice, core.Sell, 5, 10)
	mustLimit(t, ex, alice, core.Sell, 5, 20)
	if _, err := ex.CreateMarketOrder(bob, core.Buy, link, 10); err != nil {
		t.Fatalf("market buy: %v", err)
	}

	trades, err := ex.RecentTrades(link, 10)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %+v, want 2", trades)
	}
	// Newest first.
	if trades[0].Price != 20 || trades[1].Price != 10 {
		t.Errorf("trade order = %d,%d, want 20,10", trades[0].Price, trades[1].Price)
	}

	trades, err = ex.RecentTrades(link, 1)
	if err != nil {
		t.Fatalf("recent trades limit: %v", err)
	}
	if len(trades) != 1 || trades[0].Price != 20 {
		t.Errorf("limited trades = %+v, want just the newest", trades)
	}
}

func TestRestartRestoresBooksAndSequence(t *testing.T) {
	dir := t.TempDir()

	ex, store := openExchange(t, dir)
	if err := ex.AddToken(owner, link, linkHandle); err != nil {
		t.Fatalf("add token: %v", err)
	}
	fund(t, ex, alice, 0, 10)
	fund(t, ex, bob, 10000, 0)
	sellID := mustLimit(t, ex, alice, core.Sell, 10, 100)
	buyID := mustLimit(t, ex, bob, core.Buy, 5, 50)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ex2, store2 := openExchange(t, dir)
	t.Cleanup(func() { store2.Close() })

	asks := ex2.OrderBookSnapshot(link, core.Sell)
	if len(asks) != 1 || asks[0].ID != sellID || asks[0].Remaining() != 10 {
		t.Fatalf("asks after restart = %+v", asks)
	}
	bids := ex2.OrderBookSnapshot(link, core.Buy)
	if len(bids) != 1 || bids[0].ID != buyID {
		t.Fatalf("bids after restart = %+v", bids)
	}
	if got := ex2.ReservedOf(alice, link); got != 10 {
		t.Errorf("alice reserved after restart = %d, want 10", got)
	}

	// New ids keep climbing past the restored sequence.
	fund(t, ex2, carol, 10000, 0)
	newID := mustLimit(t, ex2, carol, core.Buy, 1, 60)
	if newID <= buyID {
		t.Errorf("post-restart id %d must exceed %d", newID, buyID)
	}

	// The restored book still matches.
	trades, err := ex2.CreateMarketOrder(carol, core.Buy, link, 2)
	if err != nil {
		t.Fatalf("market buy after restart: %v", err)
	}
	if len(trades) != 1 || trades[0].Price != 100 || trades[0].Qty != 2 {
		t.Fatalf("trades after restart = %+v, want 2@100", trades)
	}
}

func TestSnapshotSideIsolation(t *testing.T) {
	ex := newTestExchange(t)
	fund(t, ex, alice, 10000, 10)

	mustLimit(t, ex, alice, core.Buy, 1, 50)
	mustLimit(t, ex, alice, core.Sell, 1, 200)

	if bids := ex.OrderBookSnapshot(link, core.Buy); len(bids) != 1 || bids[0].Side != core.Buy {
		t.Errorf("bids = %+v", bids)
	}
	if asks := ex.OrderBookSnapshot(link, core.Sell); len(asks) != 1 || asks[0].Side != core.Sell {
		t.Errorf("asks = %+v", asks)
	}
}
