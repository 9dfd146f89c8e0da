package exchange

import (
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xgrind/spotdex/pkg/app/core"
)

// fill is one planned match: qty units against a resting maker, at the
// maker's price. Plans are computed read-only and applied only if every
// fill is funded, so a rejected order leaves no trace.
type fill struct {
	maker *core.Order
	qty   int64
}

// CreateLimitOrder validates, reserves the taker's funds, matches against
// the opposite side and rests any unfilled remainder. Returns the order id
// and the trades executed at creation time.
//
// Funding policy: the full notional (BUY: amount*price of native, SELL:
// amount of the token) must be present at creation and is moved to the
// reserved bucket; fills settle out of reservations, and the remainder's
// reservation is released on cancel.
func (e *Exchange) CreateLimitOrder(trader common.Address, side core.Side, ticker core.Ticker, amount, price int64) (uint64, []core.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount <= 0 || price <= 0 {
		return 0, nil, fmt.Errorf("%w: amount=%d price=%d", core.ErrInvalidAmount, amount, price)
	}
	if amount > math.MaxInt64/price {
		return 0, nil, fmt.Errorf("%w: notional overflows", core.ErrInvalidAmount)
	}
	if !e.registry.Registered(ticker) {
		return 0, nil, fmt.Errorf("%w: %s", core.ErrNotRegistered, ticker)
	}

	notional := amount * price
	if side == core.Buy {
		if have := e.ledger.BalanceOf(trader, core.NativeTicker); have < notional {
			return 0, nil, fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientBalance, have, notional)
		}
	} else {
		if have := e.ledger.BalanceOf(trader, ticker); have < amount {
			return 0, nil, fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientTokens, have, amount)
		}
	}

	order := &core.Order{
		ID:     e.nextID(),
		Trader: trader,
		Side:   side,
		Ticker: ticker,
		Price:  price,
		Amount: amount,
	}

	fills, err := e.plan(order, price, false)
	if err != nil {
		return 0, nil, err
	}

	if side == core.Buy {
		if err := e.ledger.Reserve(trader, core.NativeTicker, notional); err != nil {
			return 0, nil, err
		}
	} else {
		if err := e.ledger.Reserve(trader, ticker, amount); err != nil {
			return 0, nil, err
		}
	}

	trades, err := e.commit(order, fills, true)
	if err != nil {
		return 0, nil, err
	}
	e.log.Infow("limit_order",
		"id", order.ID, "trader", trader.Hex(), "side", side.String(),
		"ticker", ticker.String(), "amount", amount, "price", price,
		"filled", order.Filled, "resting", order.Remaining() > 0)
	return order.ID, trades, nil
}

// CreateMarketOrder matches against resting liquidity only. The order never
// enters the book: any unmatched remainder is dropped, and an empty or
// partially satisfiable book is a valid outcome, not an error. The taker's
// funding is re-checked here because market orders skip the creation-time
// reservation; an underfunded submission fails whole with no fills applied.
func (e *Exchange) CreateMarketOrder(trader common.Address, side core.Side, ticker core.Ticker, amount int64) ([]core.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount=%d", core.ErrInvalidAmount, amount)
	}
	if !e.registry.Registered(ticker) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotRegistered, ticker)
	}
	if side == core.Sell {
		// The full requested amount must be on hand, even when the book
		// holds less.
		if have := e.ledger.BalanceOf(trader, ticker); have < amount {
			return nil, fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientTokens, have, amount)
		}
	}

	order := &core.Order{
		ID:     e.nextID(),
		Trader: trader,
		Side:   side,
		Ticker: ticker,
		Amount: amount,
	}

	fills, err := e.plan(order, 0, true)
	if err != nil {
		return nil, err
	}

	trades, err := e.commit(order, fills, false)
	if err != nil {
		return nil, err
	}
	e.log.Infow("market_order",
		"id", order.ID, "trader", trader.Hex(), "side", side.String(),
		"ticker", ticker.String(), "amount", amount, "filled", order.Filled)
	return trades, nil
}

// plan walks the opposite side of the book in priority order and computes
// the fills for the incoming order without mutating anything.
//
// For limit takers the walk stops at the first non-crossing price. For
// market BUY takers the cumulative native cost is checked against the
// taker's balance; a shortfall fails the whole call (no partial commit),
// returning ErrInsufficientBalance.
func (e *Exchange) plan(taker *core.Order, limitPrice int64, market bool) ([]fill, error) {
	ob := e.book(taker.Ticker)
	remaining := taker.Amount

	var fills []fill
	var spent int64
	avail := e.ledger.BalanceOf(taker.Trader, core.NativeTicker)

	var planErr error
	ob.Walk(taker.Side.Opposite(), func(maker *core.Order) bool {
		if remaining == 0 {
			return false
		}
		if !market {
			if taker.Side == core.Buy && maker.Price > limitPrice {
				return false
			}
			if taker.Side == core.Sell && maker.Price < limitPrice {
				return false
			}
		}
		qty := remaining
		if mr := maker.Remaining(); mr < qty {
			qty = mr
		}
		if market && taker.Side == core.Buy {
			// avail >= spent always, so the subtraction cannot wrap.
			cost := qty * maker.Price
			if cost > avail-spent {
				planErr = fmt.Errorf("%w: have %d, matched cost exceeds it at order %d",
					core.ErrInsufficientBalance, avail, maker.ID)
				return false
			}
			spent += cost
		}
		fills = append(fills, fill{maker: maker, qty: qty})
		remaining -= qty
		return remaining > 0
	})
	if planErr != nil {
		return nil, planErr
	}
	return fills, nil
}

// commit settles planned fills: paired ledger transfers at the maker's
// price, filled counters on both orders, maker removal when exhausted, and
// one atomic pebble batch for the whole submission. takerReserved marks a
// limit taker whose funds sit in the reserved bucket.
func (e *Exchange) commit(taker *core.Order, fills []fill, takerReserved bool) ([]core.Trade, error) {
	ob := e.book(taker.Ticker)
	batch := e.store.NewBatch()
	defer batch.Close()

	now := time.Now().UnixMilli()
	trades := make([]core.Trade, 0, len(fills))

	for _, f := range fills {
		maker, qty := f.maker, f.qty
		notional := qty * maker.Price

		var buyer, seller common.Address
		if taker.Side == core.Buy {
			buyer, seller = taker.Trader, maker.Trader
		} else {
			buyer, seller = maker.Trader, taker.Trader
		}

		// Unwind reservations down to spendable balance, then settle both
		// legs. Maker funds were reserved at the maker's own price; a limit
		// taker's at its limit price, so any price improvement flows back
		// to available automatically.
		if maker.Side == core.Buy {
			if err := e.ledger.Release(maker.Trader, core.NativeTicker, notional); err != nil {
				return nil, err
			}
		} else {
			if err := e.ledger.Release(maker.Trader, taker.Ticker, qty); err != nil {
				return nil, err
			}
		}
		if takerReserved {
			if taker.Side == core.Buy {
				if err := e.ledger.Release(taker.Trader, core.NativeTicker, qty*taker.Price); err != nil {
					return nil, err
				}
			} else {
				if err := e.ledger.Release(taker.Trader, taker.Ticker, qty); err != nil {
					return nil, err
				}
			}
		}
		if err := e.ledger.TransferInternal(buyer, seller, core.NativeTicker, notional); err != nil {
			return nil, err
		}
		if err := e.ledger.TransferInternal(seller, buyer, taker.Ticker, qty); err != nil {
			return nil, err
		}

		maker.Filled += qty
		taker.Filled += qty

		if maker.Remaining() == 0 {
			ob.Remove(maker.ID)
			if err := batch.DeleteOrder(maker.ID); err != nil {
				return nil, err
			}
		} else {
			if err := batch.SaveOrder(maker); err != nil {
				return nil, err
			}
		}

		trade := core.Trade{
			ID:      e.nextID(),
			Ticker:  taker.Ticker,
			Price:   maker.Price,
			Qty:     qty,
			Buyer:   buyer,
			Seller:  seller,
			TakerID: taker.ID,
			MakerID: maker.ID,
			Time:    now,
		}
		if err := batch.SaveTrade(trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	// Limit remainders rest; market remainders are dropped.
	if takerReserved && taker.Remaining() > 0 {
		ob.Insert(taker)
		if err := batch.SaveOrder(taker); err != nil {
			return nil, err
		}
	}

	if err := e.ledger.Flush(batch); err != nil {
		return nil, err
	}
	if err := batch.SaveSequence(e.lastID); err != nil {
		return nil, err
	}
	// The in-memory settlement is already applied and cannot be unwound
	// piecemeal. A store that cannot commit is fatal; restart replays the
	// last committed state.
	if err := batch.Commit(); err != nil {
		e.log.Fatalw("state_commit_failed", "order", taker.ID, "err", err)
	}

	if e.events != nil {
		for _, t := range trades {
			e.events.OnTrade(t)
		}
		e.events.OnBookUpdate(taker.Ticker, ob.Snapshot(core.Buy), ob.Snapshot(core.Sell))
	}
	for _, t := range trades {
		e.log.Infow("fill", "ticker", t.Ticker.String(), "price", t.Price,
			"qty", t.Qty, "taker", t.TakerID, "maker", t.MakerID)
	}
	return trades, nil
}
