// Package exchange is the state machine tying the ledger, token registry
// and order books together. Every mutating operation runs to completion
// under one exclusive lock: an order submission either commits its whole
// matching pass and settlement or has no effect at all.
package exchange

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xgrind/spotdex/pkg/app/core"
	"github.com/0xgrind/spotdex/pkg/app/core/ledger"
	"github.com/0xgrind/spotdex/pkg/app/core/orderbook"
	"github.com/0xgrind/spotdex/pkg/app/core/registry"
	"github.com/0xgrind/spotdex/pkg/storage"
)

// EventSink receives post-commit notifications. Implemented by the API
// layer to stream fills and book updates over WebSocket; may be left unset.
// Called with the exchange lock held, so sinks must not call back into the
// exchange; book updates carry their snapshots for that reason.
type EventSink interface {
	OnTrade(t core.Trade)
	OnBookUpdate(ticker core.Ticker, bids, asks []core.Order)
}

type Exchange struct {
	mu  sync.RWMutex
	log *zap.SugaredLogger

	store    *storage.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	books    map[core.Ticker]*orderbook.OrderBook

	lastID uint64
	events EventSink
}

// New restores exchange state from the store: the id sequence is reloaded
// and every open order is replayed into a fresh book in id order, which
// reproduces price-time priority exactly.
func New(store *storage.Store, ldg *ledger.Ledger, reg *registry.Registry, log *zap.SugaredLogger) (*Exchange, error) {
	e := &Exchange{
		log:      log,
		store:    store,
		ledger:   ldg,
		registry: reg,
		books:    make(map[core.Ticker]*orderbook.OrderBook),
	}
	last, err := store.LoadSequence()
	if err != nil {
		return nil, err
	}
	e.lastID = last

	open, err := store.LoadOpenOrders()
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	for _, o := range open {
		e.book(o.Ticker).Insert(o)
	}
	if len(open) > 0 {
		log.Infow("orderbooks_restored", "open_orders", len(open))
	}
	return e, nil
}

// SetEvents installs the post-commit notification sink.
func (e *Exchange) SetEvents(sink EventSink) { e.events = sink }

func (e *Exchange) book(ticker core.Ticker) *orderbook.OrderBook {
	ob, ok := e.books[ticker]
	if !ok {
		ob = orderbook.New(ticker)
		e.books[ticker] = ob
	}
	return ob
}

func (e *Exchange) nextID() uint64 {
	e.lastID++
	return e.lastID
}

// AddToken registers a tradable asset. Admin-only.
func (e *Exchange) AddToken(caller common.Address, ticker core.Ticker, handle common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.AddToken(caller, ticker, handle); err != nil {
		return err
	}
	e.log.Infow("token_registered", "ticker", ticker.String(), "handle", handle.Hex())
	return nil
}

// Deposit credits a registered token to the trader's ledger balance,
// pulling the asset through the bridge.
func (e *Exchange) Deposit(trader common.Address, ticker core.Ticker, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle, err := e.registry.Resolve(ticker)
	if err != nil {
		return err
	}
	return e.ledger.Deposit(trader, ticker, handle, amount)
}

// DepositNative credits the chain-native asset.
func (e *Exchange) DepositNative(trader common.Address, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Deposit(trader, core.NativeTicker, common.Address{}, amount)
}

// Withdraw debits the trader and pays the asset back out through the
// bridge. Reserved balances backing resting orders are not withdrawable.
func (e *Exchange) Withdraw(trader common.Address, ticker core.Ticker, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle, err := e.registry.Resolve(ticker)
	if err != nil {
		return err
	}
	return e.ledger.Withdraw(trader, ticker, handle, amount)
}

// WithdrawNative pays out the chain-native asset.
func (e *Exchange) WithdrawNative(trader common.Address, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Withdraw(trader, core.NativeTicker, common.Address{}, amount)
}

// BalanceOf returns the spendable balance for (trader, ticker).
func (e *Exchange) BalanceOf(trader common.Address, ticker core.Ticker) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.BalanceOf(trader, ticker)
}

// ReservedOf returns the balance locked behind the trader's resting orders.
func (e *Exchange) ReservedOf(trader common.Address, ticker core.Ticker) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.ReservedOf(trader, ticker)
}

// TokenList returns registered tickers in registration order.
func (e *Exchange) TokenList() []core.Ticker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.List()
}

// AddressList returns asset handles parallel to TokenList.
func (e *Exchange) AddressList() []common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.ListAddresses()
}

// TokenMapping resolves a ticker to its asset handle.
func (e *Exchange) TokenMapping(ticker core.Ticker) (common.Address, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.Resolve(ticker)
}

// OrderBookSnapshot returns one side of a ticker's book in priority order,
// reflecting live filled quantities.
func (e *Exchange) OrderBookSnapshot(ticker core.Ticker, side core.Side) []core.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ob, ok := e.books[ticker]
	if !ok {
		return nil
	}
	return ob.Snapshot(side)
}

// RecentTrades returns up to limit settled trades, newest first.
func (e *Exchange) RecentTrades(ticker core.Ticker, limit int) ([]core.Trade, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.RecentTrades(ticker, limit)
}

// CancelOrder removes a resting order owned by trader and releases its
// remaining reservation. Unknown or foreign ids fail with ErrOrderNotFound.
func (e *Exchange) CancelOrder(trader common.Address, ticker core.Ticker, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ob, ok := e.books[ticker]
	if !ok {
		return fmt.Errorf("%w: id %d", core.ErrOrderNotFound, id)
	}
	o := ob.Get(id)
	if o == nil || o.Trader != trader {
		return fmt.Errorf("%w: id %d", core.ErrOrderNotFound, id)
	}

	if o.Side == core.Buy {
		if err := e.ledger.Release(trader, core.NativeTicker, o.Remaining()*o.Price); err != nil {
			return err
		}
	} else {
		if err := e.ledger.Release(trader, ticker, o.Remaining()); err != nil {
			return err
		}
	}
	ob.Remove(id)

	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.DeleteOrder(id); err != nil {
		return err
	}
	if err := e.ledger.Flush(batch); err != nil {
		return err
	}
	// Same policy as settlement: the release and removal are already
	// applied, so a store that cannot commit is fatal.
	if err := batch.Commit(); err != nil {
		e.log.Fatalw("state_commit_failed", "cancel", id, "err", err)
	}

	e.log.Infow("order_cancelled", "id", id, "ticker", ticker.String(), "trader", trader.Hex())
	if e.events != nil {
		e.events.OnBookUpdate(ticker, ob.Snapshot(core.Buy), ob.Snapshot(core.Sell))
	}
	return nil
}
