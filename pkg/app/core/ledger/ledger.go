// Package ledger owns per-account, per-asset balances and is the solvency
// gate for every state transition. Amounts live in two buckets: available
// (spendable, withdrawable) and reserved (backing resting limit orders).
// Neither bucket ever goes negative.
//
// The ledger does no locking; the owning Exchange serializes all access.
package ledger

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xgrind/spotdex/pkg/app/core"
	"github.com/0xgrind/spotdex/pkg/storage"
)

// TokenBridge moves assets between the exchange and the outside world. It
// stands in for the wallet/chain collaborator: TransferIn pulls a deposit,
// TransferOut pays a withdrawal. A failed TransferOut rolls the ledger back.
type TokenBridge interface {
	TransferIn(account, asset common.Address, amount int64) error
	TransferOut(account, asset common.Address, amount int64) error
}

// NopBridge accepts every transfer. Used for in-process deployments and
// tests; a real deployment injects a bridge that settles on chain.
type NopBridge struct{}

func (NopBridge) TransferIn(common.Address, common.Address, int64) error  { return nil }
func (NopBridge) TransferOut(common.Address, common.Address, int64) error { return nil }

type balanceKey struct {
	account common.Address
	ticker  core.Ticker
}

type entry struct {
	available int64
	reserved  int64
}

type Ledger struct {
	store    *storage.Store
	bridge   TokenBridge
	balances map[balanceKey]*entry
	dirty    map[balanceKey]struct{}
}

// New loads persisted balance rows and returns a ledger backed by store.
func New(store *storage.Store, bridge TokenBridge) (*Ledger, error) {
	l := &Ledger{
		store:    store,
		bridge:   bridge,
		balances: make(map[balanceKey]*entry),
		dirty:    make(map[balanceKey]struct{}),
	}
	recs, err := store.LoadBalances()
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	for _, rec := range recs {
		l.balances[balanceKey{rec.Account, rec.Ticker}] = &entry{
			available: rec.Available,
			reserved:  rec.Reserved,
		}
	}
	return l, nil
}

func (l *Ledger) get(account common.Address, ticker core.Ticker) *entry {
	k := balanceKey{account, ticker}
	e, ok := l.balances[k]
	if !ok {
		e = &entry{}
		l.balances[k] = e
	}
	return e
}

// BalanceOf returns the spendable balance for (account, ticker).
func (l *Ledger) BalanceOf(account common.Address, ticker core.Ticker) int64 {
	if e, ok := l.balances[balanceKey{account, ticker}]; ok {
		return e.available
	}
	return 0
}

// ReservedOf returns the amount locked behind resting limit orders.
func (l *Ledger) ReservedOf(account common.Address, ticker core.Ticker) int64 {
	if e, ok := l.balances[balanceKey{account, ticker}]; ok {
		return e.reserved
	}
	return 0
}

// Deposit pulls amount of the asset through the bridge and credits the
// account. The bridge failing aborts the deposit with no balance change.
// A credit that would push the account's total past MaxInt64 is rejected
// before the bridge is touched, so balances cannot wrap negative.
func (l *Ledger) Deposit(account common.Address, ticker core.Ticker, asset common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit of %d", core.ErrInvalidAmount, amount)
	}
	e := l.get(account, ticker)
	if e.available+e.reserved > math.MaxInt64-amount {
		return fmt.Errorf("%w: deposit of %d overflows balance", core.ErrInvalidAmount, amount)
	}
	if err := l.bridge.TransferIn(account, asset, amount); err != nil {
		return fmt.Errorf("bridge transfer in: %w", err)
	}
	e.available += amount
	return l.persist(account, ticker)
}

// Withdraw debits the account and pays out through the bridge. A bridge
// failure restores the debited balance, preserving no-mutation-on-failure.
func (l *Ledger) Withdraw(account common.Address, ticker core.Ticker, asset common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdrawal of %d", core.ErrInvalidAmount, amount)
	}
	e := l.get(account, ticker)
	if e.available < amount {
		return fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientBalance, e.available, amount)
	}
	e.available -= amount
	if err := l.persist(account, ticker); err != nil {
		e.available += amount
		return err
	}
	if err := l.bridge.TransferOut(account, asset, amount); err != nil {
		e.available += amount
		if perr := l.persist(account, ticker); perr != nil {
			return fmt.Errorf("bridge transfer out: %v (rollback persist: %w)", err, perr)
		}
		return fmt.Errorf("bridge transfer out: %w", err)
	}
	return nil
}

// Reserve moves amount from available to reserved, backing a limit order.
func (l *Ledger) Reserve(account common.Address, ticker core.Ticker, amount int64) error {
	e := l.get(account, ticker)
	if e.available < amount {
		return fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientBalance, e.available, amount)
	}
	e.available -= amount
	e.reserved += amount
	l.markDirty(account, ticker)
	return nil
}

// Release returns amount from reserved to available. Releasing more than is
// reserved indicates an engine bug, not a caller error.
func (l *Ledger) Release(account common.Address, ticker core.Ticker, amount int64) error {
	e := l.get(account, ticker)
	if e.reserved < amount {
		return fmt.Errorf("release %d exceeds reserved %d for %s/%s", amount, e.reserved, account.Hex(), ticker)
	}
	e.reserved -= amount
	e.available += amount
	l.markDirty(account, ticker)
	return nil
}

// TransferInternal moves available balance between accounts during
// settlement. The matching engine must have verified (or reserved) the
// source funds already; a shortfall here is an invariant violation.
// Not reachable from outside callers.
func (l *Ledger) TransferInternal(from, to common.Address, ticker core.Ticker, amount int64) error {
	src := l.get(from, ticker)
	if src.available < amount {
		return fmt.Errorf("internal transfer of %d exceeds balance %d for %s/%s", amount, src.available, from.Hex(), ticker)
	}
	// Self-trades net to zero.
	if from == to {
		return nil
	}
	dst := l.get(to, ticker)
	if dst.available+dst.reserved > math.MaxInt64-amount {
		return fmt.Errorf("internal transfer of %d overflows balance for %s/%s", amount, to.Hex(), ticker)
	}
	src.available -= amount
	dst.available += amount
	l.markDirty(from, ticker)
	l.markDirty(to, ticker)
	return nil
}

func (l *Ledger) markDirty(account common.Address, ticker core.Ticker) {
	l.dirty[balanceKey{account, ticker}] = struct{}{}
}

// Flush appends every dirty balance row to the batch and clears the dirty
// set. The Exchange commits the batch together with order and trade rows so
// a settlement is one atomic write.
func (l *Ledger) Flush(b *storage.Batch) error {
	for k := range l.dirty {
		e := l.balances[k]
		rec := storage.BalanceRecord{
			Account:   k.account,
			Ticker:    k.ticker,
			Available: e.available,
			Reserved:  e.reserved,
		}
		if err := b.SaveBalance(rec); err != nil {
			return fmt.Errorf("flush balance %s/%s: %w", k.account.Hex(), k.ticker, err)
		}
	}
	l.dirty = make(map[balanceKey]struct{})
	return nil
}

func (l *Ledger) persist(account common.Address, ticker core.Ticker) error {
	e := l.get(account, ticker)
	return l.store.SaveBalance(storage.BalanceRecord{
		Account:   account,
		Ticker:    ticker,
		Available: e.available,
		Reserved:  e.reserved,
	})
}
