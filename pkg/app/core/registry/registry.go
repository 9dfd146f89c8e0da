// Package registry maps asset tickers to their external asset handles.
// Registration is admin-gated and append-only: entries are immutable once
// created and duplicates are rejected so an existing ticker can never be
// redirected to a different asset.
//
// No internal locking; the owning Exchange serializes access.
package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xgrind/spotdex/pkg/app/core"
	"github.com/0xgrind/spotdex/pkg/storage"
)

// Authorizer decides whether a caller may mutate the registry. Caller
// authentication itself happens upstream; the registry only sees an
// already-authenticated principal.
type Authorizer interface {
	IsAdmin(caller common.Address) bool
}

// OwnerAuth grants admin rights to a single owner address.
type OwnerAuth struct {
	Owner common.Address
}

func (a OwnerAuth) IsAdmin(caller common.Address) bool { return caller == a.Owner }

type Registry struct {
	auth    Authorizer
	store   *storage.Store
	handles map[core.Ticker]common.Address
	// tickers and addresses are parallel, in registration order. The native
	// ticker is resolvable but deliberately absent here: it has no external
	// handle to enumerate.
	tickers   []core.Ticker
	addresses []common.Address
}

// New loads persisted entries and returns a registry with the native ticker
// pre-registered (resolving to the zero handle).
func New(store *storage.Store, auth Authorizer) (*Registry, error) {
	r := &Registry{
		auth:    auth,
		store:   store,
		handles: make(map[core.Ticker]common.Address),
	}
	recs, err := store.LoadTokens()
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	for _, rec := range recs {
		r.handles[rec.Ticker] = rec.Handle
		r.tickers = append(r.tickers, rec.Ticker)
		r.addresses = append(r.addresses, rec.Handle)
	}
	return r, nil
}

// AddToken registers ticker -> handle. Fails with ErrNotAuthorized unless
// the caller is an admin, and with ErrAlreadyRegistered on duplicates.
func (r *Registry) AddToken(caller common.Address, ticker core.Ticker, handle common.Address) error {
	if !r.auth.IsAdmin(caller) {
		return fmt.Errorf("%w: %s", core.ErrNotAuthorized, caller.Hex())
	}
	if ticker.IsNative() {
		return fmt.Errorf("%w: %s is the native ticker", core.ErrAlreadyRegistered, ticker)
	}
	if _, ok := r.handles[ticker]; ok {
		return fmt.Errorf("%w: %s", core.ErrAlreadyRegistered, ticker)
	}
	index := len(r.tickers)
	if err := r.store.SaveToken(index, storage.TokenRecord{Ticker: ticker, Handle: handle}); err != nil {
		return fmt.Errorf("persist token %s: %w", ticker, err)
	}
	r.handles[ticker] = handle
	r.tickers = append(r.tickers, ticker)
	r.addresses = append(r.addresses, handle)
	return nil
}

// Resolve returns the asset handle for a ticker. The native ticker resolves
// to the zero handle; unknown tickers fail with ErrNotRegistered.
func (r *Registry) Resolve(ticker core.Ticker) (common.Address, error) {
	if ticker.IsNative() {
		return common.Address{}, nil
	}
	handle, ok := r.handles[ticker]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", core.ErrNotRegistered, ticker)
	}
	return handle, nil
}

// Registered reports whether deposits and orders may reference ticker.
func (r *Registry) Registered(ticker core.Ticker) bool {
	if ticker.IsNative() {
		return true
	}
	_, ok := r.handles[ticker]
	return ok
}

// List returns registered tickers in registration order.
func (r *Registry) List() []core.Ticker {
	out := make([]core.Ticker, len(r.tickers))
	copy(out, r.tickers)
	return out
}

// ListAddresses returns asset handles parallel to List.
func (r *Registry) ListAddresses() []common.Address {
	out := make([]common.Address, len(r.addresses))
	copy(out, r.addresses)
	return out
}
