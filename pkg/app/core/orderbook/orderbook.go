// Package orderbook keeps one ticker's resting limit orders in price-time
// priority. Each side is a btree of price levels; a level holds its orders
// in ascending id order, so iteration yields bids descending by price and
// asks ascending, ids breaking ties first-in-first-out.
//
// No internal locking; the owning Exchange serializes access.
package orderbook

import (
	"github.com/tidwall/btree"

	"github.com/0xgrind/spotdex/pkg/app/core"
)

type level struct {
	price  int64
	orders []*core.Order // ascending id
}

type OrderBook struct {
	ticker core.Ticker
	bids   *btree.Map[int64, *level]
	asks   *btree.Map[int64, *level]
	index  map[uint64]*core.Order
}

func New(ticker core.Ticker) *OrderBook {
	return &OrderBook{
		ticker: ticker,
		bids:   btree.NewMap[int64, *level](32),
		asks:   btree.NewMap[int64, *level](32),
		index:  make(map[uint64]*core.Order),
	}
}

func (ob *OrderBook) Ticker() core.Ticker { return ob.ticker }

func (ob *OrderBook) side(s core.Side) *btree.Map[int64, *level] {
	if s == core.Buy {
		return ob.bids
	}
	return ob.asks
}

// Insert places a resting order at its sorted position. Orders arrive with
// increasing ids, so the common case is an append at the level tail; the
// scan-from-end covers out-of-order replay defensively cheap.
func (ob *OrderBook) Insert(o *core.Order) {
	tree := ob.side(o.Side)
	lv, ok := tree.Get(o.Price)
	if !ok {
		lv = &level{price: o.Price}
		tree.Set(o.Price, lv)
	}
	pos := len(lv.orders)
	for pos > 0 && lv.orders[pos-1].ID > o.ID {
		pos--
	}
	lv.orders = append(lv.orders, nil)
	copy(lv.orders[pos+1:], lv.orders[pos:])
	lv.orders[pos] = o
	ob.index[o.ID] = o
}

// Remove takes an order out of the book. Removing an id that is not present
// is a no-op, so removal is idempotent.
func (ob *OrderBook) Remove(id uint64) bool {
	o, ok := ob.index[id]
	if !ok {
		return false
	}
	tree := ob.side(o.Side)
	lv, ok := tree.Get(o.Price)
	if !ok {
		delete(ob.index, id)
		return false
	}
	for i, rest := range lv.orders {
		if rest.ID == id {
			lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
			break
		}
	}
	if len(lv.orders) == 0 {
		tree.Delete(lv.price)
	}
	delete(ob.index, id)
	return true
}

// Get returns the resting order with the given id, or nil.
func (ob *OrderBook) Get(id uint64) *core.Order { return ob.index[id] }

// Best returns the highest-priority resting order on a side: the highest
// bid or the lowest ask, oldest id first within the level. Nil when empty.
func (ob *OrderBook) Best(s core.Side) *core.Order {
	var lv *level
	var ok bool
	if s == core.Buy {
		_, lv, ok = ob.bids.Max()
	} else {
		_, lv, ok = ob.asks.Min()
	}
	if !ok || len(lv.orders) == 0 {
		return nil
	}
	return lv.orders[0]
}

// Walk visits a side's orders in matching priority order until fn returns
// false.
func (ob *OrderBook) Walk(s core.Side, fn func(o *core.Order) bool) {
	visit := func(_ int64, lv *level) bool {
		for _, o := range lv.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	}
	if s == core.Buy {
		ob.bids.Reverse(visit)
	} else {
		ob.asks.Scan(visit)
	}
}

// Snapshot copies a side in priority order, reflecting live filled values.
func (ob *OrderBook) Snapshot(s core.Side) []core.Order {
	out := make([]core.Order, 0, ob.Len(s))
	ob.Walk(s, func(o *core.Order) bool {
		out = append(out, *o)
		return true
	})
	return out
}

// Len counts resting orders on a side.
func (ob *OrderBook) Len(s core.Side) int {
	n := 0
	ob.side(s).Scan(func(_ int64, lv *level) bool {
		n += len(lv.orders)
		return true
	})
	return n
}
