package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0xgrind/spotdex/pkg/app/core"
)

// Store is the pebble-backed state store for the exchange: balance rows,
// registered tokens, open orders, trade history and the id sequence.
// It does no locking of its own; the owning Exchange serializes writers.
type Store struct {
	db *pebble.DB
}

// BalanceRecord is one persisted (account, ticker) row.
type BalanceRecord struct {
	Account   common.Address `json:"account"`
	Ticker    core.Ticker    `json:"ticker"`
	Available int64          `json:"available"`
	Reserved  int64          `json:"reserved"`
}

// TokenRecord is one persisted registry entry.
type TokenRecord struct {
	Ticker core.Ticker    `json:"ticker"`
	Handle common.Address `json:"handle"`
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveBalance persists a single balance row outside of a batch.
func (s *Store) SaveBalance(rec BalanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal balance: %w", err)
	}
	return s.db.Set(balanceKey(rec.Account, rec.Ticker), data, pebble.Sync)
}

// LoadBalances scans every persisted balance row.
func (s *Store) LoadBalances() ([]BalanceRecord, error) {
	prefix := balancePrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var recs []BalanceRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec BalanceRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode balance row %q: %w", iter.Key(), err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// SaveToken persists a registry entry at its insertion index.
func (s *Store) SaveToken(index int, rec TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return s.db.Set(tokenKey(index), data, pebble.Sync)
}

// LoadTokens returns registry entries in registration order.
func (s *Store) LoadTokens() ([]TokenRecord, error) {
	prefix := tokenPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var recs []TokenRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec TokenRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode token row %q: %w", iter.Key(), err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// LoadOpenOrders returns every resting order in ascending id order.
func (s *Store) LoadOpenOrders() ([]*core.Order, error) {
	prefix := orderPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*core.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o core.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("decode order row %q: %w", iter.Key(), err)
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

// RecentTrades returns up to limit trades for a ticker, newest first.
func (s *Store) RecentTrades(ticker core.Ticker, limit int) ([]core.Trade, error) {
	prefix := tradePrefix(ticker)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []core.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t core.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode trade row %q: %w", iter.Key(), err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// LoadSequence returns the last issued id, or 0 on a fresh database.
func (s *Store) LoadSequence() (uint64, error) {
	data, closer, err := s.db.Get([]byte(keySequence))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load sequence: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("sequence row has %d bytes, want 8", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// NewBatch starts an atomic write batch. One order submission commits all of
// its balance, order, trade and sequence updates through a single batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

// Batch collects typed writes and commits them atomically.
type Batch struct {
	batch *pebble.Batch
}

func (b *Batch) SaveBalance(rec BalanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.batch.Set(balanceKey(rec.Account, rec.Ticker), data, nil)
}

func (b *Batch) SaveToken(index int, rec TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.batch.Set(tokenKey(index), data, nil)
}

func (b *Batch) SaveOrder(o *core.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return b.batch.Set(orderKey(o.ID), data, nil)
}

func (b *Batch) DeleteOrder(id uint64) error {
	return b.batch.Delete(orderKey(id), nil)
}

func (b *Batch) SaveTrade(t core.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.batch.Set(tradeKey(t.Ticker, t.ID), data, nil)
}

func (b *Batch) SaveSequence(last uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], last)
	return b.batch.Set([]byte(keySequence), buf[:], nil)
}

func (b *Batch) Commit() error { return b.batch.Commit(pebble.Sync) }

func (b *Batch) Close() error { return b.batch.Close() }

// DebugDump lists raw keys under a prefix; test helper for schema checks.
func (s *Store) DebugDump(prefix string) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, strings.Clone(string(iter.Key())))
	}
	return keys, nil
}
