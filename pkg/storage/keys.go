package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xgrind/spotdex/pkg/app/core"
)

// Pebble key schema. Prefixes group records for range scans; numeric parts
// are zero-padded so lexicographic order matches numeric order.
const (
	prefixBalance = "bal:"   // per (account, ticker) balance row
	prefixToken   = "tok:"   // registered tokens, keyed by insertion index
	prefixOrder   = "ord:"   // open (resting) orders, keyed by order id
	prefixTrade   = "trade:" // trade history per ticker
	keySequence   = "seq:ids"
)

// balanceKey: "bal:{address}:{ticker}"
func balanceKey(addr common.Address, ticker core.Ticker) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, addr.Hex(), ticker))
}

func balancePrefix() []byte { return []byte(prefixBalance) }

// tokenKey: "tok:{index}" — index is the insertion position, so a prefix
// scan enumerates tokens in registration order.
func tokenKey(index int) []byte {
	return []byte(fmt.Sprintf("%s%06d", prefixToken, index))
}

func tokenPrefix() []byte { return []byte(prefixToken) }

// orderKey: "ord:{id}" — scanning the prefix replays open orders in id
// order, which reproduces price/time priority when rebuilding books.
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func orderPrefix() []byte { return []byte(prefixOrder) }

// tradeKey: "trade:{ticker}:{id}"
func tradeKey(ticker core.Ticker, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, ticker, id))
}

func tradePrefix(ticker core.Ticker) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, ticker))
}

// keyUpperBound is the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
