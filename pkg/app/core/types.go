package core

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Ticker is a fixed-width asset identifier, NUL-padded on the right.
// Tickers compare by exact byte equality; there is no case folding.
type Ticker [32]byte

// NativeTicker is the reserved ticker for the chain's native asset.
// It is always registered and resolves to the zero asset handle.
var NativeTicker = MustTicker("ETH")

// ParseTicker builds a Ticker from a symbol string. Symbols are restricted
// to letters and digits: separator bytes would let one ticker's records
// alias another's key range in the store.
func ParseTicker(s string) (Ticker, error) {
	var t Ticker
	if len(s) == 0 {
		return t, fmt.Errorf("empty ticker")
	}
	if len(s) > len(t) {
		return t, fmt.Errorf("ticker %q exceeds %d bytes", s, len(t))
	}
	for i := 0; i < len(s); i++ {
		if !isTickerByte(s[i]) {
			return t, fmt.Errorf("ticker %q contains invalid byte %q", s, s[i])
		}
	}
	copy(t[:], s)
	return t, nil
}

func isTickerByte(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z'
}

// MustTicker is ParseTicker for compile-time-known symbols.
func MustTicker(s string) Ticker {
	t, err := ParseTicker(s)
	if err != nil {
		panic(err)
	}
	return t
}

// IsNative reports whether t is the reserved native-asset ticker.
func (t Ticker) IsNative() bool { return t == NativeTicker }

func (t Ticker) String() string {
	if i := bytes.IndexByte(t[:], 0); i >= 0 {
		return string(t[:i])
	}
	return string(t[:])
}

// MarshalText lets tickers round-trip through JSON as plain symbols.
func (t Ticker) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Ticker) UnmarshalText(b []byte) error {
	parsed, err := ParseTicker(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return fmt.Sprintf("Side(%d)", int8(s))
}

// Opposite returns the side a taker matches against.
func (s Side) Opposite() Side { return -s }

// ParseSide accepts the wire spellings "BUY" and "SELL".
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// Order is a limit or market order. ID comes from a persisted, monotonically
// increasing sequence and is never reused; it doubles as the FIFO tie-break
// key for resting orders at the same price. Market orders carry Price == 0
// and are never inserted into a book.
type Order struct {
	ID     uint64         `json:"id"`
	Trader common.Address `json:"trader"`
	Side   Side           `json:"side"`
	Ticker Ticker         `json:"ticker"`
	Price  int64          `json:"price"`
	Amount int64          `json:"amount"`
	Filled int64          `json:"filled"`
}

// Remaining is the quantity still open. 0 <= Filled <= Amount always holds.
func (o *Order) Remaining() int64 { return o.Amount - o.Filled }

// Trade records one settled fill. Price is always the maker's price.
type Trade struct {
	ID      uint64         `json:"id"`
	Ticker  Ticker         `json:"ticker"`
	Price   int64          `json:"price"`
	Qty     int64          `json:"qty"`
	Buyer   common.Address `json:"buyer"`
	Seller  common.Address `json:"seller"`
	TakerID uint64         `json:"takerId"`
	MakerID uint64         `json:"makerId"`
	Time    int64          `json:"time"` // unix millis
}
