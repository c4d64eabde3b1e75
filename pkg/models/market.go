package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderBookEntry is one resting price level. Price is the upsert/removal key;
// Amount is always non-negative.
type OrderBookEntry struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Notional returns Price * Amount.
func (e OrderBookEntry) Notional() decimal.Decimal {
	return e.Price.Mul(e.Amount)
}

// OrderBook is the canonical book for one pair. Asks are ascending by price,
// bids descending, no duplicate price within either side.
type OrderBook struct {
	Pair       string           `json:"pair"`
	Asks       []OrderBookEntry `json:"asks"`
	Bids       []OrderBookEntry `json:"bids"`
	SequenceID int64            `json:"sequence_id"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// BestAsk returns the lowest ask, or false when the side is empty.
func (b *OrderBook) BestAsk() (OrderBookEntry, bool) {
	if len(b.Asks) == 0 {
		return OrderBookEntry{}, false
	}
	return b.Asks[0], true
}

// BestBid returns the highest bid, or false when the side is empty.
func (b *OrderBook) BestBid() (OrderBookEntry, bool) {
	if len(b.Bids) == 0 {
		return OrderBookEntry{}, false
	}
	return b.Bids[0], true
}

// Clone returns a deep copy safe to hand to external readers.
func (b *OrderBook) Clone() *OrderBook {
	if b == nil {
		return nil
	}
	out := *b
	out.Asks = append([]OrderBookEntry(nil), b.Asks...)
	out.Bids = append([]OrderBookEntry(nil), b.Bids...)
	return &out
}

// DepthSnapshot is a full book image from the feed. An accepted snapshot
// replaces both sides wholesale.
type DepthSnapshot struct {
	Asks       []OrderBookEntry
	Bids       []OrderBookEntry
	AsksOver   decimal.Decimal
	BidsUnder  decimal.Decimal
	AsksCount  int
	BidsCount  int
	SequenceID int64
	Timestamp  time.Time
}

// DepthDiff is an incremental book update. An entry with Amount zero removes
// the price level; any other entry is an upsert.
type DepthDiff struct {
	Asks       []OrderBookEntry
	Bids       []OrderBookEntry
	SequenceID int64
	Timestamp  time.Time
}

// Ticker is the per-pair summary published on the ticker channel.
type Ticker struct {
	Pair      string          `json:"pair"`
	Sell      decimal.Decimal `json:"sell"`
	Buy       decimal.Decimal `json:"buy"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"vol"`
	Timestamp time.Time       `json:"timestamp"`
}

type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is one executed transaction from the feed.
type Trade struct {
	TransactionID int64           `json:"transaction_id"`
	Side          TradeSide       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	ExecutedAt    time.Time       `json:"executed_at"`
}
