package bitbank

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketwatch/pkg/models"
)

// Wire shapes as transmitted by the feed. All numeric price/amount fields
// arrive as strings and are converted to decimal here; nothing outside this
// file sees a string-typed number.

type joinMessage struct {
	RoomName string `json:"room_name"`
}

type wireEntry struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

type tickerMessage struct {
	Pair      string `json:"pair"`
	Sell      string `json:"sell"`
	Buy       string `json:"buy"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Last      string `json:"last"`
	Vol       string `json:"vol"`
	Timestamp int64  `json:"timestamp"`
}

type wireTransaction struct {
	TransactionID int64  `json:"transactionId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Amount        string `json:"amount"`
	ExecutedAt    int64  `json:"executedAt"`
}

type transactionsMessage struct {
	Transactions []wireTransaction `json:"transactions"`
}

type depthWholeMessage struct {
	Asks       []wireEntry `json:"asks"`
	Bids       []wireEntry `json:"bids"`
	AsksOver   string      `json:"asksOver"`
	BidsUnder  string      `json:"bidsUnder"`
	AsksCount  int         `json:"asksCount"`
	BidsCount  int         `json:"bidsCount"`
	SequenceID int64       `json:"sequenceId"`
	Timestamp  int64       `json:"timestamp"`
}

type depthDiffMessage struct {
	Asks       []wireEntry `json:"asks"`
	Bids       []wireEntry `json:"bids"`
	SequenceID int64       `json:"sequenceId"`
	Timestamp  int64       `json:"timestamp"`
}

func decodeTicker(raw []byte) (models.Ticker, error) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}

	out := models.Ticker{
		Pair:      msg.Pair,
		Timestamp: time.UnixMilli(msg.Timestamp),
	}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"sell", msg.Sell, &out.Sell},
		{"buy", msg.Buy, &out.Buy},
		{"high", msg.High, &out.High},
		{"low", msg.Low, &out.Low},
		{"last", msg.Last, &out.Last},
		{"vol", msg.Vol, &out.Volume},
	}
	for _, f := range fields {
		val, err := decimal.NewFromString(f.raw)
		if err != nil {
			return models.Ticker{}, fmt.Errorf("decode ticker %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = val
	}
	return out, nil
}

func decodeTransactions(raw []byte) ([]models.Trade, error) {
	var msg transactionsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}

	trades := make([]models.Trade, 0, len(msg.Transactions))
	for _, tx := range msg.Transactions {
		price, err := decimal.NewFromString(tx.Price)
		if err != nil {
			return nil, fmt.Errorf("decode transaction %d price %q: %w", tx.TransactionID, tx.Price, err)
		}
		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			return nil, fmt.Errorf("decode transaction %d amount %q: %w", tx.TransactionID, tx.Amount, err)
		}
		trades = append(trades, models.Trade{
			TransactionID: tx.TransactionID,
			Side:          models.TradeSide(tx.Side),
			Price:         price,
			Amount:        amount,
			ExecutedAt:    time.UnixMilli(tx.ExecutedAt),
		})
	}
	return trades, nil
}

func decodeDepthWhole(raw []byte) (models.DepthSnapshot, error) {
	var msg depthWholeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.DepthSnapshot{}, fmt.Errorf("decode depth snapshot: %w", err)
	}

	asks, err := decodeEntries(msg.Asks)
	if err != nil {
		return models.DepthSnapshot{}, fmt.Errorf("decode depth snapshot asks: %w", err)
	}
	bids, err := decodeEntries(msg.Bids)
	if err != nil {
		return models.DepthSnapshot{}, fmt.Errorf("decode depth snapshot bids: %w", err)
	}

	out := models.DepthSnapshot{
		Asks:       asks,
		Bids:       bids,
		AsksCount:  msg.AsksCount,
		BidsCount:  msg.BidsCount,
		SequenceID: msg.SequenceID,
		Timestamp:  time.UnixMilli(msg.Timestamp),
	}
	if msg.AsksOver != "" {
		if out.AsksOver, err = decimal.NewFromString(msg.AsksOver); err != nil {
			return models.DepthSnapshot{}, fmt.Errorf("decode depth snapshot asksOver %q: %w", msg.AsksOver, err)
		}
	}
	if msg.BidsUnder != "" {
		if out.BidsUnder, err = decimal.NewFromString(msg.BidsUnder); err != nil {
			return models.DepthSnapshot{}, fmt.Errorf("decode depth snapshot bidsUnder %q: %w", msg.BidsUnder, err)
		}
	}
	return out, nil
}

func decodeDepthDiff(raw []byte) (models.DepthDiff, error) {
	var msg depthDiffMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.DepthDiff{}, fmt.Errorf("decode depth diff: %w", err)
	}

	asks, err := decodeEntries(msg.Asks)
	if err != nil {
		return models.DepthDiff{}, fmt.Errorf("decode depth diff asks: %w", err)
	}
	bids, err := decodeEntries(msg.Bids)
	if err != nil {
		return models.DepthDiff{}, fmt.Errorf("decode depth diff bids: %w", err)
	}

	return models.DepthDiff{
		Asks:       asks,
		Bids:       bids,
		SequenceID: msg.SequenceID,
		Timestamp:  time.UnixMilli(msg.Timestamp),
	}, nil
}

func decodeEntries(entries []wireEntry) ([]models.OrderBookEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]models.OrderBookEntry, 0, len(entries))
	for _, e := range entries {
		price, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", e.Price, err)
		}
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", e.Amount, err)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("negative amount %q at price %q", e.Amount, e.Price)
		}
		out = append(out, models.OrderBookEntry{Price: price, Amount: amount})
	}
	return out, nil
}
