package monitor

import (
	"time"

	"github.com/shopspring/decimal"

	"marketwatch/pkg/models"
)

// VolumeAnalysis summarizes executions inside the rolling window.
type VolumeAnalysis struct {
	BuyVolume   decimal.Decimal `json:"buy_volume"`
	SellVolume  decimal.Decimal `json:"sell_volume"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	TradeCount  int             `json:"trade_count"`
	VWAP        decimal.Decimal `json:"vwap"`
	Timestamp   time.Time       `json:"timestamp"`
}

// volumeTracker keeps the recent-trade window feeding the snapshot's volume
// section. Owned by the monitor's event loop.
type volumeTracker struct {
	window    time.Duration
	maxTrades int
	trades    []models.Trade
}

func newVolumeTracker(window time.Duration, maxTrades int) *volumeTracker {
	if maxTrades <= 0 {
		maxTrades = 50
	}
	return &volumeTracker{window: window, maxTrades: maxTrades}
}

func (v *volumeTracker) add(trade models.Trade) {
	v.trades = append(v.trades, trade)
	if len(v.trades) > v.maxTrades {
		v.trades = v.trades[len(v.trades)-v.maxTrades:]
	}
}

func (v *volumeTracker) purge(now time.Time) {
	cutoff := now.Add(-v.window)
	idx := 0
	for idx < len(v.trades) && v.trades[idx].ExecutedAt.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		v.trades = append([]models.Trade(nil), v.trades[idx:]...)
	}
}

func (v *volumeTracker) analysis() VolumeAnalysis {
	out := VolumeAnalysis{
		BuyVolume:   decimal.Zero,
		SellVolume:  decimal.Zero,
		TotalVolume: decimal.Zero,
		VWAP:        decimal.Zero,
		TradeCount:  len(v.trades),
		Timestamp:   time.Now(),
	}
	notional := decimal.Zero
	for _, trade := range v.trades {
		if trade.Side == models.TradeSideSell {
			out.SellVolume = out.SellVolume.Add(trade.Amount)
		} else {
			out.BuyVolume = out.BuyVolume.Add(trade.Amount)
		}
		out.TotalVolume = out.TotalVolume.Add(trade.Amount)
		notional = notional.Add(trade.Price.Mul(trade.Amount))
	}
	if !out.TotalVolume.IsZero() {
		out.VWAP = notional.Div(out.TotalVolume)
	}
	return out
}

// isHealthy reports whether a trade has been seen within the window.
func (v *volumeTracker) isHealthy() bool {
	if len(v.trades) == 0 {
		return false
	}
	last := v.trades[len(v.trades)-1]
	return time.Since(last.ExecutedAt) < v.window
}

func (v *volumeTracker) recent(n int) []models.Trade {
	if n <= 0 || n > len(v.trades) {
		n = len(v.trades)
	}
	return append([]models.Trade(nil), v.trades[len(v.trades)-n:]...)
}
