package book

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketwatch/pkg/models"
)

type Config struct {
	Pair                        string
	MaxDepth                    int
	LargeOrderThreshold         decimal.Decimal
	SpreadAlertThresholdPercent float64
	ImbalanceAlertThreshold     float64
	StaleAfter                  time.Duration
}

// LargeOrder is a resting level whose notional crosses the configured
// threshold.
type LargeOrder struct {
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Notional decimal.Decimal `json:"notional"`
}

// Analysis is the point-in-time view derived from the book after every
// accepted update. All fields are zero when either side of the book is empty.
type Analysis struct {
	MidPrice        decimal.Decimal `json:"mid_price"`
	Spread          decimal.Decimal `json:"spread"`
	SpreadPercent   float64         `json:"spread_percent"`
	TotalAskVolume  decimal.Decimal `json:"total_ask_volume"`
	TotalBidVolume  decimal.Decimal `json:"total_bid_volume"`
	Imbalance       float64         `json:"imbalance"`
	SupportLevel    decimal.Decimal `json:"support_level"`
	ResistanceLevel decimal.Decimal `json:"resistance_level"`
	LiquidityDepth  decimal.Decimal `json:"liquidity_depth"`
	LargeOrders     []LargeOrder    `json:"large_orders,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Engine owns the canonical order book for one pair. Snapshots and diffs are
// validated against the sequencing rule before any state changes; a rejected
// message leaves the book untouched.
type Engine struct {
	cfg     Config
	logger  *logrus.Logger
	onAlert func(models.MarketAlert)

	book     *models.OrderBook
	analysis Analysis
}

func NewEngine(cfg Config, logger *logrus.Logger, onAlert func(models.MarketAlert)) *Engine {
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		onAlert: onAlert,
	}
}

type seqDecision int

const (
	seqAccept seqDecision = iota
	seqGap
	seqReject
)

// checkSequence applies the sequencing rule shared by snapshots and diffs.
// last == 0 accepts anything; incoming <= last is a replay; a jump past
// last+1 is a gap that is applied anyway.
func (e *Engine) checkSequence(incoming int64) seqDecision {
	last := int64(0)
	if e.book != nil {
		last = e.book.SequenceID
	}
	switch {
	case last == 0:
		return seqAccept
	case incoming <= last:
		return seqReject
	case incoming > last+1:
		return seqGap
	default:
		return seqAccept
	}
}

func (e *Engine) validateSequence(incoming int64) bool {
	switch e.checkSequence(incoming) {
	case seqReject:
		last := e.book.SequenceID
		e.logger.WithFields(logrus.Fields{
			"incoming": incoming,
			"last":     last,
		}).Debug("Rejecting out-of-order book update")
		e.alert(models.AlertLevelLow, "out of order book update", map[string]interface{}{
			"incoming": incoming,
			"last":     last,
		})
		return false
	case seqGap:
		gap := incoming - e.book.SequenceID - 1
		e.logger.WithFields(logrus.Fields{
			"incoming": incoming,
			"gap":      gap,
		}).Warn("Sequence gap in book updates")
		e.alert(models.AlertLevelMedium, fmt.Sprintf("sequence gap of %d book updates", gap), map[string]interface{}{
			"incoming": incoming,
			"gap":      gap,
		})
		return true
	default:
		return true
	}
}

// ApplySnapshot replaces both sides of the book when the snapshot passes the
// sequencing rule. Returns whether the update was accepted.
func (e *Engine) ApplySnapshot(snap models.DepthSnapshot) bool {
	if !e.validateSequence(snap.SequenceID) {
		return false
	}

	asks := normalizeSide(snap.Asks, false, e.cfg.MaxDepth)
	bids := normalizeSide(snap.Bids, true, e.cfg.MaxDepth)

	if e.book == nil {
		e.book = &models.OrderBook{Pair: e.cfg.Pair}
	}
	e.book.Asks = asks
	e.book.Bids = bids
	e.book.SequenceID = snap.SequenceID
	e.book.UpdatedAt = time.Now()

	e.analyze()
	return true
}

// ApplyDiff upserts and removes individual price levels when the diff passes
// the sequencing rule. The diff is applied to copies and committed atomically,
// so a rejected or failed message never leaves a half-applied book.
func (e *Engine) ApplyDiff(diff models.DepthDiff) bool {
	if e.book == nil {
		// No snapshot yet; the first diff seeds an empty book so sequencing
		// has a baseline.
		e.book = &models.OrderBook{Pair: e.cfg.Pair}
	}
	if !e.validateSequence(diff.SequenceID) {
		return false
	}

	asks := applyEntries(e.book.Asks, diff.Asks)
	bids := applyEntries(e.book.Bids, diff.Bids)

	e.book.Asks = normalizeSide(asks, false, e.cfg.MaxDepth)
	e.book.Bids = normalizeSide(bids, true, e.cfg.MaxDepth)
	e.book.SequenceID = diff.SequenceID
	e.book.UpdatedAt = time.Now()

	e.analyze()
	return true
}

// applyEntries merges diff entries into a copy of one side. Zero amount
// removes the level, anything else upserts it.
func applyEntries(side []models.OrderBookEntry, updates []models.OrderBookEntry) []models.OrderBookEntry {
	out := append([]models.OrderBookEntry(nil), side...)
	for _, update := range updates {
		idx := -1
		for i, entry := range out {
			if entry.Price.Equal(update.Price) {
				idx = i
				break
			}
		}
		if update.Amount.IsZero() {
			if idx >= 0 {
				out = append(out[:idx], out[idx+1:]...)
			}
			continue
		}
		if idx >= 0 {
			out[idx] = update
		} else {
			out = append(out, update)
		}
	}
	return out
}

// normalizeSide sorts one side (bids descending, asks ascending), drops
// duplicate prices keeping the first occurrence, and truncates to max depth so
// the levels furthest from the top of book go first.
func normalizeSide(entries []models.OrderBookEntry, descending bool, maxDepth int) []models.OrderBookEntry {
	out := append([]models.OrderBookEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})

	deduped := out[:0]
	for i, entry := range out {
		if i > 0 && entry.Price.Equal(out[i-1].Price) {
			continue
		}
		deduped = append(deduped, entry)
	}
	out = deduped

	if maxDepth > 0 && len(out) > maxDepth {
		out = out[:maxDepth]
	}
	return out
}

// analyze recomputes the derived view and raises threshold alerts. An empty
// side zeroes the whole analysis; that state is what IsHealthy reports as
// unhealthy.
func (e *Engine) analyze() {
	bestAsk, askOK := e.book.BestAsk()
	bestBid, bidOK := e.book.BestBid()
	if !askOK || !bidOK {
		e.analysis = Analysis{Timestamp: time.Now()}
		return
	}

	two := decimal.NewFromInt(2)
	mid := bestAsk.Price.Add(bestBid.Price).Div(two)
	spread := bestAsk.Price.Sub(bestBid.Price)

	spreadPercent := 0.0
	if !mid.IsZero() {
		spreadPercent = spread.Div(mid).InexactFloat64() * 100
	}

	totalAsk := sumAmounts(e.book.Asks)
	totalBid := sumAmounts(e.book.Bids)

	imbalance := 0.0
	if total := totalBid.Add(totalAsk); !total.IsZero() {
		imbalance = totalBid.Sub(totalAsk).Div(total).InexactFloat64()
	}

	analysis := Analysis{
		MidPrice:        mid,
		Spread:          spread,
		SpreadPercent:   spreadPercent,
		TotalAskVolume:  totalAsk,
		TotalBidVolume:  totalBid,
		Imbalance:       imbalance,
		SupportLevel:    cumulativeVolumeLevel(e.book.Bids),
		ResistanceLevel: cumulativeVolumeLevel(e.book.Asks),
		LiquidityDepth:  liquidityDepth(e.book, mid),
		LargeOrders:     e.largeOrders(),
		Timestamp:       time.Now(),
	}
	e.analysis = analysis

	e.checkThresholds(analysis)
}

func (e *Engine) checkThresholds(analysis Analysis) {
	if analysis.SpreadPercent > e.cfg.SpreadAlertThresholdPercent {
		e.alertTyped(models.AlertTypeSpread, models.AlertLevelMedium,
			fmt.Sprintf("spread at %.4f%% of mid", analysis.SpreadPercent),
			map[string]interface{}{
				"spread_percent": analysis.SpreadPercent,
				"threshold":      e.cfg.SpreadAlertThresholdPercent,
			})
	}

	if abs(analysis.Imbalance) > e.cfg.ImbalanceAlertThreshold {
		direction := "buy-heavy"
		if analysis.Imbalance < 0 {
			direction = "sell-heavy"
		}
		e.alertTyped(models.AlertTypeAnomaly, models.AlertLevelMedium,
			fmt.Sprintf("order book %s, imbalance %.4f", direction, analysis.Imbalance),
			map[string]interface{}{
				"imbalance": analysis.Imbalance,
				"direction": direction,
				"threshold": e.cfg.ImbalanceAlertThreshold,
			})
	}

	if len(analysis.LargeOrders) > 0 {
		e.alertTyped(models.AlertTypeVolume, models.AlertLevelHigh,
			fmt.Sprintf("%d resting orders above notional threshold", len(analysis.LargeOrders)),
			map[string]interface{}{
				"count":     len(analysis.LargeOrders),
				"threshold": e.cfg.LargeOrderThreshold.String(),
			})
	}
}

func (e *Engine) largeOrders() []LargeOrder {
	if e.cfg.LargeOrderThreshold.IsZero() {
		return nil
	}
	var out []LargeOrder
	for _, entry := range e.book.Bids {
		if notional := entry.Notional(); notional.GreaterThanOrEqual(e.cfg.LargeOrderThreshold) {
			out = append(out, LargeOrder{Side: "bid", Price: entry.Price, Amount: entry.Amount, Notional: notional})
		}
	}
	for _, entry := range e.book.Asks {
		if notional := entry.Notional(); notional.GreaterThanOrEqual(e.cfg.LargeOrderThreshold) {
			out = append(out, LargeOrder{Side: "ask", Price: entry.Price, Amount: entry.Amount, Notional: notional})
		}
	}
	return out
}

// cumulativeVolumeLevel walks one side from the top of book outward and
// returns the price owning the largest running-total checkpoint.
func cumulativeVolumeLevel(side []models.OrderBookEntry) decimal.Decimal {
	if len(side) == 0 {
		return decimal.Zero
	}
	cumulative := decimal.Zero
	best := decimal.Zero
	level := side[0].Price
	for _, entry := range side {
		cumulative = cumulative.Add(entry.Amount)
		if cumulative.GreaterThan(best) {
			best = cumulative
			level = entry.Price
		}
	}
	return level
}

// liquidityDepth sums resting volume within 1% of the mid price.
func liquidityDepth(book *models.OrderBook, mid decimal.Decimal) decimal.Decimal {
	band := mid.Div(decimal.NewFromInt(100))
	lower := mid.Sub(band)
	upper := mid.Add(band)

	total := decimal.Zero
	for _, entry := range book.Bids {
		if entry.Price.GreaterThanOrEqual(lower) {
			total = total.Add(entry.Amount)
		}
	}
	for _, entry := range book.Asks {
		if entry.Price.LessThanOrEqual(upper) {
			total = total.Add(entry.Amount)
		}
	}
	return total
}

func sumAmounts(entries []models.OrderBookEntry) decimal.Decimal {
	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.Amount)
	}
	return total
}

// Book returns a copy of the current book, or nil before the first update.
func (e *Engine) Book() *models.OrderBook {
	return e.book.Clone()
}

// Analysis returns the view computed after the last accepted update.
func (e *Engine) Analysis() Analysis {
	out := e.analysis
	out.LargeOrders = append([]LargeOrder(nil), e.analysis.LargeOrders...)
	return out
}

// IsHealthy reports whether a two-sided book exists and was updated recently.
func (e *Engine) IsHealthy() bool {
	if e.book == nil {
		return false
	}
	if len(e.book.Asks) == 0 || len(e.book.Bids) == 0 {
		return false
	}
	return time.Since(e.book.UpdatedAt) < e.cfg.StaleAfter
}

func (e *Engine) alert(level models.AlertLevel, message string, data map[string]interface{}) {
	e.alertTyped(models.AlertTypeSystem, level, message, data)
}

func (e *Engine) alertTyped(alertType models.AlertType, level models.AlertLevel, message string, data map[string]interface{}) {
	if e.onAlert == nil {
		return
	}
	e.onAlert(models.NewAlert(alertType, level, message, data))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
