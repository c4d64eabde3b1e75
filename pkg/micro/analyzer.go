package micro

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketwatch/pkg/models"
)

const (
	// Trend comparison looks at the last trendSampleCount spread samples.
	trendSampleCount = 10
	// An average inter-execution gap at or beyond this many milliseconds
	// scores zero on the speed component.
	maxExecutionIntervalMs = 10000
)

type Config struct {
	SpreadWindowSize    int
	ImpactWindowSize    int
	FrequencyWindow     time.Duration
	ImpactThreshold     float64
	WideSpreadThreshold float64
	ProviderCapacity    int
}

// SpreadRecord is one top-of-book observation.
type SpreadRecord struct {
	Timestamp       time.Time
	Spread          decimal.Decimal
	MidPrice        decimal.Decimal
	TopOfBookVolume decimal.Decimal
}

// TradeImpact is the relative price displacement of one execution versus the
// mid price observed before it.
type TradeImpact struct {
	Timestamp   time.Time
	PriceChange float64
	Volume      decimal.Decimal
	Side        models.TradeSide
}

// ProviderLevel is a price level with persistent resting liquidity.
type ProviderLevel struct {
	Price       string          `json:"price"`
	Occurrences int             `json:"occurrences"`
	Volume      decimal.Decimal `json:"volume"`
}

type providerStat struct {
	occurrences int
	volume      decimal.Decimal
}

// Metrics is the derived microstructure view.
type Metrics struct {
	AverageSpread      float64   `json:"average_spread"`
	SpreadTrend        string    `json:"spread_trend"`
	TradeFrequency     float64   `json:"trade_frequency"`
	AveragePriceImpact float64   `json:"average_price_impact"`
	ExecutionQuality   float64   `json:"execution_quality"`
	SpreadSamples      int       `json:"spread_samples"`
	ImpactSamples      int       `json:"impact_samples"`
	Timestamp          time.Time `json:"timestamp"`
}

// Analyzer maintains rolling windows of spread, trade impact, and execution
// timing, plus a bounded map of persistent liquidity providers. It owns all of
// its windows; callers only ever see derived metrics.
type Analyzer struct {
	cfg     Config
	logger  *logrus.Logger
	onAlert func(models.MarketAlert)

	spreads       *ring[SpreadRecord]
	impacts       *ring[TradeImpact]
	execIntervals *ring[float64]

	lastMid     decimal.Decimal
	hasMid      bool
	lastTradeAt time.Time

	providers     map[string]*providerStat
	analysisCount int64
}

func NewAnalyzer(cfg Config, logger *logrus.Logger, onAlert func(models.MarketAlert)) *Analyzer {
	if cfg.ProviderCapacity <= 0 {
		cfg.ProviderCapacity = 200
	}
	return &Analyzer{
		cfg:           cfg,
		logger:        logger,
		onAlert:       onAlert,
		spreads:       newRing[SpreadRecord](cfg.SpreadWindowSize),
		impacts:       newRing[TradeImpact](cfg.ImpactWindowSize),
		execIntervals: newRing[float64](cfg.ImpactWindowSize),
		providers:     make(map[string]*providerStat),
	}
}

// OnBookUpdate records a spread sample from a two-sided book and remembers the
// mid price as the reference for the next trade's impact.
func (a *Analyzer) OnBookUpdate(book *models.OrderBook) {
	if book == nil {
		return
	}
	bestAsk, askOK := book.BestAsk()
	bestBid, bidOK := book.BestBid()
	if !askOK || !bidOK {
		return
	}

	mid := bestAsk.Price.Add(bestBid.Price).Div(decimal.NewFromInt(2))
	a.spreads.push(SpreadRecord{
		Timestamp:       time.Now(),
		Spread:          bestAsk.Price.Sub(bestBid.Price),
		MidPrice:        mid,
		TopOfBookVolume: bestAsk.Amount.Add(bestBid.Amount),
	})
	a.lastMid = mid
	a.hasMid = true

	a.trackProviders(book)
	a.evaluate()
}

// OnTrade records the trade's price impact against the last observed mid and
// an execution-interval sample for the speed score. Trades seen before any
// book update contribute timing only.
func (a *Analyzer) OnTrade(trade models.Trade) {
	if a.hasMid && !a.lastMid.IsZero() {
		impact := trade.Price.Sub(a.lastMid).Div(a.lastMid).InexactFloat64()
		a.impacts.push(TradeImpact{
			Timestamp:   trade.ExecutedAt,
			PriceChange: math.Abs(impact),
			Volume:      trade.Amount,
			Side:        trade.Side,
		})
	}

	if !a.lastTradeAt.IsZero() {
		interval := trade.ExecutedAt.Sub(a.lastTradeAt)
		if interval < 0 {
			interval = 0
		}
		a.execIntervals.push(float64(interval.Milliseconds()))
	}
	a.lastTradeAt = trade.ExecutedAt

	a.evaluate()
}

// Purge drops window entries older than the frequency window. The monitor
// calls this from its event loop so purging is serialized with updates.
func (a *Analyzer) Purge(now time.Time) {
	cutoff := now.Add(-a.cfg.FrequencyWindow)
	a.spreads.dropWhile(func(r SpreadRecord) bool { return r.Timestamp.Before(cutoff) })
	a.impacts.dropWhile(func(r TradeImpact) bool { return r.Timestamp.Before(cutoff) })
}

// Metrics computes the derived view over the current windows.
func (a *Analyzer) Metrics() Metrics {
	spreadValues := make([]float64, 0, a.spreads.len())
	for _, rec := range a.spreads.items() {
		spreadValues = append(spreadValues, rec.Spread.InexactFloat64())
	}

	impactValues := make([]float64, 0, a.impacts.len())
	for _, imp := range a.impacts.items() {
		impactValues = append(impactValues, imp.PriceChange)
	}

	return Metrics{
		AverageSpread:      mean(spreadValues),
		SpreadTrend:        a.spreadTrend(spreadValues),
		TradeFrequency:     a.tradeFrequency(),
		AveragePriceImpact: mean(impactValues),
		ExecutionQuality:   a.executionQuality(spreadValues),
		SpreadSamples:      a.spreads.len(),
		ImpactSamples:      a.impacts.len(),
		Timestamp:          time.Now(),
	}
}

// spreadTrend compares the first and second half of the last ten spread
// samples. Fewer than ten samples is reported as stable.
func (a *Analyzer) spreadTrend(spreadValues []float64) string {
	if len(spreadValues) < trendSampleCount {
		return "stable"
	}
	recent := spreadValues[len(spreadValues)-trendSampleCount:]
	first := mean(recent[:trendSampleCount/2])
	second := mean(recent[trendSampleCount/2:])
	if first == 0 {
		return "stable"
	}
	switch {
	case second > first*1.05:
		return "increasing"
	case second < first*0.95:
		return "decreasing"
	default:
		return "stable"
	}
}

func (a *Analyzer) tradeFrequency() float64 {
	if a.impacts.len() == 0 {
		return 0
	}
	elapsed := time.Since(a.impacts.at(0).Timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(a.impacts.len()) / elapsed
}

// executionQuality averages two [0,1] sub-scores: spread stability (one minus
// the spread coefficient of variation) and execution speed (one minus the mean
// inter-execution gap normalized to ten seconds).
func (a *Analyzer) executionQuality(spreadValues []float64) float64 {
	spreadScore := 1.0
	if m := mean(spreadValues); m > 0 {
		spreadScore = clampZero(1 - std(spreadValues)/m)
	}

	speedScore := clampZero(1 - mean(a.execIntervals.items())/maxExecutionIntervalMs)

	return (spreadScore + speedScore) / 2
}

// evaluate runs the threshold checks over the current metrics.
func (a *Analyzer) evaluate() {
	metrics := a.Metrics()
	a.analysisCount++

	if a.hasMid && !a.lastMid.IsZero() && a.cfg.WideSpreadThreshold > 0 {
		ratio := metrics.AverageSpread / a.lastMid.InexactFloat64()
		if ratio > a.cfg.WideSpreadThreshold {
			a.alert(models.AlertTypeSpread, models.AlertLevelMedium,
				fmt.Sprintf("average spread at %.4f%% of mid", ratio*100),
				map[string]interface{}{
					"spread_ratio": ratio,
					"threshold":    a.cfg.WideSpreadThreshold,
				})
		}
	}

	if a.cfg.ImpactThreshold > 0 && metrics.AveragePriceImpact > a.cfg.ImpactThreshold {
		a.alert(models.AlertTypeAnomaly, models.AlertLevelHigh,
			fmt.Sprintf("average price impact %.5f above threshold", metrics.AveragePriceImpact),
			map[string]interface{}{
				"average_impact": metrics.AveragePriceImpact,
				"threshold":      a.cfg.ImpactThreshold,
			})
	}

	if metrics.ImpactSamples > 0 && metrics.ExecutionQuality < 0.5 {
		a.alert(models.AlertTypeAnomaly, models.AlertLevelMedium,
			fmt.Sprintf("execution quality degraded to %.2f", metrics.ExecutionQuality),
			map[string]interface{}{
				"execution_quality": metrics.ExecutionQuality,
			})
	}

	if metrics.SpreadTrend == "increasing" {
		a.alert(models.AlertTypeSpread, models.AlertLevelLow,
			"spread trend increasing",
			map[string]interface{}{
				"average_spread": metrics.AverageSpread,
			})
	}
}

// trackProviders counts how often each price level appears in the book and
// accumulates the volume observed there. Over capacity, only the most
// frequently seen half survives.
func (a *Analyzer) trackProviders(book *models.OrderBook) {
	for _, side := range [][]models.OrderBookEntry{book.Bids, book.Asks} {
		for _, entry := range side {
			key := entry.Price.String()
			stat, ok := a.providers[key]
			if !ok {
				stat = &providerStat{volume: decimal.Zero}
				a.providers[key] = stat
			}
			stat.occurrences++
			stat.volume = stat.volume.Add(entry.Amount)
		}
	}

	if len(a.providers) > a.cfg.ProviderCapacity {
		a.trimProviders()
	}
}

func (a *Analyzer) trimProviders() {
	levels := a.TopProviders(0)
	keep := a.cfg.ProviderCapacity / 2
	if keep < 1 {
		keep = 1
	}
	if len(levels) > keep {
		levels = levels[:keep]
	}
	trimmed := make(map[string]*providerStat, len(levels))
	for _, lvl := range levels {
		trimmed[lvl.Price] = &providerStat{occurrences: lvl.Occurrences, volume: lvl.Volume}
	}
	a.providers = trimmed
	a.logger.WithField("kept", len(trimmed)).Debug("Trimmed liquidity provider map")
}

// TopProviders returns tracked levels ordered by occurrence count. n <= 0
// returns all of them.
func (a *Analyzer) TopProviders(n int) []ProviderLevel {
	out := make([]ProviderLevel, 0, len(a.providers))
	for price, stat := range a.providers {
		out = append(out, ProviderLevel{Price: price, Occurrences: stat.occurrences, Volume: stat.volume})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].Price < out[j].Price
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// IsHealthy reports whether the analyzer has seen a spread sample and produced
// at least one analysis.
func (a *Analyzer) IsHealthy() bool {
	return a.spreads.len() > 0 && a.analysisCount > 0
}

func (a *Analyzer) alert(alertType models.AlertType, level models.AlertLevel, message string, data map[string]interface{}) {
	if a.onAlert == nil {
		return
	}
	a.onAlert(models.NewAlert(alertType, level, message, data))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func std(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
