package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketwatch/pkg/models"
)

func testConfig() Config {
	return Config{
		Pair:                        "btc_jpy",
		MaxDepth:                    100,
		LargeOrderThreshold:         decimal.NewFromInt(1000000),
		SpreadAlertThresholdPercent: 0.5,
		ImbalanceAlertThreshold:     0.7,
		StaleAfter:                  30 * time.Second,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func entry(price, amount string) models.OrderBookEntry {
	return models.OrderBookEntry{
		Price:  decimal.RequireFromString(price),
		Amount: decimal.RequireFromString(amount),
	}
}

func newTestEngine(cfg Config) (*Engine, *[]models.MarketAlert) {
	alerts := &[]models.MarketAlert{}
	engine := NewEngine(cfg, testLogger(), func(a models.MarketAlert) {
		*alerts = append(*alerts, a)
	})
	return engine, alerts
}

func referenceSnapshot(seq int64) models.DepthSnapshot {
	return models.DepthSnapshot{
		Asks: []models.OrderBookEntry{
			entry("5000000", "0.1"),
			entry("5001000", "0.2"),
			entry("5002000", "0.15"),
		},
		Bids: []models.OrderBookEntry{
			entry("4999000", "0.15"),
			entry("4998000", "0.25"),
			entry("4997000", "0.1"),
		},
		SequenceID: seq,
		Timestamp:  time.Now(),
	}
}

func TestApplySnapshotAnalysis(t *testing.T) {
	engine, _ := newTestEngine(testConfig())

	if !engine.ApplySnapshot(referenceSnapshot(1)) {
		t.Fatal("first snapshot should be accepted")
	}

	analysis := engine.Analysis()

	if want := decimal.RequireFromString("4999500"); !analysis.MidPrice.Equal(want) {
		t.Errorf("mid price = %s, want %s", analysis.MidPrice, want)
	}
	if want := decimal.RequireFromString("1000"); !analysis.Spread.Equal(want) {
		t.Errorf("spread = %s, want %s", analysis.Spread, want)
	}
	if want := decimal.RequireFromString("0.5"); !analysis.TotalBidVolume.Equal(want) {
		t.Errorf("total bid volume = %s, want %s", analysis.TotalBidVolume, want)
	}
	if want := decimal.RequireFromString("0.45"); !analysis.TotalAskVolume.Equal(want) {
		t.Errorf("total ask volume = %s, want %s", analysis.TotalAskVolume, want)
	}
	if got, want := analysis.Imbalance, 0.0526; got < want-0.0005 || got > want+0.0005 {
		t.Errorf("imbalance = %f, want about %f", got, want)
	}
	if want := decimal.RequireFromString("4997000"); !analysis.SupportLevel.Equal(want) {
		t.Errorf("support level = %s, want %s", analysis.SupportLevel, want)
	}
	if want := decimal.RequireFromString("5002000"); !analysis.ResistanceLevel.Equal(want) {
		t.Errorf("resistance level = %s, want %s", analysis.ResistanceLevel, want)
	}
	// All six levels are within 1% of mid.
	if want := decimal.RequireFromString("0.95"); !analysis.LiquidityDepth.Equal(want) {
		t.Errorf("liquidity depth = %s, want %s", analysis.LiquidityDepth, want)
	}
}

func TestSortInvariants(t *testing.T) {
	engine, _ := newTestEngine(testConfig())

	snap := models.DepthSnapshot{
		Asks: []models.OrderBookEntry{
			entry("5002000", "0.1"),
			entry("5000000", "0.2"),
			entry("5001000", "0.3"),
			entry("5000000", "0.4"), // duplicate price
		},
		Bids: []models.OrderBookEntry{
			entry("4997000", "0.1"),
			entry("4999000", "0.2"),
			entry("4998000", "0.3"),
			entry("4999000", "0.4"), // duplicate price
		},
		SequenceID: 1,
	}
	if !engine.ApplySnapshot(snap) {
		t.Fatal("snapshot should be accepted")
	}

	current := engine.Book()
	if len(current.Asks) != 3 {
		t.Fatalf("asks = %d levels, want 3 after dedup", len(current.Asks))
	}
	if len(current.Bids) != 3 {
		t.Fatalf("bids = %d levels, want 3 after dedup", len(current.Bids))
	}
	for i := 1; i < len(current.Asks); i++ {
		if !current.Asks[i].Price.GreaterThan(current.Asks[i-1].Price) {
			t.Errorf("asks not strictly ascending at %d: %s then %s", i, current.Asks[i-1].Price, current.Asks[i].Price)
		}
	}
	for i := 1; i < len(current.Bids); i++ {
		if !current.Bids[i].Price.LessThan(current.Bids[i-1].Price) {
			t.Errorf("bids not strictly descending at %d: %s then %s", i, current.Bids[i-1].Price, current.Bids[i].Price)
		}
	}
}

func TestDepthTruncation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDepth = 2
	engine, _ := newTestEngine(cfg)

	if !engine.ApplySnapshot(referenceSnapshot(1)) {
		t.Fatal("snapshot should be accepted")
	}

	current := engine.Book()
	if len(current.Asks) != 2 || len(current.Bids) != 2 {
		t.Fatalf("depth = %d/%d, want 2/2", len(current.Asks), len(current.Bids))
	}
	// Levels furthest from the top of book are dropped first.
	if want := decimal.RequireFromString("5001000"); !current.Asks[1].Price.Equal(want) {
		t.Errorf("worst kept ask = %s, want %s", current.Asks[1].Price, want)
	}
	if want := decimal.RequireFromString("4998000"); !current.Bids[1].Price.Equal(want) {
		t.Errorf("worst kept bid = %s, want %s", current.Bids[1].Price, want)
	}
}

func TestSequencingRule(t *testing.T) {
	engine, alerts := newTestEngine(testConfig())

	if !engine.ApplySnapshot(referenceSnapshot(5)) {
		t.Fatal("seq 5 should be accepted with no prior state")
	}

	// Gap from 5 to 8 is applied anyway with a medium alert.
	gapDiff := models.DepthDiff{
		Asks:       []models.OrderBookEntry{entry("5000000", "0.3")},
		SequenceID: 8,
	}
	if !engine.ApplyDiff(gapDiff) {
		t.Fatal("seq 8 after 5 should be accepted despite the gap")
	}
	gapAlerts := alertsOfLevel(*alerts, models.AlertLevelMedium, models.AlertTypeSystem)
	if len(gapAlerts) != 1 {
		t.Fatalf("medium system alerts = %d, want 1 for the gap", len(gapAlerts))
	}
	if gap, ok := gapAlerts[0].Data["gap"].(int64); !ok || gap != 2 {
		t.Errorf("gap size = %v, want 2", gapAlerts[0].Data["gap"])
	}

	// Replay of 3 after 8 is rejected with a low alert and no state change.
	before := engine.Book()
	replay := models.DepthDiff{
		Asks:       []models.OrderBookEntry{entry("5000000", "0")},
		SequenceID: 3,
	}
	if engine.ApplyDiff(replay) {
		t.Fatal("seq 3 after 8 should be rejected")
	}
	lowAlerts := alertsOfLevel(*alerts, models.AlertLevelLow, models.AlertTypeSystem)
	if len(lowAlerts) != 1 {
		t.Fatalf("low system alerts = %d, want 1 for the replay", len(lowAlerts))
	}
	after := engine.Book()
	if after.SequenceID != before.SequenceID {
		t.Errorf("sequence id changed on rejected update: %d -> %d", before.SequenceID, after.SequenceID)
	}
	if len(after.Asks) != len(before.Asks) {
		t.Errorf("asks changed on rejected update: %d -> %d levels", len(before.Asks), len(after.Asks))
	}

	// Duplicate of the current sequence id is also rejected.
	if engine.ApplyDiff(models.DepthDiff{SequenceID: 8}) {
		t.Fatal("replay of current seq should be rejected")
	}
}

func TestDiffSemantics(t *testing.T) {
	engine, _ := newTestEngine(testConfig())

	if !engine.ApplySnapshot(referenceSnapshot(1)) {
		t.Fatal("snapshot should be accepted")
	}

	// Upsert the same ask price twice in a row: no duplicate level.
	diff := models.DepthDiff{
		Asks:       []models.OrderBookEntry{entry("5000000", "0.05")},
		SequenceID: 2,
	}
	if !engine.ApplyDiff(diff) {
		t.Fatal("seq 2 should be accepted")
	}
	diff = models.DepthDiff{
		Asks:       []models.OrderBookEntry{entry("5000000", "0.07")},
		SequenceID: 3,
	}
	if !engine.ApplyDiff(diff) {
		t.Fatal("seq 3 should be accepted")
	}

	current := engine.Book()
	if len(current.Asks) != 3 {
		t.Fatalf("asks = %d levels, want 3 after double upsert", len(current.Asks))
	}
	if want := decimal.RequireFromString("0.07"); !current.Asks[0].Amount.Equal(want) {
		t.Errorf("best ask amount = %s, want %s", current.Asks[0].Amount, want)
	}

	// Zero amount removes the level.
	diff = models.DepthDiff{
		Asks:       []models.OrderBookEntry{entry("5000000", "0")},
		SequenceID: 4,
	}
	if !engine.ApplyDiff(diff) {
		t.Fatal("seq 4 should be accepted")
	}
	current = engine.Book()
	if len(current.Asks) != 2 {
		t.Fatalf("asks = %d levels, want 2 after removal", len(current.Asks))
	}

	// Removing an absent level is a no-op.
	diff = models.DepthDiff{
		Asks:       []models.OrderBookEntry{entry("5999000", "0")},
		SequenceID: 5,
	}
	if !engine.ApplyDiff(diff) {
		t.Fatal("seq 5 should be accepted")
	}
	if got := len(engine.Book().Asks); got != 2 {
		t.Fatalf("asks = %d levels, want 2 after no-op removal", got)
	}
}

func TestEmptyBookAnalysis(t *testing.T) {
	engine, _ := newTestEngine(testConfig())

	snap := models.DepthSnapshot{
		Asks:       []models.OrderBookEntry{entry("5000000", "0.1")},
		SequenceID: 1,
	}
	if !engine.ApplySnapshot(snap) {
		t.Fatal("snapshot should be accepted")
	}

	analysis := engine.Analysis()
	if !analysis.MidPrice.IsZero() || !analysis.Spread.IsZero() {
		t.Errorf("one-sided book should zero the analysis, got mid %s spread %s", analysis.MidPrice, analysis.Spread)
	}
	if analysis.Imbalance != 0 {
		t.Errorf("imbalance = %f, want 0", analysis.Imbalance)
	}
	if engine.IsHealthy() {
		t.Error("one-sided book should be unhealthy")
	}
}

func TestThresholdAlerts(t *testing.T) {
	cfg := testConfig()
	cfg.SpreadAlertThresholdPercent = 0.01
	cfg.ImbalanceAlertThreshold = 0.01
	cfg.LargeOrderThreshold = decimal.NewFromInt(100000)
	engine, alerts := newTestEngine(cfg)

	if !engine.ApplySnapshot(referenceSnapshot(1)) {
		t.Fatal("snapshot should be accepted")
	}

	if got := alertsOfLevel(*alerts, models.AlertLevelMedium, models.AlertTypeSpread); len(got) != 1 {
		t.Errorf("spread alerts = %d, want 1", len(got))
	}
	if got := alertsOfLevel(*alerts, models.AlertLevelMedium, models.AlertTypeAnomaly); len(got) != 1 {
		t.Errorf("imbalance alerts = %d, want 1", len(got))
	} else if got[0].Data["direction"] != "buy-heavy" {
		t.Errorf("imbalance direction = %v, want buy-heavy", got[0].Data["direction"])
	}
	if got := alertsOfLevel(*alerts, models.AlertLevelHigh, models.AlertTypeVolume); len(got) != 1 {
		t.Errorf("large order alerts = %d, want 1", len(got))
	}
}

func TestHealthStaleness(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	engine, _ := newTestEngine(cfg)

	if engine.IsHealthy() {
		t.Error("engine should be unhealthy before any update")
	}

	if !engine.ApplySnapshot(referenceSnapshot(1)) {
		t.Fatal("snapshot should be accepted")
	}
	if !engine.IsHealthy() {
		t.Error("engine should be healthy right after a valid update")
	}

	time.Sleep(80 * time.Millisecond)
	if engine.IsHealthy() {
		t.Error("engine should be unhealthy after the staleness window")
	}
}

func TestBookCopyIsolation(t *testing.T) {
	engine, _ := newTestEngine(testConfig())
	if !engine.ApplySnapshot(referenceSnapshot(1)) {
		t.Fatal("snapshot should be accepted")
	}

	copied := engine.Book()
	copied.Asks[0].Amount = decimal.NewFromInt(999)

	if engine.Book().Asks[0].Amount.Equal(decimal.NewFromInt(999)) {
		t.Error("mutating the returned book must not affect engine state")
	}
}

func alertsOfLevel(alerts []models.MarketAlert, level models.AlertLevel, alertType models.AlertType) []models.MarketAlert {
	var out []models.MarketAlert
	for _, a := range alerts {
		if a.Level == level && a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}
