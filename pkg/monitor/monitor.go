package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketwatch/pkg/bitbank"
	"marketwatch/pkg/book"
	"marketwatch/pkg/micro"
	"marketwatch/pkg/models"
)

var ErrAlreadyRunning = errors.New("monitor: already running")

// Publisher delivers snapshots and alerts downstream. Satisfied by the kafka
// producer; nil publishers disable publication.
type Publisher interface {
	Publish(ctx context.Context, pair string, v interface{}) error
}

type Config struct {
	Pair                     string
	Feed                     bitbank.Config
	Book                     book.Config
	Micro                    micro.Config
	AlertLogSize             int
	AlertEscalationThreshold int
	HealthCheckInterval      time.Duration
	RecentTradeCount         int
}

// HealthStatus is the per-component health rollup. Overall is the logical AND
// of the sub-statuses.
type HealthStatus struct {
	Websocket      bool `json:"websocket"`
	OrderBook      bool `json:"order_book"`
	Volume         bool `json:"volume"`
	Microstructure bool `json:"microstructure"`
	Overall        bool `json:"overall"`
}

// Stats is the operational counters surface. AlertBreakdown is keyed by
// "type|level".
type Stats struct {
	UptimeMs       int64                   `json:"uptime_ms"`
	AlertCount     int64                   `json:"alert_count"`
	UpdateCount    int64                   `json:"update_count"`
	AlertBreakdown map[string]int          `json:"alert_breakdown,omitempty"`
	Connection     bitbank.ConnectionStats `json:"connection"`
}

// MarketSnapshot is the consolidated read-only view published to external
// consumers. Every field is a copy; mutating it never touches engine state.
type MarketSnapshot struct {
	Pair              string               `json:"pair"`
	OrderBook         *models.OrderBook    `json:"order_book,omitempty"`
	RecentTrades      []models.Trade       `json:"recent_trades,omitempty"`
	Ticker            *models.Ticker       `json:"ticker,omitempty"`
	OrderBookAnalysis *book.Analysis       `json:"order_book_analysis,omitempty"`
	VolumeAnalysis    *VolumeAnalysis      `json:"volume_analysis,omitempty"`
	Microstructure    *micro.Metrics       `json:"microstructure_analysis,omitempty"`
	Alerts            []models.MarketAlert `json:"alerts,omitempty"`
	LastUpdated       time.Time            `json:"last_updated"`
}

// Monitor wires the connection manager into the book engine and the
// microstructure analyzer, aggregates their alerts, and publishes the
// consolidated snapshot. One goroutine owns all mutable state; transport
// handlers only enqueue typed events.
type Monitor struct {
	cfg    Config
	logger *logrus.Logger

	conn     *bitbank.ConnectionManager
	engine   *book.Engine
	analyzer *micro.Analyzer
	volume   *volumeTracker

	snapshotPub Publisher
	alertPub    Publisher

	events  chan event
	updates chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	// escalationFn fires when one alert level accumulates past the configured
	// threshold.
	escalationFn func(level models.AlertLevel, count int)

	mu          sync.RWMutex
	running     bool
	startedAt   time.Time
	updateCount int64
	alertTotal  int64
	snapshot    MarketSnapshot
	alerts      []models.MarketAlert
	alertTally  map[string]int
	levelTally  map[models.AlertLevel]int
	health      HealthStatus
}

func New(cfg Config, logger *logrus.Logger) *Monitor {
	if cfg.AlertLogSize <= 0 {
		cfg.AlertLogSize = 500
	}
	if cfg.AlertEscalationThreshold <= 0 {
		cfg.AlertEscalationThreshold = 15
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}

	m := &Monitor{
		cfg:        cfg,
		logger:     logger,
		events:     make(chan event, 256),
		updates:    make(chan struct{}, 1),
		alertTally: make(map[string]int),
		levelTally: make(map[models.AlertLevel]int),
		snapshot:   MarketSnapshot{Pair: cfg.Pair},
	}

	m.engine = book.NewEngine(cfg.Book, logger, m.recordAlert)
	m.analyzer = micro.NewAnalyzer(cfg.Micro, logger, m.recordAlert)
	m.volume = newVolumeTracker(cfg.Micro.FrequencyWindow, cfg.RecentTradeCount)
	m.conn = bitbank.NewConnectionManager(cfg.Feed, bitbank.Handlers{
		OnConnected:    func() { m.enqueue(connectedEvent{}) },
		OnDisconnected: func(reason string) { m.enqueue(disconnectedEvent{reason: reason}) },
		OnError:        func(err error) { m.enqueue(errorEvent{err: err}) },
		OnTicker:       func(t models.Ticker) { m.enqueue(tickerEvent{ticker: t}) },
		OnTrade:        func(t models.Trade) { m.enqueue(tradeEvent{trade: t}) },
		OnBookSnapshot: func(s models.DepthSnapshot) { m.enqueue(bookSnapshotEvent{snap: s}) },
		OnBookDiff:     func(d models.DepthDiff) { m.enqueue(bookDiffEvent{diff: d}) },
		OnAlert:        func(a models.MarketAlert) { m.enqueue(alertEvent{alert: a}) },
	}, logger)

	return m
}

// SetPublishers installs the downstream snapshot and alert publishers. Must be
// called before Start.
func (m *Monitor) SetPublishers(snapshots, alerts Publisher) {
	m.snapshotPub = snapshots
	m.alertPub = alerts
}

// SetEscalationFunc installs the alertThresholdExceeded callback. Must be
// called before Start.
func (m *Monitor) SetEscalationFunc(fn func(level models.AlertLevel, count int)) {
	m.escalationFn = fn
}

// Start launches the event loop and connects the feed. A connect failure is
// fatal: the loop is torn down and the error returned.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.startedAt = time.Now()
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.run(stopCh, doneCh)

	if err := m.conn.Connect(ctx); err != nil {
		close(stopCh)
		<-doneCh
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("monitor: start: %w", err)
	}

	m.logger.WithField("pair", m.cfg.Pair).Info("Market monitor started")
	return nil
}

// Stop disconnects the feed and cancels the timers. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	m.conn.Disconnect()
	close(stopCh)
	<-doneCh
	m.logger.WithField("pair", m.cfg.Pair).Info("Market monitor stopped")
}

// Events returns a notification channel that receives after each applied
// update. Notifications coalesce; consumers re-read the snapshot.
func (m *Monitor) Events() <-chan struct{} {
	return m.updates
}

func (m *Monitor) enqueue(ev event) {
	m.mu.RLock()
	stopCh := m.stopCh
	m.mu.RUnlock()
	if stopCh == nil {
		return
	}
	select {
	case m.events <- ev:
	case <-stopCh:
	}
}

func (m *Monitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	healthTicker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer healthTicker.Stop()

	purgeInterval := m.cfg.Micro.FrequencyWindow / 2
	if purgeInterval <= 0 {
		purgeInterval = 30 * time.Second
	}
	purgeTicker := time.NewTicker(purgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-healthTicker.C:
			m.checkHealth()
		case now := <-purgeTicker.C:
			m.analyzer.Purge(now)
			m.volume.purge(now)
		}
	}
}

func (m *Monitor) handleEvent(ev event) {
	switch ev := ev.(type) {
	case connectedEvent:
		m.logger.WithField("pair", m.cfg.Pair).Info("Feed session established")

	case disconnectedEvent:
		m.logger.WithFields(logrus.Fields{
			"pair":   m.cfg.Pair,
			"reason": ev.reason,
		}).Warn("Feed session lost")

	case errorEvent:
		// Feed-originated faults never crash the monitor; they surface as
		// system alerts and processing continues.
		m.recordAlert(models.NewAlert(models.AlertTypeSystem, models.AlertLevelLow, ev.err.Error(), nil))

	case tickerEvent:
		m.applyUpdate(func(snap *MarketSnapshot) {
			ticker := ev.ticker
			snap.Ticker = &ticker
		})

	case tradeEvent:
		m.volume.add(ev.trade)
		m.analyzer.OnTrade(ev.trade)
		volume := m.volume.analysis()
		metrics := m.analyzer.Metrics()
		trades := m.volume.recent(m.cfg.RecentTradeCount)
		m.applyUpdate(func(snap *MarketSnapshot) {
			snap.RecentTrades = trades
			snap.VolumeAnalysis = &volume
			snap.Microstructure = &metrics
		})

	case bookSnapshotEvent:
		if !m.engine.ApplySnapshot(ev.snap) {
			return
		}
		m.afterBookUpdate()

	case bookDiffEvent:
		if !m.engine.ApplyDiff(ev.diff) {
			return
		}
		m.afterBookUpdate()

	case alertEvent:
		m.recordAlert(ev.alert)
	}
}

func (m *Monitor) afterBookUpdate() {
	current := m.engine.Book()
	m.analyzer.OnBookUpdate(current)
	analysis := m.engine.Analysis()
	metrics := m.analyzer.Metrics()
	m.applyUpdate(func(snap *MarketSnapshot) {
		snap.OrderBook = current
		snap.OrderBookAnalysis = &analysis
		snap.Microstructure = &metrics
	})
}

// applyUpdate mutates the published snapshot under the read lock's writer
// side, refreshes health, and notifies consumers.
func (m *Monitor) applyUpdate(mutate func(*MarketSnapshot)) {
	health := m.currentHealth()

	m.mu.Lock()
	mutate(&m.snapshot)
	m.snapshot.LastUpdated = time.Now()
	m.updateCount++
	m.health = health
	snapshot := m.copySnapshotLocked()
	m.mu.Unlock()

	if m.snapshotPub != nil {
		if err := m.snapshotPub.Publish(context.Background(), m.cfg.Pair, snapshot); err != nil {
			m.logger.WithError(err).Warn("Failed to publish snapshot")
		}
	}

	select {
	case m.updates <- struct{}{}:
	default:
	}
}

// recordAlert appends to the bounded alert log, tallies per type and level,
// re-emits downstream, and fires the escalation callback each time a level's
// count crosses a multiple of the threshold.
func (m *Monitor) recordAlert(alert models.MarketAlert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.cfg.AlertLogSize {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.AlertLogSize:]
	}
	m.alertTotal++
	m.alertTally[string(alert.Type)+"|"+string(alert.Level)]++
	m.levelTally[alert.Level]++
	levelCount := m.levelTally[alert.Level]
	m.mu.Unlock()

	entry := m.logger.WithFields(logrus.Fields{
		"pair":       m.cfg.Pair,
		"alert_type": alert.Type,
		"level":      alert.Level,
	})
	switch alert.Level {
	case models.AlertLevelCritical, models.AlertLevelHigh:
		entry.Error(alert.Message)
	case models.AlertLevelMedium:
		entry.Warn(alert.Message)
	default:
		entry.Info(alert.Message)
	}

	if m.alertPub != nil {
		if err := m.alertPub.Publish(context.Background(), m.cfg.Pair, alert); err != nil {
			m.logger.WithError(err).Warn("Failed to publish alert")
		}
	}

	if levelCount%m.cfg.AlertEscalationThreshold == 0 {
		m.logger.WithFields(logrus.Fields{
			"level": alert.Level,
			"count": levelCount,
		}).Error("Alert threshold exceeded")
		if m.escalationFn != nil {
			m.escalationFn(alert.Level, levelCount)
		}
	}
}

func (m *Monitor) currentHealth() HealthStatus {
	health := HealthStatus{
		Websocket:      m.conn.IsHealthy(),
		OrderBook:      m.engine.IsHealthy(),
		Volume:         m.volume.isHealthy(),
		Microstructure: m.analyzer.IsHealthy(),
	}
	health.Overall = health.Websocket && health.OrderBook && health.Volume && health.Microstructure
	return health
}

func (m *Monitor) checkHealth() {
	health := m.currentHealth()
	m.mu.Lock()
	m.health = health
	m.mu.Unlock()

	if !health.Overall {
		m.logger.WithFields(logrus.Fields{
			"websocket":      health.Websocket,
			"order_book":     health.OrderBook,
			"volume":         health.Volume,
			"microstructure": health.Microstructure,
		}).Warn("Component health degraded")
	}
}

// GetHealthStatus returns the rollup computed on the last update or health
// tick.
func (m *Monitor) GetHealthStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// GetRealtimeData returns a copy of the consolidated snapshot.
func (m *Monitor) GetRealtimeData() MarketSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copySnapshotLocked()
}

func (m *Monitor) copySnapshotLocked() MarketSnapshot {
	out := m.snapshot
	out.OrderBook = m.snapshot.OrderBook.Clone()
	out.RecentTrades = append([]models.Trade(nil), m.snapshot.RecentTrades...)
	if m.snapshot.Ticker != nil {
		ticker := *m.snapshot.Ticker
		out.Ticker = &ticker
	}
	if m.snapshot.OrderBookAnalysis != nil {
		analysis := *m.snapshot.OrderBookAnalysis
		analysis.LargeOrders = append([]book.LargeOrder(nil), m.snapshot.OrderBookAnalysis.LargeOrders...)
		out.OrderBookAnalysis = &analysis
	}
	if m.snapshot.VolumeAnalysis != nil {
		volume := *m.snapshot.VolumeAnalysis
		out.VolumeAnalysis = &volume
	}
	if m.snapshot.Microstructure != nil {
		metrics := *m.snapshot.Microstructure
		out.Microstructure = &metrics
	}
	n := len(m.alerts)
	if n > 10 {
		n = 10
	}
	out.Alerts = append([]models.MarketAlert(nil), m.alerts[len(m.alerts)-n:]...)
	return out
}

// GetAlerts returns the alert log, optionally filtered by level. An empty
// level returns everything.
func (m *Monitor) GetAlerts(level models.AlertLevel) []models.MarketAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if level == "" {
		return append([]models.MarketAlert(nil), m.alerts...)
	}
	out := make([]models.MarketAlert, 0)
	for _, alert := range m.alerts {
		if alert.Level == level {
			out = append(out, alert)
		}
	}
	return out
}

// ClearAlerts empties the alert log. Lifetime tallies are kept.
func (m *Monitor) ClearAlerts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}

func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	uptime := int64(0)
	if !m.startedAt.IsZero() {
		uptime = time.Since(m.startedAt).Milliseconds()
	}
	breakdown := make(map[string]int, len(m.alertTally))
	for key, count := range m.alertTally {
		breakdown[key] = count
	}
	stats := Stats{
		UptimeMs:       uptime,
		AlertCount:     m.alertTotal,
		UpdateCount:    m.updateCount,
		AlertBreakdown: breakdown,
	}
	m.mu.RUnlock()
	stats.Connection = m.conn.GetConnectionStats()
	return stats
}
