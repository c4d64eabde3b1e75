package bitbank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"marketwatch/pkg/models"
)

var ErrAlreadyConnected = errors.New("bitbank: already connected")

// Handlers enumerates every event the connection manager can emit. All
// handlers are optional and are invoked from the read loop goroutine, so they
// must hand work off quickly.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func(reason string)
	OnError        func(err error)
	OnTicker       func(models.Ticker)
	OnTrade        func(models.Trade)
	OnBookSnapshot func(models.DepthSnapshot)
	OnBookDiff     func(models.DepthDiff)
	OnAlert        func(models.MarketAlert)
}

type Config struct {
	URL                  string
	Pair                 string
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	// Warmup is the minimum connection age before the connection reports
	// healthy.
	Warmup time.Duration
}

// ConnectionStats is the health surface exposed to the monitor.
type ConnectionStats struct {
	Connected         bool  `json:"connected"`
	ConnectionAgeMs   int64 `json:"connection_age_ms"`
	LastMessageAgeMs  int64 `json:"last_message_age_ms"`
	ReconnectAttempts int   `json:"reconnect_attempts"`
}

// ConnectionManager owns the websocket session to the exchange for one pair.
// It subscribes to the four per-pair channels, watches for feed silence, and
// reconnects with a fixed backoff when the transport drops the session.
type ConnectionManager struct {
	cfg      Config
	handlers Handlers
	logger   *logrus.Logger

	// Caps dial frequency so a flapping transport cannot hot-loop ahead of
	// the configured backoff.
	dialLimiter *rate.Limiter

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	closing           bool
	exhausted         bool
	connectedAt       time.Time
	lastMessageAt     time.Time
	reconnectAttempts int
	reconnectTimer    *time.Timer
	watchdogStop      chan struct{}
}

func NewConnectionManager(cfg Config, handlers Handlers, logger *logrus.Logger) *ConnectionManager {
	return &ConnectionManager{
		cfg:         cfg,
		handlers:    handlers,
		logger:      logger,
		dialLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Channels returns the four per-pair room names in subscription order.
func (c *ConnectionManager) Channels() []string {
	return []string{
		"ticker_" + c.cfg.Pair,
		"transactions_" + c.cfg.Pair,
		"depth_whole_" + c.cfg.Pair,
		"depth_diff_" + c.cfg.Pair,
	}
}

// Connect opens the transport and joins the pair's channels. It fails with
// ErrAlreadyConnected when a session is already up. A successful connect
// resets the reconnect attempt counter.
func (c *ConnectionManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.closing = false
	c.mu.Unlock()

	if err := c.dialLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("bitbank: dial limiter: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("bitbank: connect %s: %w", c.cfg.URL, err)
	}

	if err := c.subscribe(conn); err != nil {
		conn.Close()
		return err
	}

	now := time.Now()
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.exhausted = false
	c.connectedAt = now
	c.lastMessageAt = now
	c.reconnectAttempts = 0
	c.watchdogStop = make(chan struct{})
	watchdogStop := c.watchdogStop
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.watchdog(watchdogStop)

	c.logger.WithFields(logrus.Fields{
		"pair": c.cfg.Pair,
		"url":  c.cfg.URL,
	}).Info("Feed connected")

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}
	return nil
}

// Disconnect tears down the session and cancels the reconnect timer. It is
// idempotent and never triggers the reconnect policy.
func (c *ConnectionManager) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if connected && conn != nil {
		// The read loop unwinds through handleDisconnect; closing suppresses
		// the reconnect.
		conn.Close()
	}
}

// IsHealthy reports whether the session is up, warmed up, and recently active.
func (c *ConnectionManager) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return false
	}
	if time.Since(c.connectedAt) < c.cfg.Warmup {
		return false
	}
	return time.Since(c.lastMessageAt) < time.Minute
}

func (c *ConnectionManager) GetConnectionStats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := ConnectionStats{
		Connected:         c.connected,
		ReconnectAttempts: c.reconnectAttempts,
	}
	if c.connected {
		stats.ConnectionAgeMs = time.Since(c.connectedAt).Milliseconds()
	}
	if !c.lastMessageAt.IsZero() {
		stats.LastMessageAgeMs = time.Since(c.lastMessageAt).Milliseconds()
	}
	return stats
}

func (c *ConnectionManager) subscribe(conn *websocket.Conn) error {
	for _, room := range c.Channels() {
		if err := conn.WriteJSON(joinMessage{RoomName: room}); err != nil {
			return fmt.Errorf("bitbank: join %s: %w", room, err)
		}
	}
	return nil
}

func (c *ConnectionManager) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		c.mu.Lock()
		c.lastMessageAt = time.Now()
		c.mu.Unlock()

		c.route(raw)
	}
}

// route demuxes one inbound frame by room name. Decode failures are surfaced
// as errors and the session keeps running.
func (c *ConnectionManager) route(raw []byte) {
	room := gjson.GetBytes(raw, "room_name").String()
	if room == "" {
		return
	}
	payload := []byte(gjson.GetBytes(raw, "message").Raw)

	var err error
	switch {
	case strings.HasPrefix(room, "ticker_"):
		var ticker models.Ticker
		if ticker, err = decodeTicker(payload); err == nil && c.handlers.OnTicker != nil {
			c.handlers.OnTicker(ticker)
		}
	case strings.HasPrefix(room, "transactions_"):
		var trades []models.Trade
		if trades, err = decodeTransactions(payload); err == nil && c.handlers.OnTrade != nil {
			for _, trade := range trades {
				c.handlers.OnTrade(trade)
			}
		}
	case strings.HasPrefix(room, "depth_whole_"):
		var snap models.DepthSnapshot
		if snap, err = decodeDepthWhole(payload); err == nil && c.handlers.OnBookSnapshot != nil {
			c.handlers.OnBookSnapshot(snap)
		}
	case strings.HasPrefix(room, "depth_diff_"):
		var diff models.DepthDiff
		if diff, err = decodeDepthDiff(payload); err == nil && c.handlers.OnBookDiff != nil {
			c.handlers.OnBookDiff(diff)
		}
	default:
		c.logger.WithField("room", room).Debug("Ignoring message for unknown room")
	}

	if err != nil {
		c.logger.WithError(err).WithField("room", room).Error("Failed to decode feed message")
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
	}
}

func (c *ConnectionManager) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if !c.connected || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	closing := c.closing
	if c.watchdogStop != nil {
		close(c.watchdogStop)
		c.watchdogStop = nil
	}
	c.mu.Unlock()

	conn.Close()

	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	c.logger.WithFields(logrus.Fields{
		"pair":   c.cfg.Pair,
		"reason": reason,
	}).Warn("Feed disconnected")

	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(reason)
	}

	if !closing {
		c.scheduleReconnect()
	}
}

func (c *ConnectionManager) scheduleReconnect() {
	c.mu.Lock()
	if c.closing || c.exhausted {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	if attempt > c.cfg.MaxReconnectAttempts {
		c.exhausted = true
		c.mu.Unlock()
		c.logger.WithField("attempts", attempt-1).Error("Reconnect attempts exhausted")
		c.alert(models.AlertLevelCritical, "reconnect attempts exhausted", map[string]interface{}{
			"attempts": attempt - 1,
		})
		return
	}
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   c.cfg.ReconnectDelay,
	}).Info("Scheduling reconnect")
}

func (c *ConnectionManager) reconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.Connect(context.Background()); err != nil {
		if errors.Is(err, ErrAlreadyConnected) {
			return
		}
		c.logger.WithError(err).Warn("Reconnect failed")
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
		c.scheduleReconnect()
	}
}

// watchdog flags feed silence beyond twice the heartbeat interval. It alerts
// without disconnecting; the reconnect policy only reacts to transport errors.
func (c *ConnectionManager) watchdog(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			silence := time.Since(c.lastMessageAt)
			c.mu.Unlock()
			if silence > 2*c.cfg.HeartbeatInterval {
				c.logger.WithField("silence", silence).Warn("No feed message within heartbeat window")
				c.alert(models.AlertLevelMedium, "no feed message within heartbeat window", map[string]interface{}{
					"silence_ms": silence.Milliseconds(),
				})
			}
		}
	}
}

func (c *ConnectionManager) alert(level models.AlertLevel, message string, data map[string]interface{}) {
	if c.handlers.OnAlert == nil {
		return
	}
	c.handlers.OnAlert(models.NewAlert(models.AlertTypeSystem, level, message, data))
}
