package bitbank

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"marketwatch/pkg/models"
)

// feedServer is a minimal stand-in for the exchange feed. Each accepted
// connection reads the four join messages, then hands the server side of the
// socket to the test so it can push frames or drop the session.
type feedServer struct {
	srv   *httptest.Server
	joins chan string
	conns chan *websocket.Conn

	mu  sync.Mutex
	all []*websocket.Conn
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{
		joins: make(chan string, 16),
		conns: make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.all = append(fs.all, conn)
		fs.mu.Unlock()

		for i := 0; i < 4; i++ {
			var join joinMessage
			if err := conn.ReadJSON(&join); err != nil {
				return
			}
			fs.joins <- join.RoomName
		}
		fs.conns <- conn
	}))
	t.Cleanup(func() {
		fs.mu.Lock()
		for _, conn := range fs.all {
			conn.Close()
		}
		fs.mu.Unlock()
		fs.srv.Close()
	})
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func wsTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestConnectSubscribesAndRoutes(t *testing.T) {
	fs := newFeedServer(t)

	tickers := make(chan models.Ticker, 4)
	trades := make(chan models.Trade, 4)
	snaps := make(chan models.DepthSnapshot, 4)
	diffs := make(chan models.DepthDiff, 4)
	errs := make(chan error, 4)
	disconnected := make(chan string, 4)

	cm := NewConnectionManager(Config{
		URL:                  fs.url(),
		Pair:                 "btc_jpy",
		HeartbeatInterval:    time.Second,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 1,
	}, Handlers{
		OnTicker:       func(tk models.Ticker) { tickers <- tk },
		OnTrade:        func(tr models.Trade) { trades <- tr },
		OnBookSnapshot: func(s models.DepthSnapshot) { snaps <- s },
		OnBookDiff:     func(d models.DepthDiff) { diffs <- d },
		OnError:        func(err error) { errs <- err },
		OnDisconnected: func(reason string) { disconnected <- reason },
	}, wsTestLogger())
	t.Cleanup(cm.Disconnect)

	if err := cm.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := cm.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}

	for _, want := range cm.Channels() {
		if got := waitFor(t, fs.joins, "join message"); got != want {
			t.Errorf("join = %q, want %q", got, want)
		}
	}
	conn := waitFor(t, fs.conns, "server connection")

	if !cm.IsHealthy() {
		t.Error("connection should be healthy right after subscribing")
	}

	frames := []string{
		`{"room_name":"ticker_btc_jpy","message":{"pair":"btc_jpy","sell":"5000500","buy":"4999500","high":"1","low":"1","last":"5000000","vol":"1","timestamp":1700000000000}}`,
		`{"room_name":"transactions_btc_jpy","message":{"transactions":[{"transactionId":7,"side":"sell","price":"4999500","amount":"0.3","executedAt":1700000000000}]}}`,
		`{"room_name":"depth_whole_btc_jpy","message":{"asks":[{"price":"5000000","amount":"0.1"}],"bids":[{"price":"4999000","amount":"0.2"}],"sequenceId":5,"timestamp":1700000000000}}`,
		`{"room_name":"depth_diff_btc_jpy","message":{"asks":[],"bids":[{"price":"4999000","amount":"0"}],"sequenceId":6,"timestamp":1700000000000}}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	if tk := waitFor(t, tickers, "ticker"); tk.Pair != "btc_jpy" {
		t.Errorf("ticker pair = %q", tk.Pair)
	}
	if tr := waitFor(t, trades, "trade"); tr.TransactionID != 7 || tr.Side != models.TradeSideSell {
		t.Errorf("trade = %+v", tr)
	}
	if s := waitFor(t, snaps, "depth snapshot"); s.SequenceID != 5 {
		t.Errorf("snapshot sequence = %d", s.SequenceID)
	}
	if d := waitFor(t, diffs, "depth diff"); d.SequenceID != 6 {
		t.Errorf("diff sequence = %d", d.SequenceID)
	}

	// A malformed payload surfaces as an error without killing the session.
	bad := `{"room_name":"ticker_btc_jpy","message":{"pair":"btc_jpy","sell":"not a number","buy":"1","high":"1","low":"1","last":"1","vol":"1","timestamp":0}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(bad)); err != nil {
		t.Fatalf("write bad frame: %v", err)
	}
	waitFor(t, errs, "decode error")

	if !cm.GetConnectionStats().Connected {
		t.Error("session should survive a decode failure")
	}

	cm.Disconnect()
	waitFor(t, disconnected, "disconnect callback")

	if cm.GetConnectionStats().Connected {
		t.Error("stats should report disconnected")
	}
	// Idempotent.
	cm.Disconnect()
}

func TestReconnectExhaustionAlertsOnce(t *testing.T) {
	fs := newFeedServer(t)

	alerts := make(chan models.MarketAlert, 4)
	disconnected := make(chan string, 4)

	cm := NewConnectionManager(Config{
		URL:                  fs.url(),
		Pair:                 "btc_jpy",
		HeartbeatInterval:    time.Second,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 0,
	}, Handlers{
		OnAlert:        func(a models.MarketAlert) { alerts <- a },
		OnDisconnected: func(reason string) { disconnected <- reason },
	}, wsTestLogger())
	t.Cleanup(cm.Disconnect)

	if err := cm.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := waitFor(t, fs.conns, "server connection")

	// Server-side drop triggers the reconnect policy, which is exhausted
	// immediately with zero allowed attempts.
	conn.Close()
	waitFor(t, disconnected, "disconnect callback")

	alert := waitFor(t, alerts, "exhaustion alert")
	if alert.Type != models.AlertTypeSystem || alert.Level != models.AlertLevelCritical {
		t.Errorf("alert = %s/%s, want system/critical", alert.Type, alert.Level)
	}

	// Further scheduling after exhaustion must stay silent.
	cm.scheduleReconnect()
	select {
	case a := <-alerts:
		t.Errorf("unexpected second alert: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectReestablishesSession(t *testing.T) {
	fs := newFeedServer(t)

	connected := make(chan struct{}, 4)

	cm := NewConnectionManager(Config{
		URL:                  fs.url(),
		Pair:                 "btc_jpy",
		HeartbeatInterval:    time.Second,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}, Handlers{
		OnConnected: func() { connected <- struct{}{} },
	}, wsTestLogger())
	t.Cleanup(cm.Disconnect)

	if err := cm.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, connected, "first connect")
	first := waitFor(t, fs.conns, "first server connection")

	first.Close()

	// The dial limiter paces redials to one per second, so this takes a beat.
	waitFor(t, connected, "reconnect")
	waitFor(t, fs.conns, "second server connection")

	stats := cm.GetConnectionStats()
	if !stats.Connected {
		t.Error("stats should report connected after reconnect")
	}
	if stats.ReconnectAttempts != 0 {
		t.Errorf("attempts = %d, want 0 after successful reconnect", stats.ReconnectAttempts)
	}
}

func TestHeartbeatSilenceAlert(t *testing.T) {
	fs := newFeedServer(t)

	alerts := make(chan models.MarketAlert, 16)

	cm := NewConnectionManager(Config{
		URL:                  fs.url(),
		Pair:                 "btc_jpy",
		HeartbeatInterval:    20 * time.Millisecond,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 1,
	}, Handlers{
		OnAlert: func(a models.MarketAlert) { alerts <- a },
	}, wsTestLogger())
	t.Cleanup(cm.Disconnect)

	if err := cm.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, fs.conns, "server connection")

	alert := waitFor(t, alerts, "heartbeat silence alert")
	if alert.Level != models.AlertLevelMedium {
		t.Errorf("alert level = %s, want medium", alert.Level)
	}

	// The watchdog flags silence without tearing the session down.
	if !cm.GetConnectionStats().Connected {
		t.Error("watchdog must not disconnect the session")
	}
}
