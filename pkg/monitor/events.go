package monitor

import (
	"marketwatch/pkg/models"
)

// event is the closed set of messages the monitor's event loop consumes.
// Transport handlers construct these; only the loop goroutine unpacks them.
type event interface {
	isEvent()
}

type connectedEvent struct{}

type disconnectedEvent struct {
	reason string
}

type errorEvent struct {
	err error
}

type tickerEvent struct {
	ticker models.Ticker
}

type tradeEvent struct {
	trade models.Trade
}

type bookSnapshotEvent struct {
	snap models.DepthSnapshot
}

type bookDiffEvent struct {
	diff models.DepthDiff
}

type alertEvent struct {
	alert models.MarketAlert
}

func (connectedEvent) isEvent()    {}
func (disconnectedEvent) isEvent() {}
func (errorEvent) isEvent()        {}
func (tickerEvent) isEvent()       {}
func (tradeEvent) isEvent()        {}
func (bookSnapshotEvent) isEvent() {}
func (bookDiffEvent) isEvent()     {}
func (alertEvent) isEvent()        {}
