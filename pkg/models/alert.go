package models

import (
	"time"
)

type AlertType string

const (
	AlertTypeAnomaly  AlertType = "anomaly"
	AlertTypeBreakout AlertType = "breakout"
	AlertTypeVolume   AlertType = "volume"
	AlertTypeSpread   AlertType = "spread"
	AlertTypeSystem   AlertType = "system"
)

type AlertLevel string

const (
	AlertLevelLow      AlertLevel = "low"
	AlertLevelMedium   AlertLevel = "medium"
	AlertLevelHigh     AlertLevel = "high"
	AlertLevelCritical AlertLevel = "critical"
)

// MarketAlert is the uniform alert shape every component raises. Data carries
// alert-specific context (gap size, imbalance direction, offending levels).
type MarketAlert struct {
	Type      AlertType              `json:"type"`
	Level     AlertLevel             `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewAlert stamps an alert with the current time.
func NewAlert(alertType AlertType, level AlertLevel, message string, data map[string]interface{}) MarketAlert {
	return MarketAlert{
		Type:      alertType,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
		Data:      data,
	}
}
