package model

import "time"

// Orientation marks a swing as a local high or a local low.
type Orientation string

const (
	High Orientation = "high"
	Low  Orientation = "low"
)

// Valid reports whether o is a known orientation.
func (o Orientation) Valid() bool {
	return o == High || o == Low
}

// SwingWindow is the number of candles that make up a swing.
const SwingWindow = 5

// SwingCandidate is a pattern found by the detector, not yet persisted.
type SwingCandidate struct {
	Orientation Orientation
	Center      int
	Members     [SwingWindow]Candle
}

// Swing is a persisted swing point linked to exactly five candles.
type Swing struct {
	ID          int64               `json:"id"`
	Instrument  string              `json:"tradepair"`
	Timeframe   string              `json:"timeframe"`
	Orientation Orientation         `json:"type"`
	Members     [SwingWindow]Candle `json:"candles"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Center returns the middle candle of the swing.
func (s Swing) Center() Candle {
	return s.Members[SwingWindow/2]
}
