package model

import (
	"fmt"
	"math"
	"time"
)

// Instrument is a tradeable pair listed by the exchange.
type Instrument struct {
	Name     string `json:"name"`
	Tracking bool   `json:"tracking"`
	Delisted bool   `json:"delisted"`
}

// Timeframe is a named candle interval.
type Timeframe struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
}

// Weekly is the interval swings are detected on.
var Weekly = Timeframe{Name: "1w", Interval: 7 * 24 * time.Hour}

// CandleKey identifies a candle. At most one candle exists per key.
type CandleKey struct {
	Instrument string
	Timeframe  string
	OpenTime   int64 // unix ms
}

func (k CandleKey) String() string {
	return fmt.Sprintf("%s/%s@%d", k.Instrument, k.Timeframe, k.OpenTime)
}

// Candle is one OHLC bar for an instrument on a timeframe.
type Candle struct {
	Instrument string    `json:"tradepair"`
	Timeframe  string    `json:"timeframe"`
	OpenTime   time.Time `json:"open_time"`
	CloseTime  time.Time `json:"close_time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
}

// Key returns the natural identity of the candle.
func (c Candle) Key() CandleKey {
	return CandleKey{Instrument: c.Instrument, Timeframe: c.Timeframe, OpenTime: c.OpenTime.UnixMilli()}
}

// Validate checks the structural invariants of a candle.
func (c Candle) Validate() error {
	switch {
	case c.Instrument == "":
		return &ValidationError{Field: "instrument", Reason: "empty"}
	case c.Timeframe == "":
		return &ValidationError{Field: "timeframe", Reason: "empty"}
	case !c.OpenTime.Before(c.CloseTime):
		return &ValidationError{Field: "close_time", Reason: "not after open_time"}
	}
	for _, p := range []struct {
		name string
		v    float64
	}{{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}} {
		if math.IsNaN(p.v) || math.IsInf(p.v, 0) || p.v <= 0 {
			return &ValidationError{Field: p.name, Reason: "must be a positive number"}
		}
	}
	if c.High < math.Max(c.Open, c.Close) {
		return &ValidationError{Field: "high", Reason: "below open or close"}
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return &ValidationError{Field: "low", Reason: "above open or close"}
	}
	return nil
}
