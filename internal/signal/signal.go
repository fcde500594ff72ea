// Package signal standardizes payloads shared between market data ingestion,
// strategy, risk, and simulation layers.
package signal

import (
	"errors"
	"fmt"
	"time"
)

// Candle models one OHLCV bar for a fixed time interval.
type Candle struct {
	Ts     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Direction expresses the actionable side of a trading decision.
type Direction string

const (
	// Buy requests opening long exposure.
	Buy Direction = "BUY"
	// Sell requests closing long exposure.
	Sell Direction = "SELL"
	// Hold requests no action this cycle.
	Hold Direction = "HOLD"
)

// Signal is the fused per-cycle trading decision with its contributor breakdown.
type Signal struct {
	Direction  Direction
	Confidence float64            // [0,1]
	Breakdown  map[string]float64 // contributor name -> weighted contribution
	Ts         time.Time
}

// ErrOutOfOrder is returned when a candle does not strictly advance the series clock.
var ErrOutOfOrder = errors.New("candle timestamp not strictly increasing")

// Series is an append-only candle sequence with strictly increasing timestamps.
type Series struct {
	candles []Candle
}

// NewSeries builds a series pre-sized for the expected history length.
func NewSeries(capacity int) *Series {
	if capacity < 0 {
		capacity = 0
	}
	return &Series{candles: make([]Candle, 0, capacity)}
}

// Append adds a candle, rejecting out-of-order timestamps.
func (s *Series) Append(c Candle) error {
	if n := len(s.candles); n > 0 && !c.Ts.After(s.candles[n-1].Ts) {
		return fmt.Errorf("%w: %s after %s", ErrOutOfOrder, c.Ts, s.candles[n-1].Ts)
	}
	s.candles = append(s.candles, c)
	return nil
}

// Len reports the number of candles appended so far.
func (s *Series) Len() int { return len(s.candles) }

// Candles exposes the underlying slice; callers must treat it as read-only.
func (s *Series) Candles() []Candle { return s.candles }

// Last returns the most recent candle, or false when the series is empty.
func (s *Series) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Trim drops the oldest candles so at most keep remain, preserving order.
func (s *Series) Trim(keep int) {
	if keep < 0 || len(s.candles) <= keep {
		return
	}
	s.candles = append(s.candles[:0:0], s.candles[len(s.candles)-keep:]...)
}

// ParseTimeframe converts exchange-style timeframe labels ("1m", "4h", "1d") to a duration.
func ParseTimeframe(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	unit := tf[len(tf)-1]
	var n int
	if _, err := fmt.Sscanf(tf[:len(tf)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe unit %q", tf)
	}
}

// PeriodsPerYear returns how many bars of the given duration fit in a year,
// used to annualize per-bar return statistics.
func PeriodsPerYear(period time.Duration) float64 {
	if period <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(period)
}
