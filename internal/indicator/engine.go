// Package indicator computes technical indicators over an ordered candle
// sequence without ever reading past the requested index.
package indicator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"quantbot-go/internal/signal"
)

// ErrInsufficientHistory marks a snapshot taken before every configured
// indicator has completed its warm-up window.
var ErrInsufficientHistory = errors.New("insufficient history for indicators")

// Trend labels the relationship between price and the two SMA windows.
type Trend string

const (
	TrendUp       Trend = "UPTREND"
	TrendDown     Trend = "DOWNTREND"
	TrendSideways Trend = "SIDEWAYS"
)

// Regime labels recent volatility relative to the configured threshold.
type Regime string

const (
	RegimeHighVolatility Regime = "HIGH_VOLATILITY"
	RegimeLowVolatility  Regime = "LOW_VOLATILITY"
)

// Config holds indicator windows. Zero MACD fields default to 12/26/9,
// zero volatility fields to a 20-bar window with a 3% regime threshold.
type Config struct {
	SMAShort   int
	SMALong    int
	RSIPeriod  int
	BollWindow int
	BollK      float64

	MACDFast   int
	MACDSlow   int
	MACDSignal int

	VolWindow       int
	RegimeThreshold float64
}

// Snapshot carries every indicator value defined at one candle index.
// Has* flags report which values cleared their warm-up window.
type Snapshot struct {
	Index int
	Ts    time.Time
	Close float64

	SMAShort     float64
	SMALong      float64
	PrevSMAShort float64
	PrevSMALong  float64

	RSI float64

	MACD       float64
	MACDSignal float64
	MACDHist   float64

	BollUpper  float64
	BollMiddle float64
	BollLower  float64

	Volatility float64
	Trend      Trend
	Regime     Regime

	HasSMAShort bool
	HasSMALong  bool
	HasPrevSMA  bool // both previous SMAs, for cross detection
	HasRSI      bool
	HasMACD     bool
	HasBoll     bool
	HasVol      bool
}

// Engine validates a Config and produces cursors and point-in-time snapshots.
type Engine struct {
	cfg Config
}

// NewEngine checks window invariants once so computation can assume them.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MACDFast == 0 && cfg.MACDSlow == 0 && cfg.MACDSignal == 0 {
		cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal = 12, 26, 9
	}
	if cfg.VolWindow == 0 {
		cfg.VolWindow = 20
	}
	if cfg.RegimeThreshold == 0 {
		cfg.RegimeThreshold = 0.03
	}
	switch {
	case cfg.SMAShort < 1:
		return nil, fmt.Errorf("sma_short must be >= 1, got %d", cfg.SMAShort)
	case cfg.SMAShort >= cfg.SMALong:
		return nil, fmt.Errorf("sma_short (%d) must be < sma_long (%d)", cfg.SMAShort, cfg.SMALong)
	case cfg.RSIPeriod < 2:
		return nil, fmt.Errorf("rsi_period must be >= 2, got %d", cfg.RSIPeriod)
	case cfg.BollWindow < 2:
		return nil, fmt.Errorf("bollinger window must be >= 2, got %d", cfg.BollWindow)
	case cfg.BollK <= 0:
		return nil, fmt.Errorf("bollinger k must be positive, got %.2f", cfg.BollK)
	case cfg.MACDFast < 1 || cfg.MACDFast >= cfg.MACDSlow || cfg.MACDSignal < 1:
		return nil, fmt.Errorf("invalid macd windows %d/%d/%d", cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	case cfg.VolWindow < 2:
		return nil, fmt.Errorf("volatility window must be >= 2, got %d", cfg.VolWindow)
	}
	return &Engine{cfg: cfg}, nil
}

// MinHistory is the candle count needed before a snapshot is fully defined.
func (e *Engine) MinHistory() int {
	min := e.cfg.SMALong + 1 // previous SMA long too, for cross detection
	if n := e.cfg.RSIPeriod + 1; n > min {
		min = n
	}
	if n := e.cfg.BollWindow; n > min {
		min = n
	}
	if n := e.cfg.MACDSlow + e.cfg.MACDSignal - 1; n > min {
		min = n
	}
	if n := e.cfg.VolWindow + 1; n > min {
		min = n
	}
	return min
}

// Compute returns the snapshot at index i using only candles [0..i].
// A snapshot with partially defined values is returned alongside
// ErrInsufficientHistory while any warm-up window is still open.
func (e *Engine) Compute(candles []signal.Candle, i int) (Snapshot, error) {
	if i < 0 || i >= len(candles) {
		return Snapshot{}, fmt.Errorf("index %d out of range [0,%d)", i, len(candles))
	}
	cur := e.Cursor()
	var (
		snap Snapshot
		err  error
	)
	for j := 0; j <= i; j++ {
		snap, err = cur.Push(candles[j])
	}
	return snap, err
}

// Cursor returns a stateful accumulator that replays the same arithmetic as
// Compute incrementally; pushing candles in order is bit-for-bit equivalent.
func (e *Engine) Cursor() *Cursor {
	return &Cursor{cfg: e.cfg, minHistory: e.MinHistory()}
}

// Cursor computes indicator snapshots one candle at a time.
type Cursor struct {
	cfg        Config
	minHistory int

	count  int
	closes []float64

	prevClose    float64
	avgGain      float64
	avgLoss      float64
	prevSMAShort float64
	prevSMALong  float64
	hasPrevSMA   bool

	emaFast    ema
	emaSlow    ema
	emaSignal  ema
	macdSeries int // count of defined MACD values so far
}

// ema is an exponentially weighted average seeded with the SMA of its first
// window values to avoid transient bias.
type ema struct {
	window int
	seed   []float64
	value  float64
	ready  bool
}

func (m *ema) push(v float64) {
	if m.ready {
		alpha := 2.0 / (float64(m.window) + 1.0)
		m.value = alpha*v + (1-alpha)*m.value
		return
	}
	m.seed = append(m.seed, v)
	if len(m.seed) == m.window {
		sum := 0.0
		for _, s := range m.seed {
			sum += s
		}
		m.value = sum / float64(m.window)
		m.seed = nil
		m.ready = true
	}
}

// Push consumes the next candle and returns the snapshot at its index.
func (c *Cursor) Push(candle signal.Candle) (Snapshot, error) {
	if c.emaFast.window == 0 {
		c.emaFast = ema{window: c.cfg.MACDFast}
		c.emaSlow = ema{window: c.cfg.MACDSlow}
		c.emaSignal = ema{window: c.cfg.MACDSignal}
	}

	close := candle.Close
	snap := Snapshot{Index: c.count, Ts: candle.Ts, Close: close, Trend: TrendSideways}

	// RSI with Wilder's smoothing; first RSIPeriod changes are warm-up.
	if c.count > 0 {
		change := close - c.prevClose
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		period := float64(c.cfg.RSIPeriod)
		switch {
		case c.count < c.cfg.RSIPeriod:
			c.avgGain += gain
			c.avgLoss += loss
		case c.count == c.cfg.RSIPeriod:
			c.avgGain = (c.avgGain + gain) / period
			c.avgLoss = (c.avgLoss + loss) / period
		default:
			c.avgGain = (c.avgGain*(period-1) + gain) / period
			c.avgLoss = (c.avgLoss*(period-1) + loss) / period
		}
	}
	c.prevClose = close
	c.closes = append(c.closes, close)
	c.count++

	if c.count >= c.cfg.RSIPeriod+1 {
		snap.HasRSI = true
		switch {
		case c.avgLoss == 0 && c.avgGain == 0:
			snap.RSI = 50
		case c.avgLoss == 0:
			snap.RSI = 100
		default:
			rs := c.avgGain / c.avgLoss
			snap.RSI = 100 - 100/(1+rs)
		}
	}

	// Each SMA is defined as soon as its own window closes; the trend and the
	// previous-value pair additionally wait for the long window.
	if c.count >= c.cfg.SMAShort {
		snap.SMAShort = c.sma(c.cfg.SMAShort)
		snap.HasSMAShort = true
	}
	if c.count >= c.cfg.SMALong {
		snap.SMALong = c.sma(c.cfg.SMALong)
		snap.HasSMALong = true
		if c.hasPrevSMA {
			snap.PrevSMAShort = c.prevSMAShort
			snap.PrevSMALong = c.prevSMALong
			snap.HasPrevSMA = true
		}
		switch {
		case close > snap.SMAShort && snap.SMAShort > snap.SMALong:
			snap.Trend = TrendUp
		case close < snap.SMAShort && snap.SMAShort < snap.SMALong:
			snap.Trend = TrendDown
		}
		c.prevSMAShort = snap.SMAShort
		c.prevSMALong = snap.SMALong
		c.hasPrevSMA = true
	}

	// MACD line, signal line, histogram.
	c.emaFast.push(close)
	c.emaSlow.push(close)
	if c.emaSlow.ready {
		macd := c.emaFast.value - c.emaSlow.value
		c.emaSignal.push(macd)
		c.macdSeries++
		if c.emaSignal.ready {
			snap.MACD = macd
			snap.MACDSignal = c.emaSignal.value
			snap.MACDHist = macd - snap.MACDSignal
			snap.HasMACD = true
		}
	}

	// Bollinger bands around the Bollinger-window SMA.
	if c.count >= c.cfg.BollWindow {
		mid := c.sma(c.cfg.BollWindow)
		std := c.sampleStdDev(c.cfg.BollWindow, mid)
		snap.BollMiddle = mid
		snap.BollUpper = mid + c.cfg.BollK*std
		snap.BollLower = mid - c.cfg.BollK*std
		snap.HasBoll = true
	}

	// Volatility of percentage returns and the derived regime.
	if c.count >= c.cfg.VolWindow+1 {
		snap.Volatility = c.returnsStdDev(c.cfg.VolWindow)
		snap.HasVol = true
		if snap.Volatility > c.cfg.RegimeThreshold {
			snap.Regime = RegimeHighVolatility
		} else {
			snap.Regime = RegimeLowVolatility
		}
	}

	if c.count < c.minHistory {
		return snap, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientHistory, c.count, c.minHistory)
	}
	return snap, nil
}

func (c *Cursor) sma(window int) float64 {
	sum := 0.0
	for _, v := range c.closes[len(c.closes)-window:] {
		sum += v
	}
	return sum / float64(window)
}

func (c *Cursor) sampleStdDev(window int, mean float64) float64 {
	var sumSq float64
	for _, v := range c.closes[len(c.closes)-window:] {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(window-1))
}

func (c *Cursor) returnsStdDev(window int) float64 {
	tail := c.closes[len(c.closes)-window-1:]
	returns := make([]float64, 0, window)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, tail[i]/tail[i-1]-1)
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(returns)-1))
}
