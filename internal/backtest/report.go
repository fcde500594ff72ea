package backtest

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/stat"

	"quantbot-go/internal/risk"
)

// Trade is one completed round trip with its mandatory exit reason.
type Trade struct {
	EntryTs    time.Time       `json:"entry_ts"`
	ExitTs     time.Time       `json:"exit_ts"`
	EntryPrice float64         `json:"entry_price"`
	ExitPrice  float64         `json:"exit_price"`
	Quantity   float64         `json:"quantity"`
	PnL        float64         `json:"pnl"`
	ReturnPct  float64         `json:"return_pct"`
	Reason     risk.ExitReason `json:"reason"`
}

// EquityPoint marks portfolio equity at one candle close.
type EquityPoint struct {
	Ts     time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}

// Report is the complete outcome of one backtest run.
type Report struct {
	Symbol         string        `json:"symbol"`
	Timeframe      string        `json:"timeframe"`
	FillModel      FillModel     `json:"fill_model"`
	Bars           int           `json:"bars"`
	InitialBalance float64       `json:"initial_balance"`
	FinalBalance   float64       `json:"final_balance"`
	TotalReturnPct float64       `json:"total_return_pct"`
	Sharpe         float64       `json:"sharpe"`
	MaxDrawdown    float64       `json:"max_drawdown"`
	WinRate        float64       `json:"win_rate"`
	Trades         []Trade       `json:"trades"`
	Equity         []EquityPoint `json:"equity"`
}

// finalize derives the summary statistics from the equity curve and trades.
func (r *Report) finalize(riskFreeRate, periodsPerYear float64) {
	if n := len(r.Equity); n > 0 {
		r.FinalBalance = r.Equity[n-1].Equity
	} else {
		r.FinalBalance = r.InitialBalance
	}
	r.TotalReturnPct = r.FinalBalance/r.InitialBalance - 1
	r.Sharpe = sharpeRatio(r.Equity, riskFreeRate, periodsPerYear)
	r.MaxDrawdown = maxDrawdown(r.Equity)

	wins := 0
	for _, t := range r.Trades {
		if t.PnL > 0 {
			wins++
		}
	}
	if len(r.Trades) > 0 {
		r.WinRate = float64(wins) / float64(len(r.Trades))
	}
}

// sharpeRatio annualizes the mean excess per-period return over its sample
// standard deviation. Degenerate curves score zero rather than NaN.
func sharpeRatio(equity []EquityPoint, riskFreeRate, periodsPerYear float64) float64 {
	if len(equity) < 3 || periodsPerYear <= 0 {
		return 0
	}
	rfPeriod := riskFreeRate / periodsPerYear
	excess := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			return 0
		}
		excess = append(excess, equity[i].Equity/prev-1-rfPeriod)
	}
	std := stat.StdDev(excess, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return stat.Mean(excess, nil) / std * math.Sqrt(periodsPerYear)
}

// maxDrawdown is the largest peak-to-trough equity loss as a fraction of the
// peak.
func maxDrawdown(equity []EquityPoint) float64 {
	peak, worst := 0.0, 0.0
	for _, pt := range equity {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak > 0 {
			if dd := 1 - pt.Equity/peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// Save persists the report as indented JSON.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// LoadReport reads a previously saved report.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
