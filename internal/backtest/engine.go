// Package backtest replays historical candles through the indicator, fusion,
// and risk pipeline against a simulated balance.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"quantbot-go/internal/indicator"
	"quantbot-go/internal/risk"
	"quantbot-go/internal/signal"
	"quantbot-go/internal/strategy"
)

// FillModel fixes how order intents map to fill prices for a whole run.
type FillModel string

const (
	// FillNextOpen fills each intent at the open of the following candle.
	FillNextOpen FillModel = "NEXT_OPEN"
	// FillSameClose fills each intent at the close of the deciding candle.
	FillSameClose FillModel = "SAME_CLOSE"
)

// MLProvider supplies the classifier probability for one snapshot during
// replay. A true degraded flag excludes the contributor from fusion.
type MLProvider func(snap indicator.Snapshot) (prob float64, degraded bool)

// SentimentProvider supplies the sentiment score for one candle timestamp.
type SentimentProvider func(ts time.Time) (score float64, degraded bool)

// Config describes one backtest run. Nil providers degrade their contributor,
// leaving fusion to the remaining weights.
type Config struct {
	Symbol         string
	Timeframe      string
	InitialBalance float64
	RiskFreeRate   float64 // annual, e.g. 0.02
	FillModel      FillModel
	Params         strategy.Params
	ML             MLProvider
	Sentiment      SentimentProvider
}

// Engine runs deterministic replays: identical candles and config produce a
// byte-for-byte identical report.
type Engine struct {
	cfg          Config
	ind          *indicator.Engine
	periodsPerYr float64
	log          zerolog.Logger
}

// NewEngine validates the run configuration once.
func NewEngine(cfg Config, log zerolog.Logger) (*Engine, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("backtest symbol is required")
	}
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("initial balance must be positive, got %.2f", cfg.InitialBalance)
	}
	if cfg.FillModel == "" {
		cfg.FillModel = FillNextOpen
	}
	if cfg.FillModel != FillNextOpen && cfg.FillModel != FillSameClose {
		return nil, fmt.Errorf("unknown fill model %q", cfg.FillModel)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	period, err := signal.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, err
	}
	ind, err := indicator.NewEngine(cfg.Params.IndicatorConfig())
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:          cfg,
		ind:          ind,
		periodsPerYr: signal.PeriodsPerYear(period),
		log:          log,
	}, nil
}

// pendingIntent is a decision waiting for its fill candle.
type pendingIntent struct {
	action risk.Action
	size   float64
	reason risk.ExitReason
}

// Run replays the candles in index order. The candle slice is never mutated
// and indicators only ever see candles at or before the decision index.
func (e *Engine) Run(ctx context.Context, candles []signal.Candle) (*Report, error) {
	minHistory := e.ind.MinHistory()
	if len(candles) <= minHistory {
		return nil, fmt.Errorf("need more than %d candles, got %d", minHistory, len(candles))
	}

	p := e.cfg.Params
	cursor := e.ind.Cursor()
	manager := risk.NewManager(zerolog.Nop())

	cash := e.cfg.InitialBalance
	quantity := 0.0
	var pending *pendingIntent

	report := &Report{
		Symbol:         e.cfg.Symbol,
		Timeframe:      e.cfg.Timeframe,
		FillModel:      e.cfg.FillModel,
		InitialBalance: e.cfg.InitialBalance,
		Bars:           len(candles),
		Trades:         []Trade{},
		Equity:         make([]EquityPoint, 0, len(candles)),
	}

	fill := func(price float64, ts time.Time, intent pendingIntent) error {
		switch intent.action {
		case risk.ActionEnter:
			if _, err := manager.Open(p, price, intent.size, ts); err != nil {
				return err
			}
			notional := (cash + quantity*price) * intent.size
			quantity = notional / price
			cash -= notional
		case risk.ActionExit:
			closed, err := manager.Close(price, ts, intent.reason)
			if err != nil {
				return err
			}
			proceeds := quantity * price
			pnl := (price - closed.EntryPrice) * quantity
			report.Trades = append(report.Trades, Trade{
				EntryTs:    closed.OpenedAt,
				ExitTs:     ts,
				EntryPrice: closed.EntryPrice,
				ExitPrice:  price,
				Quantity:   quantity,
				PnL:        pnl,
				ReturnPct:  price/closed.EntryPrice - 1,
				Reason:     closed.Reason,
			})
			cash += proceeds
			quantity = 0
		}
		return nil
	}

	for _, candle := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Intents decided on the previous candle fill at this open.
		if pending != nil && e.cfg.FillModel == FillNextOpen {
			if err := fill(candle.Open, candle.Ts, *pending); err != nil {
				return nil, err
			}
			pending = nil
		}

		snap, err := cursor.Push(candle)
		insufficient := err != nil

		if pending == nil {
			if intent := manager.CheckExit(p, candle.Close); intent != nil {
				pending = &pendingIntent{action: intent.Action, reason: intent.Reason}
			} else if !insufficient {
				sig := strategy.Fuse(p, e.fusionInputs(snap, candle.Ts), candle.Ts)
				if intent := manager.EvaluateSignal(p, sig); intent != nil {
					pending = &pendingIntent{action: intent.Action, size: intent.Size, reason: intent.Reason}
				}
			}
		}

		if pending != nil && e.cfg.FillModel == FillSameClose {
			if err := fill(candle.Close, candle.Ts, *pending); err != nil {
				return nil, err
			}
			pending = nil
		}

		report.Equity = append(report.Equity, EquityPoint{
			Ts:     candle.Ts,
			Equity: cash + quantity*candle.Close,
		})
	}

	// End of data: a still-open position is liquidated at the final close so
	// the report accounts for every unit of exposure.
	if manager.State() == risk.StateLong {
		last := candles[len(candles)-1]
		if err := fill(last.Close, last.Ts, pendingIntent{action: risk.ActionExit, reason: risk.ExitSignal}); err != nil {
			return nil, err
		}
		report.Equity[len(report.Equity)-1].Equity = cash
	}

	report.finalize(e.cfg.RiskFreeRate, e.periodsPerYr)
	e.log.Info().
		Int("bars", report.Bars).
		Int("trades", len(report.Trades)).
		Float64("final_balance", report.FinalBalance).
		Float64("sharpe", report.Sharpe).
		Msg("backtest complete")
	return report, nil
}

func (e *Engine) fusionInputs(snap indicator.Snapshot, ts time.Time) strategy.Inputs {
	in := strategy.Inputs{
		Snapshot:          snap,
		MLProbability:     0.5,
		MLDegraded:        true,
		Sentiment:         0,
		SentimentDegraded: true,
	}
	if e.cfg.ML != nil {
		in.MLProbability, in.MLDegraded = e.cfg.ML(snap)
	}
	if e.cfg.Sentiment != nil {
		in.Sentiment, in.SentimentDegraded = e.cfg.Sentiment(ts)
	}
	return in
}
