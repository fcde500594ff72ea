package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quantbot-go/internal/indicator"
	"quantbot-go/internal/risk"
	"quantbot-go/internal/signal"
	"quantbot-go/internal/strategy"
)

func genCandles(n int, priceAt func(i int) float64) []signal.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]signal.Candle, n)
	prev := priceAt(0)
	for i := 0; i < n; i++ {
		close := priceAt(i)
		open := prev
		high, low := math.Max(open, close), math.Min(open, close)
		candles[i] = signal.Candle{
			Ts:     base.Add(time.Duration(i) * time.Hour),
			Open:   open,
			High:   high * 1.001,
			Low:    low * 0.999,
			Close:  close,
			Volume: 1000,
		}
		prev = close
	}
	return candles
}

// mlOnlyParams routes the whole fusion weight through the ML contributor so
// tests can trigger entries at exact bar indexes.
func mlOnlyParams() strategy.Params {
	p := strategy.Default()
	p.TechnicalWeight = 0
	p.MLWeight = 1
	p.SentimentWeight = 0
	return p
}

func buyAtIndex(idx int) MLProvider {
	return func(snap indicator.Snapshot) (float64, bool) {
		if snap.Index == idx {
			return 1, false
		}
		return 0.5, true
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestRunEntersAtNextOpenAndTakesProfit(t *testing.T) {
	candles := genCandles(60, func(i int) float64 {
		if i <= 40 {
			return 100
		}
		return 100 + float64(i-40)
	})
	e := newTestEngine(t, Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		InitialBalance: 10000,
		Params:         mlOnlyParams(),
		ML:             buyAtIndex(40),
	})

	report, err := e.Run(context.Background(), candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Trades) != 1 {
		t.Fatalf("got %d trades, want 1: %+v", len(report.Trades), report.Trades)
	}
	trade := report.Trades[0]
	if trade.EntryPrice != 100 {
		t.Fatalf("entry price = %.4f, want fill at next open 100", trade.EntryPrice)
	}
	if !trade.EntryTs.Equal(candles[41].Ts) {
		t.Fatalf("entry ts = %s, want candle 41", trade.EntryTs)
	}
	if trade.Reason != risk.ExitTakeProfit {
		t.Fatalf("reason = %s, want TAKE_PROFIT", trade.Reason)
	}
	// Take-profit level 105 is hit at the candle-45 close; the exit fills at
	// the candle-46 open, which gapped to the same price.
	if trade.ExitPrice != 105 || !trade.ExitTs.Equal(candles[46].Ts) {
		t.Fatalf("exit = %.4f @ %s, want 105 @ candle 46", trade.ExitPrice, trade.ExitTs)
	}
	if math.Abs(trade.PnL-50) > 1e-9 {
		t.Fatalf("pnl = %.4f, want 50 (10 units x 5)", trade.PnL)
	}
	if math.Abs(report.FinalBalance-10050) > 1e-9 {
		t.Fatalf("final balance = %.4f, want 10050", report.FinalBalance)
	}
	if report.WinRate != 1 {
		t.Fatalf("win rate = %.2f, want 1", report.WinRate)
	}
	if report.MaxDrawdown != 0 {
		t.Fatalf("max drawdown = %.4f, want 0 on a monotone curve", report.MaxDrawdown)
	}
	if report.Sharpe <= 0 {
		t.Fatalf("sharpe = %.4f, want positive", report.Sharpe)
	}
	if report.FillModel != FillNextOpen {
		t.Fatalf("fill model = %s, want default NEXT_OPEN recorded", report.FillModel)
	}
}

func TestRunStopsOutOnDecline(t *testing.T) {
	candles := genCandles(60, func(i int) float64 {
		if i <= 40 {
			return 100
		}
		return 100 - 0.5*float64(i-40)
	})
	e := newTestEngine(t, Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		InitialBalance: 10000,
		Params:         mlOnlyParams(),
		ML:             buyAtIndex(40),
	})

	report, err := e.Run(context.Background(), candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Trades) != 1 || report.Trades[0].Reason != risk.ExitStopLoss {
		t.Fatalf("expected one stop-loss trade, got %+v", report.Trades)
	}
	// Stop level 98 is hit at the candle-44 close, filled at the candle-45 open.
	if report.Trades[0].ExitPrice != 98 {
		t.Fatalf("exit price = %.4f, want 98", report.Trades[0].ExitPrice)
	}
	if math.Abs(report.FinalBalance-9980) > 1e-9 {
		t.Fatalf("final balance = %.4f, want 9980", report.FinalBalance)
	}
	if report.WinRate != 0 {
		t.Fatalf("win rate = %.2f, want 0", report.WinRate)
	}
	if report.MaxDrawdown <= 0 {
		t.Fatalf("expected positive drawdown, got %.4f", report.MaxDrawdown)
	}
}

func TestRunSameCloseFillsOnDecidingCandle(t *testing.T) {
	candles := genCandles(60, func(i int) float64 {
		if i <= 40 {
			return 100
		}
		return 100 + float64(i-40)
	})
	e := newTestEngine(t, Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		InitialBalance: 10000,
		FillModel:      FillSameClose,
		Params:         mlOnlyParams(),
		ML:             buyAtIndex(40),
	})

	report, err := e.Run(context.Background(), candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(report.Trades))
	}
	trade := report.Trades[0]
	if !trade.EntryTs.Equal(candles[40].Ts) {
		t.Fatalf("entry ts = %s, want the deciding candle 40", trade.EntryTs)
	}
	if !trade.ExitTs.Equal(candles[45].Ts) || trade.ExitPrice != 105 {
		t.Fatalf("exit = %.4f @ %s, want 105 @ candle 45", trade.ExitPrice, trade.ExitTs)
	}
}

func TestRunLiquidatesOpenPositionAtEnd(t *testing.T) {
	candles := genCandles(50, func(i int) float64 { return 100 })
	e := newTestEngine(t, Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		InitialBalance: 10000,
		Params:         mlOnlyParams(),
		ML:             buyAtIndex(40),
	})

	report, err := e.Run(context.Background(), candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Trades) != 1 || report.Trades[0].Reason != risk.ExitSignal {
		t.Fatalf("expected end-of-data liquidation trade, got %+v", report.Trades)
	}
	if math.Abs(report.FinalBalance-10000) > 1e-9 {
		t.Fatalf("final balance = %.4f, want flat 10000", report.FinalBalance)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	candles := genCandles(400, func(i int) float64 {
		return 100 + 10*math.Sin(float64(i)/7) + 0.02*float64(i)
	})
	cfg := Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		InitialBalance: 10000,
		RiskFreeRate:   0.02,
		Params:         strategy.Default(),
	}

	run := func() []byte {
		report, err := newTestEngine(t, cfg).Run(context.Background(), candles)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		data, err := json.Marshal(report)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		return data
	}

	if !bytes.Equal(run(), run()) {
		t.Fatalf("two identical runs produced different reports")
	}
}

func TestRunRejectsShortHistory(t *testing.T) {
	candles := genCandles(20, func(i int) float64 { return 100 })
	e := newTestEngine(t, Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		InitialBalance: 10000,
		Params:         strategy.Default(),
	})
	if _, err := e.Run(context.Background(), candles); err == nil {
		t.Fatalf("expected error on insufficient history")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	candles := genCandles(100, func(i int) float64 { return 100 })
	e := newTestEngine(t, Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		InitialBalance: 10000,
		Params:         strategy.Default(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Run(ctx, candles); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	base := Config{Symbol: "BTCUSDT", Timeframe: "1h", InitialBalance: 10000, Params: strategy.Default()}

	bad := base
	bad.Symbol = ""
	if _, err := NewEngine(bad, zerolog.Nop()); err == nil {
		t.Fatalf("empty symbol must fail")
	}
	bad = base
	bad.InitialBalance = 0
	if _, err := NewEngine(bad, zerolog.Nop()); err == nil {
		t.Fatalf("zero balance must fail")
	}
	bad = base
	bad.FillModel = "LIMIT_BOOK"
	if _, err := NewEngine(bad, zerolog.Nop()); err == nil {
		t.Fatalf("unknown fill model must fail")
	}
	bad = base
	bad.Timeframe = "soon"
	if _, err := NewEngine(bad, zerolog.Nop()); err == nil {
		t.Fatalf("bad timeframe must fail")
	}
}

func TestReportSaveLoadRoundTrip(t *testing.T) {
	candles := genCandles(60, func(i int) float64 {
		if i <= 40 {
			return 100
		}
		return 100 + float64(i-40)
	})
	e := newTestEngine(t, Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		InitialBalance: 10000,
		Params:         mlOnlyParams(),
		ML:             buyAtIndex(40),
	})
	report, err := e.Run(context.Background(), candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	path := filepath.Join(t.TempDir(), "report.json")
	if err := report.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadReport(path)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if loaded.FinalBalance != report.FinalBalance || len(loaded.Trades) != len(report.Trades) {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, report)
	}
}
