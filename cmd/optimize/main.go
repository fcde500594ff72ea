package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"quantbot-go/internal/backtest"
	"quantbot-go/internal/config"
	"quantbot-go/internal/exchange"
	"quantbot-go/internal/metrics"
	"quantbot-go/internal/optimize"
	"quantbot-go/internal/strategy"
	"quantbot-go/internal/util"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	historyPath := flag.String("history", "", "candle CSV, overrides backtest.history_path")
	flag.Parse()

	log := util.NewLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log = util.NewLogger(cfg.App.LogLevel)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	history := cfg.Backtest.HistoryPath
	if *historyPath != "" {
		history = *historyPath
	}
	candles, err := exchange.LoadCSV(history)
	if err != nil {
		log.Fatal().Err(err).Msg("load history")
	}

	params := cfg.Strategy
	if cfg.Trading.ParamsPath != "" {
		if persisted, err := strategy.Load(cfg.Trading.ParamsPath); err == nil {
			params = persisted
		}
	}
	store, err := strategy.NewStore(params)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid strategy params")
	}

	var objective optimize.Objective
	switch cfg.Optimizer.Objective {
	case "", "sharpe":
		objective = optimize.SharpeObjective
	case "total_return":
		objective = optimize.TotalReturnObjective
	default:
		log.Fatal().Str("objective", cfg.Optimizer.Objective).Msg("unknown objective")
	}

	optimizer, err := optimize.New(optimize.Config{
		Symbol:          cfg.Exchange.Symbol,
		Timeframe:       cfg.Exchange.Timeframe,
		InitialBalance:  cfg.Backtest.InitialBalance,
		RiskFreeRate:    cfg.Backtest.RiskFreeRate,
		FillModel:       backtest.FillModel(cfg.Backtest.FillModel),
		InSampleDays:    cfg.Optimizer.InSampleDays,
		OutSampleDays:   cfg.Optimizer.OutSampleDays,
		MaxCandidates:   cfg.Optimizer.MaxCandidates,
		Seed:            cfg.Optimizer.Seed,
		DegradationBand: cfg.Optimizer.DegradationBand,
		Parallelism:     cfg.Optimizer.Parallelism,
		Objective:       objective,
	}, store, cfg.Trading.ParamsPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("wire optimizer")
	}

	results, err := optimizer.RunWalkForward(ctx, candles)
	if err != nil {
		metrics.OptimizationsTotal.WithLabelValues("failed").Inc()
		log.Fatal().Err(err).Msg("optimization failed")
	}

	promoted := 0
	for i, res := range results {
		outcome := "rejected"
		if res.Promoted {
			outcome = "promoted"
			promoted++
		}
		metrics.OptimizationsTotal.WithLabelValues(outcome).Inc()
		log.Info().
			Int("window", i+1).
			Time("in_sample_start", res.Window.InSampleStart).
			Time("out_sample_end", res.Window.OutSampleEnd).
			Float64("in_sample", res.InSampleScore).
			Float64("out_of_sample", res.OutOfSampleScore).
			Bool("promoted", res.Promoted).
			Msg("walk-forward window")
	}

	if promoted == 0 {
		log.Warn().Int("windows", len(results)).Msg("no window beat the incumbent, keeping current params")
		return
	}
	final := store.Current()
	log.Info().
		Int("windows", len(results)).
		Int("promotions", promoted).
		Int("sma_short", final.SMAShort).
		Int("sma_long", final.SMALong).
		Float64("stop_loss_pct", final.StopLossPct).
		Float64("take_profit_pct", final.TakeProfitPct).
		Msg("walk-forward complete")
}
