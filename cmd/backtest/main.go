package main

import (
	"context"
	"flag"

	"github.com/joho/godotenv"

	"quantbot-go/internal/backtest"
	"quantbot-go/internal/config"
	"quantbot-go/internal/exchange"
	"quantbot-go/internal/strategy"
	"quantbot-go/internal/util"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	historyPath := flag.String("history", "", "candle CSV, overrides backtest.history_path")
	reportPath := flag.String("report", "", "report JSON output, overrides backtest.report_path")
	flag.Parse()

	log := util.NewLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log = util.NewLogger(cfg.App.LogLevel)

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

	engine, err := backtest.NewEngine(backtest.Config{
		Symbol:         cfg.Exchange.Symbol,
		Timeframe:      cfg.Exchange.Timeframe,
		InitialBalance: cfg.Backtest.InitialBalance,
		RiskFreeRate:   cfg.Backtest.RiskFreeRate,
		FillModel:      backtest.FillModel(cfg.Backtest.FillModel),
		Params:         params,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("wire backtest")
	}

	report, err := engine.Run(context.Background(), candles)
	if err != nil {
		log.Fatal().Err(err).Msg("backtest failed")
	}

	out := cfg.Backtest.ReportPath
	if *reportPath != "" {
		out = *reportPath
	}
	if out != "" {
		if err := report.Save(out); err != nil {
			log.Fatal().Err(err).Msg("save report")
		}
		log.Info().Str("path", out).Msg("report written")
	}

	log.Info().
		Int("bars", report.Bars).
		Int("trades", len(report.Trades)).
		Float64("final_balance", report.FinalBalance).
		Float64("total_return_pct", report.TotalReturnPct).
		Float64("sharpe", report.Sharpe).
		Float64("max_drawdown", report.MaxDrawdown).
		Float64("win_rate", report.WinRate).
		Msg("backtest summary")
}
