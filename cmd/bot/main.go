package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quantbot-go/internal/bot"
	"quantbot-go/internal/config"
	"quantbot-go/internal/exchange"
	"quantbot-go/internal/indicator"
	"quantbot-go/internal/metrics"
	"quantbot-go/internal/ml"
	"quantbot-go/internal/paper"
	"quantbot-go/internal/sentiment"
	sig "quantbot-go/internal/signal"
	"quantbot-go/internal/strategy"
	"quantbot-go/internal/util"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	log := util.NewLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log = util.NewLogger(cfg.App.LogLevel)

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Resume from the last optimizer promotion when one is on disk.
	params := cfg.Strategy
	if cfg.Trading.ParamsPath != "" {
		if persisted, err := strategy.Load(cfg.Trading.ParamsPath); err == nil {
			log.Info().Str("path", cfg.Trading.ParamsPath).Msg("resuming persisted params")
			params = persisted
		}
	}
	store, err := strategy.NewStore(params)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid strategy params")
	}

	var recorder paper.FillRecorder
	if cfg.Trading.FillsPath != "" {
		jsonl, err := paper.NewJSONLRecorder(cfg.Trading.FillsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open fill recorder")
		}
		defer jsonl.Close()
		recorder = jsonl
	}
	gateway := paper.NewGateway(cfg.Exchange.Symbol, cfg.Trading.StartingCash, recorder)

	var predictor bot.Predictor
	var adapter *ml.Adapter
	if cfg.ML.Enabled {
		adapter = ml.NewAdapter(ml.TrainerConfig{
			Epochs:       cfg.ML.Epochs,
			LearningRate: cfg.ML.LearningRate,
		}, log)
		predictor = adapter
	}

	var scorer bot.SentimentScorer
	if cfg.Sentiment.Enabled {
		agg := sentiment.NewAggregator(time.Duration(cfg.Sentiment.TimeoutMs)*time.Millisecond, log)
		for _, src := range cfg.Sentiment.Sources {
			if err := agg.Add(sentiment.NewStaticSource(src.Name, src.Score), src.Weight); err != nil {
				log.Fatal().Err(err).Str("source", src.Name).Msg("register sentiment source")
			}
		}
		scorer = agg
	}

	historyLimit := 1000
	if cfg.ML.TrainingWindow > historyLimit {
		historyLimit = cfg.ML.TrainingWindow
	}
	engine, err := bot.New(bot.Config{
		Symbol:       cfg.Exchange.Symbol,
		CycleTimeout: time.Duration(cfg.Trading.CycleTimeoutMs) * time.Millisecond,
		HistoryLimit: historyLimit,
		SentimentTTL: time.Duration(cfg.Sentiment.CacheTTLSec) * time.Second,
	}, store, gateway, predictor, scorer, log)
	if err != nil {
		log.Fatal().Err(err).Msg("wire cycle engine")
	}

	if adapter != nil {
		ind, err := indicator.NewEngine(params.IndicatorConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("indicator config")
		}
		retrainer := ml.NewRetrainer(adapter, ind, engine.History,
			time.Duration(cfg.ML.RetrainIntervalMin)*time.Minute, cfg.ML.TrainingWindow, log)
		go func() {
			if err := retrainer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("retrainer stopped")
			}
		}()
	}

	feed, err := exchange.NewFeed(cfg.Exchange.Provider, cfg.Exchange.Symbol, cfg.Exchange.Timeframe, log,
		exchange.WithWSBaseURL(cfg.Exchange.WSBaseURL))
	if err != nil {
		log.Fatal().Err(err).Msg("wire feed")
	}
	candles := make(chan sig.Candle, 256)
	go func() {
		if err := feed.Run(ctx, candles); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("feed stopped")
			cancel()
		}
	}()

	cooldown := time.Duration(cfg.Trading.ErrorCooldownSec) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	log.Info().Str("symbol", cfg.Exchange.Symbol).Str("timeframe", cfg.Exchange.Timeframe).Msg("bot started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		case candle := <-candles:
			gateway.SetMark(candle.Close)
			if err := engine.Cycle(ctx, candle); err != nil {
				log.Error().Err(err).Msg("cycle failed, cooling down")
				select {
				case <-time.After(cooldown):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
