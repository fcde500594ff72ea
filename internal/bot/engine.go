// Package bot runs the live decision cycle: one closed candle in, at most one
// sized order out.
package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quantbot-go/internal/execution"
	"quantbot-go/internal/indicator"
	"quantbot-go/internal/metrics"
	"quantbot-go/internal/ml"
	"quantbot-go/internal/risk"
	"quantbot-go/internal/signal"
	"quantbot-go/internal/strategy"
)

const sentimentCacheKey = "aggregate"

// Predictor serves upward-movement probabilities; ml.Adapter satisfies it.
type Predictor interface {
	Predict(features []float64) (float64, error)
}

// SentimentScorer produces the aggregate sentiment score with a degraded flag;
// sentiment.Aggregator satisfies it.
type SentimentScorer interface {
	Score(ctx context.Context) (float64, bool)
}

// Config tunes the cycle loop.
type Config struct {
	Symbol       string
	CycleTimeout time.Duration // bound on the ML + sentiment side inputs
	HistoryLimit int           // bars of history kept in memory
	SentimentTTL time.Duration // cache span between sentiment fetches
}

// Engine owns the per-cycle pipeline and the position state machine. Cycle is
// run-to-completion: callers feed one candle at a time from a single goroutine.
type Engine struct {
	cfg       Config
	store     *strategy.Store
	gateway   execution.OrderGateway
	riskMgr   *risk.Manager
	predictor Predictor
	scorer    SentimentScorer

	history   *signal.Series
	sentCache *ttlCache[float64]
	log       zerolog.Logger
}

// New wires the cycle engine. predictor and scorer may be nil; their
// contributors then stay degraded and fusion runs on the remaining weights.
func New(cfg Config, store *strategy.Store, gateway execution.OrderGateway, predictor Predictor, scorer SentimentScorer, log zerolog.Logger) (*Engine, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("cycle engine requires a symbol")
	}
	if store == nil || gateway == nil {
		return nil, fmt.Errorf("cycle engine requires a params store and a gateway")
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 5 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.SentimentTTL <= 0 {
		cfg.SentimentTTL = 5 * time.Minute
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		gateway:   gateway,
		riskMgr:   risk.NewManager(log),
		predictor: predictor,
		scorer:    scorer,
		history:   signal.NewSeries(cfg.HistoryLimit),
		sentCache: newTTLCache[float64](cfg.SentimentTTL),
		log:       log,
	}, nil
}

// History returns a point-in-time copy of the candle window, suitable as an
// ml.HistorySource for the background retrainer.
func (e *Engine) History() []signal.Candle {
	candles := e.history.Candles()
	out := make([]signal.Candle, len(candles))
	copy(out, candles)
	return out
}

// State exposes the position state machine for status reporting.
func (e *Engine) State() risk.State { return e.riskMgr.State() }

// Cycle processes one closed candle end to end. Stale or duplicate candles
// (websocket reconnect replays) are skipped without error; gateway failures
// and state-machine contract violations abort the cycle.
func (e *Engine) Cycle(ctx context.Context, candle signal.Candle) error {
	if err := e.history.Append(candle); err != nil {
		e.log.Warn().Err(err).Time("ts", candle.Ts).Msg("skipping stale candle")
		metrics.CyclesTotal.WithLabelValues(e.cfg.Symbol, "stale").Inc()
		return nil
	}
	e.history.Trim(e.cfg.HistoryLimit)

	params := e.store.Current()
	candles := e.history.Candles()
	idx := len(candles) - 1

	ind, err := indicator.NewEngine(params.IndicatorConfig())
	if err != nil {
		return fmt.Errorf("indicator config: %w", err)
	}
	snap, err := ind.Compute(candles, idx)
	if err != nil {
		e.log.Debug().Err(err).Msg("holding: indicator warm-up")
		metrics.CyclesTotal.WithLabelValues(e.cfg.Symbol, "warmup").Inc()
		return nil
	}

	inputs := e.sideInputs(ctx, candles, idx, snap)
	sig := strategy.Fuse(params, inputs, candle.Ts)
	metrics.SignalsTotal.WithLabelValues(e.cfg.Symbol, string(sig.Direction)).Inc()
	e.log.Debug().
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Interface("breakdown", sig.Breakdown).
		Msg("signal fused")

	// Risk levels outrank the fused signal.
	intent := e.riskMgr.CheckExit(params, candle.Close)
	if intent == nil {
		intent = e.riskMgr.EvaluateSignal(params, sig)
	}
	if intent != nil {
		if err := e.execute(ctx, params, candle, *intent); err != nil {
			metrics.CyclesTotal.WithLabelValues(e.cfg.Symbol, "error").Inc()
			return err
		}
	}

	if equity, err := e.gateway.Balance(ctx); err == nil {
		metrics.Equity.WithLabelValues(e.cfg.Symbol).Set(equity)
	} else {
		e.log.Warn().Err(err).Msg("balance unavailable")
	}
	metrics.CyclesTotal.WithLabelValues(e.cfg.Symbol, "ok").Inc()
	return nil
}

// sideInputs gathers the ML probability and sentiment score in parallel under
// the cycle timeout. Both fall back to neutral degraded values; a slow or
// broken side input never stalls or fails the cycle.
func (e *Engine) sideInputs(ctx context.Context, candles []signal.Candle, idx int, snap indicator.Snapshot) strategy.Inputs {
	inputs := strategy.Inputs{
		Snapshot:          snap,
		MLProbability:     0.5,
		MLDegraded:        true,
		Sentiment:         0,
		SentimentDegraded: true,
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.CycleTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(tctx)

	if e.predictor != nil {
		g.Go(func() error {
			features, err := ml.BuildFeatures(candles, idx, snap)
			if err != nil {
				e.log.Debug().Err(err).Msg("ml features unavailable")
				return nil
			}
			prob, err := e.predictor.Predict(features)
			if err != nil {
				e.log.Debug().Err(err).Msg("ml prediction unavailable")
				return nil
			}
			inputs.MLProbability = prob
			inputs.MLDegraded = false
			return nil
		})
	}

	if e.scorer != nil {
		g.Go(func() error {
			if score, ok := e.sentCache.get(sentimentCacheKey); ok {
				inputs.Sentiment = score
				inputs.SentimentDegraded = false
				return nil
			}
			score, degraded := e.scorer.Score(gctx)
			if degraded {
				e.log.Debug().Msg("sentiment degraded, neutral score")
				return nil
			}
			e.sentCache.put(sentimentCacheKey, score)
			inputs.Sentiment = score
			inputs.SentimentDegraded = false
			return nil
		})
	}

	_ = g.Wait()
	return inputs
}

// execute places the order behind an intent and advances the state machine on
// the confirmed fill. Gateway errors propagate untouched for the caller's
// cooldown handling; the position state is only changed after a fill.
func (e *Engine) execute(ctx context.Context, params strategy.Params, candle signal.Candle, intent risk.Intent) error {
	switch intent.Action {
	case risk.ActionEnter:
		fill, err := e.gateway.PlaceOrder(ctx, execution.Order{
			Symbol: e.cfg.Symbol,
			Side:   execution.Buy,
			Size:   intent.Size,
			Type:   execution.Market,
		})
		if err != nil {
			return err
		}
		if _, err := e.riskMgr.Open(params, fill.Price, intent.Size, fill.Ts); err != nil {
			return err
		}
	case risk.ActionExit:
		fill, err := e.gateway.PlaceOrder(ctx, execution.Order{
			Symbol: e.cfg.Symbol,
			Side:   execution.Sell,
			Type:   execution.Market,
		})
		if err != nil {
			return err
		}
		closed, err := e.riskMgr.Close(fill.Price, fill.Ts, intent.Reason)
		if err != nil {
			return err
		}
		metrics.TradesTotal.WithLabelValues(e.cfg.Symbol, string(closed.Reason)).Inc()
		e.log.Info().
			Float64("entry", closed.EntryPrice).
			Float64("exit", closed.ExitPrice).
			Str("reason", string(closed.Reason)).
			Msg("trade closed")
	default:
		return fmt.Errorf("unknown intent action %q", intent.Action)
	}
	return nil
}
