package ml

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"quantbot-go/internal/indicator"
	"quantbot-go/internal/signal"
)

// HistorySource supplies a point-in-time copy of recent candle history.
type HistorySource func() []signal.Candle

// Retrainer refits the classifier on a fixed cadence using the most recent
// window of history. It runs as a background task and never blocks
// predictions: failures are logged at warning level and the adapter keeps
// serving the last good model.
type Retrainer struct {
	adapter  *Adapter
	engine   *indicator.Engine
	source   HistorySource
	interval time.Duration
	window   int // bars of history per training run
	log      zerolog.Logger
}

// NewRetrainer wires a retraining loop for the given adapter.
func NewRetrainer(adapter *Adapter, engine *indicator.Engine, source HistorySource, interval time.Duration, window int, log zerolog.Logger) *Retrainer {
	return &Retrainer{
		adapter:  adapter,
		engine:   engine,
		source:   source,
		interval: interval,
		window:   window,
		log:      log,
	}
}

// Run retrains immediately, then on every interval tick until the context is
// cancelled.
func (r *Retrainer) Run(ctx context.Context) error {
	r.RetrainOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RetrainOnce(ctx)
		}
	}
}

// RetrainOnce performs a single training pass over the current window.
func (r *Retrainer) RetrainOnce(ctx context.Context) {
	candles := r.source()
	if r.window > 0 && len(candles) > r.window {
		candles = candles[len(candles)-r.window:]
	}

	features, labels, err := BuildDataset(candles, r.engine)
	if err != nil {
		r.log.Warn().Err(err).Int("candles", len(candles)).Msg("skipping retrain: dataset unavailable")
		return
	}
	if err := r.adapter.Train(ctx, features, labels); err != nil {
		r.log.Warn().Err(err).Msg("retrain failed, keeping last good model")
	}
}
