// Package exchange hosts market data connectors that deliver closed candles
// to the decision pipeline.
package exchange

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quantbot-go/internal/metrics"
	"quantbot-go/internal/signal"
)

const (
	// ProviderStub emits deterministic synthetic candles (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderBinance streams closed klines from Binance public websockets.
	ProviderBinance = "binance"
)

// Feed represents a pluggable candle stream implementation.
type Feed struct {
	provider  string
	symbol    string
	timeframe string
	period    time.Duration
	log       zerolog.Logger

	stubInterval time.Duration
	wsBaseURL    string
}

// Option configures Feed construction parameters.
type Option func(*Feed)

const (
	defaultStubInterval = 500 * time.Millisecond
	defaultWSBaseURL    = "wss://stream.binance.com:9443"
)

// WithStubInterval overrides how fast the stub provider emits candles.
func WithStubInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.stubInterval = d
		}
	}
}

// WithWSBaseURL overrides the websocket endpoint base.
func WithWSBaseURL(base string) Option {
	return func(f *Feed) {
		if base != "" {
			f.wsBaseURL = strings.TrimSuffix(base, "/")
		}
	}
}

// NewFeed constructs a feed backed by the requested provider.
func NewFeed(provider, symbol, timeframe string, log zerolog.Logger, opts ...Option) (*Feed, error) {
	if provider == "" {
		provider = ProviderStub
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("feed requires a symbol")
	}
	period, err := signal.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	f := &Feed{
		provider:     strings.ToLower(provider),
		symbol:       symbol,
		timeframe:    timeframe,
		period:       period,
		log:          log,
		stubInterval: defaultStubInterval,
		wsBaseURL:    defaultWSBaseURL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Symbol reports the tracked symbol.
func (f *Feed) Symbol() string { return f.symbol }

// Run pushes closed candles onto the provided channel until the context is
// canceled.
func (f *Feed) Run(ctx context.Context, out chan<- signal.Candle) error {
	switch f.provider {
	case ProviderBinance:
		return f.runBinance(ctx, out)
	case ProviderStub:
		return f.runStub(ctx, out)
	default:
		return fmt.Errorf("unknown feed provider %q", f.provider)
	}
}

// runStub synthesizes a deterministic price walk. Candle timestamps advance
// by the configured timeframe even though emission runs on the stub interval.
func (f *Feed) runStub(ctx context.Context, out chan<- signal.Candle) error {
	ticker := time.NewTicker(f.stubInterval)
	defer ticker.Stop()

	ts := time.Now().UTC().Truncate(f.period)
	i := 0
	prev := 100.0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			close := 100 + 5*math.Sin(float64(i)/9) + 0.01*float64(i)
			candle := signal.Candle{
				Ts:     ts,
				Open:   prev,
				High:   math.Max(prev, close) * 1.001,
				Low:    math.Min(prev, close) * 0.999,
				Close:  close,
				Volume: 1000,
			}
			select {
			case out <- candle:
				metrics.CandlesTotal.WithLabelValues(f.symbol).Inc()
			case <-ctx.Done():
				return ctx.Err()
			}
			prev = close
			ts = ts.Add(f.period)
			i++
		}
	}
}
