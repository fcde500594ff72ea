// Package sentiment normalizes external sentiment feeds into one score in
// [-1,1] for the fusion layer.
package sentiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnavailable is returned by a Source that cannot currently produce a score.
var ErrUnavailable = errors.New("sentiment source unavailable")

// Source produces one sentiment score in [-1,1] per fetch.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (float64, error)
}

// weighted pairs a source with its share of the aggregate.
type weighted struct {
	source Source
	weight float64
}

// Aggregator combines sources by weighted mean. Unavailable sources are
// excluded from the denominator rather than counted as zero; when every
// source is unavailable the aggregator fails closed with a neutral score and
// a degraded flag.
type Aggregator struct {
	sources []weighted
	timeout time.Duration
	log     zerolog.Logger
}

// NewAggregator builds an aggregator; weight must be positive per source.
func NewAggregator(timeout time.Duration, log zerolog.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{timeout: timeout, log: log}
}

// Add registers a source with its weight.
func (a *Aggregator) Add(src Source, weight float64) error {
	if weight <= 0 {
		return fmt.Errorf("source %s: weight must be positive, got %.4f", src.Name(), weight)
	}
	a.sources = append(a.sources, weighted{source: src, weight: weight})
	return nil
}

// Score fetches every source under a bounded timeout and returns the weighted
// mean of the ones that answered. degraded is true only when no source was
// available.
func (a *Aggregator) Score(ctx context.Context) (score float64, degraded bool) {
	var sum, weightSum float64
	for _, w := range a.sources {
		fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
		v, err := w.source.Fetch(fetchCtx)
		cancel()
		if err != nil {
			a.log.Debug().Err(err).Str("source", w.source.Name()).Msg("sentiment source skipped")
			continue
		}
		sum += clamp(v) * w.weight
		weightSum += w.weight
	}
	if weightSum == 0 {
		return 0, true
	}
	return sum / weightSum, false
}

func clamp(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// StaticSource always reports a fixed score; used for paper runs and tests.
type StaticSource struct {
	name  string
	score float64
}

// NewStaticSource builds a fixed-score source.
func NewStaticSource(name string, score float64) *StaticSource {
	return &StaticSource{name: name, score: score}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.score, nil
}

// FuncSource adapts a closure into a Source, keeping external fetch plumbing
// out of this package.
type FuncSource struct {
	name string
	fn   func(ctx context.Context) (float64, error)
}

// NewFuncSource wraps fn as a named source.
func NewFuncSource(name string, fn func(ctx context.Context) (float64, error)) *FuncSource {
	return &FuncSource{name: name, fn: fn}
}

func (s *FuncSource) Name() string { return s.name }

func (s *FuncSource) Fetch(ctx context.Context) (float64, error) { return s.fn(ctx) }
