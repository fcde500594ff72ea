// Package optimize tunes strategy parameters with walk-forward validation:
// candidates are searched on an in-sample window and promoted only when the
// out-of-sample window confirms them.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quantbot-go/internal/backtest"
	"quantbot-go/internal/indicator"
	"quantbot-go/internal/signal"
	"quantbot-go/internal/strategy"
)

// ErrOptimizationRejected reports that the best in-sample candidate degraded
// out-of-sample beyond the configured band; the prior parameters stay active.
var ErrOptimizationRejected = errors.New("optimization rejected: out-of-sample degradation")

// Objective scores one backtest report; higher is better.
type Objective func(*backtest.Report) float64

// SharpeObjective is the default walk-forward score.
func SharpeObjective(r *backtest.Report) float64 { return r.Sharpe }

// TotalReturnObjective scores raw return instead of risk-adjusted return.
func TotalReturnObjective(r *backtest.Report) float64 { return r.TotalReturnPct }

// Ranges bounds the randomized parameter search.
type Ranges struct {
	SMAShortMin, SMAShortMax           int
	SMALongMin, SMALongMax             int
	RSIPeriodMin, RSIPeriodMax         int
	RSIOverboughtMin, RSIOverboughtMax float64
	RSIOversoldMin, RSIOversoldMax     float64
	MaxPositionMin, MaxPositionMax     float64
	StopLossMin, StopLossMax           float64
	TakeProfitMin, TakeProfitMax       float64
}

// DefaultRanges mirrors the bounds the strategy was originally tuned within.
func DefaultRanges() Ranges {
	return Ranges{
		SMAShortMin: 5, SMAShortMax: 50,
		SMALongMin: 20, SMALongMax: 200,
		RSIPeriodMin: 7, RSIPeriodMax: 21,
		RSIOverboughtMin: 65, RSIOverboughtMax: 80,
		RSIOversoldMin: 20, RSIOversoldMax: 35,
		MaxPositionMin: 0.05, MaxPositionMax: 0.2,
		StopLossMin: 0.01, StopLossMax: 0.05,
		TakeProfitMin: 0.02, TakeProfitMax: 0.1,
	}
}

// Config describes one walk-forward run.
type Config struct {
	Symbol          string
	Timeframe       string
	InitialBalance  float64
	RiskFreeRate    float64
	FillModel       backtest.FillModel
	InSampleDays    int     // span of the search window
	OutSampleDays   int     // span of the validation window
	MaxCandidates   int     // randomized search budget, includes the incumbent
	Seed            int64   // RNG seed; identical seeds replay the search
	DegradationBand float64 // allowed OOS shortfall as a fraction of |IS score|
	Parallelism     int     // concurrent candidate evaluations, default GOMAXPROCS
	Ranges          Ranges
	Objective       Objective // default SharpeObjective
}

// Window records the candle spans a result was searched and validated on.
type Window struct {
	InSampleStart  time.Time `json:"in_sample_start"`
	InSampleEnd    time.Time `json:"in_sample_end"`
	OutSampleStart time.Time `json:"out_sample_start"`
	OutSampleEnd   time.Time `json:"out_sample_end"`
	InSampleBars   int       `json:"in_sample_bars"`
	OutSampleBars  int       `json:"out_sample_bars"`
}

// Result is the outcome of one window: the winning candidate with its scores,
// and whether it cleared the degradation guard and was promoted.
type Result struct {
	Params           strategy.Params `json:"params"`
	InSampleScore    float64         `json:"in_sample_score"`
	OutOfSampleScore float64         `json:"out_of_sample_score"`
	Candidates       int             `json:"candidates"`
	Promoted         bool            `json:"promoted"`
	Window           Window          `json:"window"`
}

// Optimizer runs walk-forward searches and promotes winners into the live
// parameter store.
type Optimizer struct {
	cfg        Config
	store      *strategy.Store
	paramsPath string
	period     time.Duration
	log        zerolog.Logger
}

// New validates the configuration. paramsPath may be empty to skip persistence.
func New(cfg Config, store *strategy.Store, paramsPath string, log zerolog.Logger) (*Optimizer, error) {
	if store == nil {
		return nil, fmt.Errorf("optimizer needs a params store")
	}
	if cfg.InSampleDays < 1 || cfg.OutSampleDays < 1 {
		return nil, fmt.Errorf("window days must be >= 1, got %d/%d", cfg.InSampleDays, cfg.OutSampleDays)
	}
	if cfg.MaxCandidates < 1 {
		return nil, fmt.Errorf("max candidates must be >= 1, got %d", cfg.MaxCandidates)
	}
	if cfg.DegradationBand < 0 {
		return nil, fmt.Errorf("degradation band must be >= 0, got %.4f", cfg.DegradationBand)
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	if cfg.Objective == nil {
		cfg.Objective = SharpeObjective
	}
	if cfg.Ranges == (Ranges{}) {
		cfg.Ranges = DefaultRanges()
	}
	period, err := signal.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, err
	}
	return &Optimizer{
		cfg:        cfg,
		store:      store,
		paramsPath: paramsPath,
		period:     period,
		log:        log,
	}, nil
}

// Run searches the trailing in-sample window, validates the winner
// out-of-sample, and promotes it into the store on success. On rejection the
// incumbent parameters stay active and ErrOptimizationRejected is returned.
func (o *Optimizer) Run(ctx context.Context, candles []signal.Candle) (*Result, error) {
	inBars := o.bars(o.cfg.InSampleDays)
	oosBars := o.bars(o.cfg.OutSampleDays)
	if len(candles) < inBars+oosBars {
		return nil, fmt.Errorf("need %d candles for walk-forward windows, got %d", inBars+oosBars, len(candles))
	}
	result, err := o.step(ctx, candles, len(candles)-oosBars-inBars, inBars, oosBars, o.cfg.Seed)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RunWalkForward repeats the in-sample/out-of-sample split across the whole
// history, advancing the window pair by the out-of-sample span. Each promotion
// swaps the store, so later windows search around the parameters the earlier
// ones confirmed; rejected windows keep the incumbent and the walk continues.
// One Result is returned per window, promoted or not.
func (o *Optimizer) RunWalkForward(ctx context.Context, candles []signal.Candle) ([]Result, error) {
	inBars := o.bars(o.cfg.InSampleDays)
	oosBars := o.bars(o.cfg.OutSampleDays)
	if len(candles) < inBars+oosBars {
		return nil, fmt.Errorf("need %d candles for walk-forward windows, got %d", inBars+oosBars, len(candles))
	}

	var results []Result
	window := 0
	for isStart := 0; isStart+inBars+oosBars <= len(candles); isStart += oosBars {
		// Each window reseeds deterministically so a rerun replays the same walk.
		result, err := o.step(ctx, candles, isStart, inBars, oosBars, o.cfg.Seed+int64(window))
		window++
		if err != nil && !errors.Is(err, ErrOptimizationRejected) {
			return results, fmt.Errorf("window %d: %w", window, err)
		}
		results = append(results, *result)
	}
	return results, nil
}

// step runs one window pair: search candidates on candles[isStart:isStart+inBars],
// validate the best on the following oosBars, and promote it into the store if
// it clears the degradation guard. On rejection the Result describing the
// failed candidate is returned alongside ErrOptimizationRejected.
func (o *Optimizer) step(ctx context.Context, candles []signal.Candle, isStart, inBars, oosBars int, seed int64) (*Result, error) {
	inSample := candles[isStart : isStart+inBars]
	oosEnd := isStart + inBars + oosBars
	incumbent := o.store.Current()
	cands := o.candidates(incumbent, seed)

	scores := make([]float64, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)
	for i := range cands {
		i := i
		g.Go(func() error {
			score, err := o.evaluate(gctx, cands[i], inSample)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// Candidates whose windows exceed the sample are disqualified,
				// not fatal.
				scores[i] = math.Inf(-1)
				return nil
			}
			scores[i] = score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Lowest index wins ties so a fixed seed replays the same promotion.
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	if math.IsInf(scores[best], -1) {
		return nil, fmt.Errorf("no candidate produced a valid in-sample backtest")
	}

	// The out-of-sample slice carries a warm-up prefix so every validation
	// bar is decision-eligible.
	warm, err := minHistory(cands[best])
	if err != nil {
		return nil, err
	}
	warmStart := isStart + inBars - warm
	if warmStart < 0 {
		warmStart = 0
	}
	oosScore, err := o.evaluate(ctx, cands[best], candles[warmStart:oosEnd])
	if err != nil {
		return nil, fmt.Errorf("out-of-sample validation: %w", err)
	}

	isScore := scores[best]
	result := &Result{
		Params:           cands[best],
		InSampleScore:    isScore,
		OutOfSampleScore: oosScore,
		Candidates:       len(cands),
		Window: Window{
			InSampleStart:  inSample[0].Ts,
			InSampleEnd:    inSample[len(inSample)-1].Ts,
			OutSampleStart: candles[isStart+inBars].Ts,
			OutSampleEnd:   candles[oosEnd-1].Ts,
			InSampleBars:   inBars,
			OutSampleBars:  oosBars,
		},
	}

	floor := isScore - o.cfg.DegradationBand*math.Abs(isScore)
	if oosScore < floor {
		o.log.Warn().
			Float64("in_sample", isScore).
			Float64("out_of_sample", oosScore).
			Float64("floor", floor).
			Msg("rejecting optimization result")
		return result, fmt.Errorf("%w: in-sample %.4f, out-of-sample %.4f, floor %.4f",
			ErrOptimizationRejected, isScore, oosScore, floor)
	}

	if err := o.store.Swap(cands[best]); err != nil {
		return nil, fmt.Errorf("promote params: %w", err)
	}
	if o.paramsPath != "" {
		if err := strategy.Save(o.paramsPath, cands[best]); err != nil {
			return nil, err
		}
	}
	result.Promoted = true

	o.log.Info().
		Int("candidates", result.Candidates).
		Float64("in_sample", isScore).
		Float64("out_of_sample", oosScore).
		Msg("optimization promoted")
	return result, nil
}

// bars converts a day span to candle counts for the configured timeframe.
func (o *Optimizer) bars(days int) int {
	return int(time.Duration(days) * 24 * time.Hour / o.period)
}

// candidates pregenerates the whole search budget from the seed. The
// incumbent always occupies slot zero so doing nothing stays in the race.
func (o *Optimizer) candidates(incumbent strategy.Params, seed int64) []strategy.Params {
	rng := rand.New(rand.NewSource(seed))
	r := o.cfg.Ranges
	out := make([]strategy.Params, 0, o.cfg.MaxCandidates)
	out = append(out, incumbent)
	for len(out) < o.cfg.MaxCandidates {
		c := incumbent
		c.SMAShort = randInt(rng, r.SMAShortMin, r.SMAShortMax)
		longMin := r.SMALongMin
		if c.SMAShort+1 > longMin {
			longMin = c.SMAShort + 1
		}
		c.SMALong = randInt(rng, longMin, r.SMALongMax)
		c.RSIPeriod = randInt(rng, r.RSIPeriodMin, r.RSIPeriodMax)
		c.RSIOverbought = randFloat(rng, r.RSIOverboughtMin, r.RSIOverboughtMax)
		c.RSIOversold = randFloat(rng, r.RSIOversoldMin, r.RSIOversoldMax)
		c.MaxPositionSize = randFloat(rng, r.MaxPositionMin, r.MaxPositionMax)
		c.StopLossPct = randFloat(rng, r.StopLossMin, r.StopLossMax)
		c.TakeProfitPct = randFloat(rng, r.TakeProfitMin, r.TakeProfitMax)
		if err := c.Validate(); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (o *Optimizer) evaluate(ctx context.Context, p strategy.Params, candles []signal.Candle) (float64, error) {
	engine, err := backtest.NewEngine(backtest.Config{
		Symbol:         o.cfg.Symbol,
		Timeframe:      o.cfg.Timeframe,
		InitialBalance: o.cfg.InitialBalance,
		RiskFreeRate:   o.cfg.RiskFreeRate,
		FillModel:      o.cfg.FillModel,
		Params:         p,
	}, zerolog.Nop())
	if err != nil {
		return 0, err
	}
	report, err := engine.Run(ctx, candles)
	if err != nil {
		return 0, err
	}
	score := o.cfg.Objective(report)
	if math.IsNaN(score) {
		return math.Inf(-1), nil
	}
	return score, nil
}

func minHistory(p strategy.Params) (int, error) {
	engine, err := indicator.NewEngine(p.IndicatorConfig())
	if err != nil {
		return 0, err
	}
	return engine.MinHistory(), nil
}

func randInt(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}

func randFloat(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
