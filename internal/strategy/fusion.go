package strategy

import (
	"math"
	"time"

	"quantbot-go/internal/indicator"
	"quantbot-go/internal/signal"
)

// Contributor names used in signal breakdowns.
const (
	ContribTechnical = "technical"
	ContribML        = "ml"
	ContribSentiment = "sentiment"
)

// Inputs gathers the three contributor values for one fusion cycle.
// Degraded contributors carry a neutral value and are excluded from the
// weighted sum; their weight is redistributed over the remaining ones.
type Inputs struct {
	Snapshot          indicator.Snapshot
	MLProbability     float64 // [0,1], probability of upward movement
	MLDegraded        bool
	Sentiment         float64 // [-1,1]
	SentimentDegraded bool
}

// Fuse combines the technical rule, classifier probability, and sentiment
// score into one signal. It is a pure function of its arguments: identical
// inputs always produce the identical signal.
func Fuse(p Params, in Inputs, ts time.Time) signal.Signal {
	type contributor struct {
		name     string
		score    float64
		weight   float64
		degraded bool
	}

	techScore, techOK := technicalScore(p, in.Snapshot)
	contributors := []contributor{
		{ContribTechnical, techScore, p.TechnicalWeight, !techOK},
		{ContribML, 2*in.MLProbability - 1, p.MLWeight, in.MLDegraded},
		{ContribSentiment, clamp(in.Sentiment, -1, 1), p.SentimentWeight, in.SentimentDegraded},
	}

	var active float64
	for _, c := range contributors {
		if !c.degraded {
			active += c.weight
		}
	}

	breakdown := make(map[string]float64, len(contributors))
	var sum float64
	for _, c := range contributors {
		if c.degraded || active == 0 {
			breakdown[c.name] = 0
			continue
		}
		contribution := (c.weight / active) * c.score
		breakdown[c.name] = contribution
		sum += contribution
	}

	dir := signal.Hold
	switch {
	case sum > p.SignalThreshold:
		dir = signal.Buy
	case sum < -p.SignalThreshold:
		dir = signal.Sell
	}

	return signal.Signal{
		Direction:  dir,
		Confidence: clamp(math.Abs(sum), 0, 1),
		Breakdown:  breakdown,
		Ts:         ts,
	}
}

// technicalScore applies the crossover rule: +1 when the short SMA crosses
// above the long SMA with RSI below overbought, -1 for the mirror condition.
// The second return is false when the required indicators are not yet defined.
func technicalScore(p Params, s indicator.Snapshot) (float64, bool) {
	if !s.HasSMAShort || !s.HasSMALong || !s.HasPrevSMA || !s.HasRSI {
		return 0, false
	}
	crossedAbove := s.PrevSMAShort <= s.PrevSMALong && s.SMAShort > s.SMALong
	crossedBelow := s.PrevSMAShort >= s.PrevSMALong && s.SMAShort < s.SMALong
	switch {
	case crossedAbove && s.RSI < p.RSIOverbought:
		return 1, true
	case crossedBelow && s.RSI > p.RSIOversold:
		return -1, true
	default:
		return 0, true
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
