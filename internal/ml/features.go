package ml

import (
	"errors"
	"fmt"

	"quantbot-go/internal/indicator"
	"quantbot-go/internal/signal"
)

// FeatureCount is the dimensionality of the classifier input vector.
const FeatureCount = 8

const volumeLookback = 10

// BuildFeatures derives the classifier input for candle index i from candles
// [0..i] and the indicator snapshot at i: short/medium/long returns, RSI,
// MACD histogram relative to price, Bollinger %B, volume ratio, and the
// short/long SMA spread.
func BuildFeatures(candles []signal.Candle, i int, snap indicator.Snapshot) ([]float64, error) {
	if i < volumeLookback || i >= len(candles) {
		return nil, fmt.Errorf("need at least %d prior candles, have %d", volumeLookback, i)
	}
	if !snap.HasRSI || !snap.HasMACD || !snap.HasBoll || !snap.HasSMAShort || !snap.HasSMALong {
		return nil, errors.New("indicator snapshot not fully defined")
	}
	close := candles[i].Close
	if close <= 0 {
		return nil, fmt.Errorf("non-positive close at index %d", i)
	}

	pctReturn := func(lag int) float64 {
		prev := candles[i-lag].Close
		if prev == 0 {
			return 0
		}
		return close/prev - 1
	}

	percentB := 0.5
	if width := snap.BollUpper - snap.BollLower; width > 0 {
		percentB = (close - snap.BollLower) / width
	}

	var avgVolume float64
	for j := i - volumeLookback; j < i; j++ {
		avgVolume += candles[j].Volume
	}
	avgVolume /= volumeLookback
	volumeRatio := 1.0
	if avgVolume > 0 {
		volumeRatio = candles[i].Volume / avgVolume
	}

	return []float64{
		pctReturn(1),
		pctReturn(5),
		pctReturn(10),
		snap.RSI / 100,
		snap.MACDHist / close,
		percentB,
		volumeRatio,
		snap.SMAShort/snap.SMALong - 1,
	}, nil
}

// BuildDataset walks the candle history once and emits one training row per
// fully-defined snapshot, labeled by whether the next close moved up.
func BuildDataset(candles []signal.Candle, engine *indicator.Engine) ([][]float64, []int, error) {
	if len(candles) < engine.MinHistory()+2 {
		return nil, nil, fmt.Errorf("%w: have %d candles", indicator.ErrInsufficientHistory, len(candles))
	}
	var (
		features [][]float64
		labels   []int
	)
	cur := engine.Cursor()
	for i := 0; i < len(candles)-1; i++ {
		snap, err := cur.Push(candles[i])
		if err != nil {
			continue
		}
		row, err := BuildFeatures(candles, i, snap)
		if err != nil {
			continue
		}
		features = append(features, row)
		label := 0
		if candles[i+1].Close > candles[i].Close {
			label = 1
		}
		labels = append(labels, label)
	}
	if len(features) == 0 {
		return nil, nil, errors.New("no training rows produced")
	}
	return features, labels, nil
}
