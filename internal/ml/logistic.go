// Package ml wraps a trained direction classifier behind a single-writer,
// multiple-reader adapter with atomic model replacement.
package ml

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrModelNotTrained is returned by Predict before any successful Train.
var ErrModelNotTrained = errors.New("model not trained")

// ErrDegenerateLabels is returned when the training labels contain only one class.
var ErrDegenerateLabels = errors.New("degenerate label distribution")

// Model is an immutable trained logistic-regression classifier. Inputs are
// standardized with the column statistics captured at training time.
type Model struct {
	weights []float64
	bias    float64
	means   []float64
	stds    []float64
}

// Predict returns the probability of upward movement over the next cycle.
func (m *Model) Predict(features []float64) (float64, error) {
	if len(features) != len(m.weights) {
		return 0, fmt.Errorf("feature dimension %d does not match model dimension %d", len(features), len(m.weights))
	}
	z := m.bias
	for i, f := range features {
		z += m.weights[i] * (f - m.means[i]) / m.stds[i]
	}
	return sigmoid(z), nil
}

// TrainerConfig tunes the gradient-descent fit. Zero values take defaults.
type TrainerConfig struct {
	Epochs       int
	LearningRate float64
}

func (c TrainerConfig) withDefaults() TrainerConfig {
	if c.Epochs <= 0 {
		c.Epochs = 300
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.1
	}
	return c
}

// Train fits a logistic regression by batch gradient descent. The context is
// checked between epochs so a retraining task stays cancellable.
func Train(ctx context.Context, cfg TrainerConfig, features [][]float64, labels []int) (*Model, error) {
	cfg = cfg.withDefaults()
	n := len(features)
	if n == 0 || n != len(labels) {
		return nil, fmt.Errorf("training set has %d rows and %d labels", n, len(labels))
	}
	dim := len(features[0])
	if dim == 0 {
		return nil, errors.New("empty feature vectors")
	}

	var positives int
	flat := make([]float64, 0, n*dim)
	for i, row := range features {
		if len(row) != dim {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), dim)
		}
		flat = append(flat, row...)
		if labels[i] != 0 {
			positives++
		}
	}
	if positives == 0 || positives == n {
		return nil, fmt.Errorf("%w: %d/%d positive", ErrDegenerateLabels, positives, n)
	}

	X := mat.NewDense(n, dim, flat)

	// Column standardization; constant columns keep unit scale.
	means := make([]float64, dim)
	stds := make([]float64, dim)
	col := make([]float64, n)
	for j := 0; j < dim; j++ {
		mat.Col(col, j, X)
		means[j] = stat.Mean(col, nil)
		stds[j] = stat.StdDev(col, nil)
		if stds[j] == 0 || math.IsNaN(stds[j]) {
			stds[j] = 1
		}
	}
	std := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < dim; j++ {
			std.Set(i, j, (X.At(i, j)-means[j])/stds[j])
		}
	}

	weights := make([]float64, dim)
	bias := 0.0
	gradW := make([]float64, dim)
	row := make([]float64, dim)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("training cancelled: %w", err)
		}
		for j := range gradW {
			gradW[j] = 0
		}
		gradB := 0.0
		for i := 0; i < n; i++ {
			mat.Row(row, i, std)
			p := sigmoid(bias + floats.Dot(weights, row))
			diff := p - float64(labels[i])
			for j := 0; j < dim; j++ {
				gradW[j] += diff * row[j]
			}
			gradB += diff
		}
		scale := cfg.LearningRate / float64(n)
		for j := 0; j < dim; j++ {
			weights[j] -= scale * gradW[j]
		}
		bias -= scale * gradB
	}

	return &Model{weights: weights, bias: bias, means: means, stds: stds}, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
