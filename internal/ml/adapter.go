package ml

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Adapter serves predictions from the most recently trained model. Training
// runs outside the lock and the finished model is published in one swap, so
// in-flight predictions keep using the previous model until replacement
// completes.
type Adapter struct {
	mu    sync.RWMutex
	model *Model
	cfg   TrainerConfig
	log   zerolog.Logger
}

// NewAdapter builds an adapter with no model; Predict fails with
// ErrModelNotTrained until the first successful Train.
func NewAdapter(cfg TrainerConfig, log zerolog.Logger) *Adapter {
	return &Adapter{cfg: cfg, log: log}
}

// Train fits a replacement model and installs it atomically. On failure the
// previous model keeps serving and the error is returned for warning-level
// handling by the caller.
func (a *Adapter) Train(ctx context.Context, features [][]float64, labels []int) error {
	model, err := Train(ctx, a.cfg, features, labels)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.model = model
	a.mu.Unlock()
	a.log.Info().Int("rows", len(features)).Msg("classifier retrained")
	return nil
}

// Predict returns the upward-movement probability from the active model.
func (a *Adapter) Predict(features []float64) (float64, error) {
	a.mu.RLock()
	model := a.model
	a.mu.RUnlock()
	if model == nil {
		return 0, ErrModelNotTrained
	}
	return model.Predict(features)
}

// Trained reports whether at least one train has completed.
func (a *Adapter) Trained() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model != nil
}
