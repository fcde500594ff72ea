// Package strategy holds the tunable parameter set and the signal fusion rule
// that turns indicator, model, and sentiment inputs into one decision.
package strategy

import (
	"fmt"
	"math"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"quantbot-go/internal/indicator"
)

// Params is the complete tunable strategy parameter set. It is replaced
// atomically through a Store; nothing mutates an individual field in place.
type Params struct {
	SMAShort      int     `yaml:"sma_short"`
	SMALong       int     `yaml:"sma_long"`
	RSIPeriod     int     `yaml:"rsi_period"`
	RSIOverbought float64 `yaml:"rsi_overbought"`
	RSIOversold   float64 `yaml:"rsi_oversold"`
	BollWindow    int     `yaml:"bollinger_window"`
	BollK         float64 `yaml:"bollinger_k"`

	SignalThreshold float64 `yaml:"signal_threshold"`
	TechnicalWeight float64 `yaml:"technical_weight"`
	MLWeight        float64 `yaml:"ml_weight"`
	SentimentWeight float64 `yaml:"sentiment_weight"`

	EntryConfidenceMin float64 `yaml:"entry_confidence_min"`
	ExitConfidenceMin  float64 `yaml:"exit_confidence_min"`

	MaxPositionSize float64 `yaml:"max_position_size"`
	BaseSize        float64 `yaml:"base_size"`
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`

	TrailingStopEnabled   bool    `yaml:"trailing_stop_enabled"`
	TrailingActivationPct float64 `yaml:"trailing_activation_pct"`
	TrailingStopPct       float64 `yaml:"trailing_stop_pct"`
}

// Default returns the starting parameter set used before any optimization run.
func Default() Params {
	return Params{
		SMAShort:      10,
		SMALong:       30,
		RSIPeriod:     14,
		RSIOverbought: 70,
		RSIOversold:   30,
		BollWindow:    20,
		BollK:         2,

		SignalThreshold: 0.2,
		TechnicalWeight: 0.5,
		MLWeight:        0.3,
		SentimentWeight: 0.2,

		EntryConfidenceMin: 0.3,
		ExitConfidenceMin:  0.3,

		MaxPositionSize: 0.1,
		BaseSize:        0.1,
		StopLossPct:     0.02,
		TakeProfitPct:   0.05,

		TrailingStopEnabled:   false,
		TrailingActivationPct: 0.01,
		TrailingStopPct:       0.005,
	}
}

// Validate enforces every parameter invariant in one place so the pipeline
// can assume a well-formed set.
func (p Params) Validate() error {
	if p.SMAShort < 1 || p.SMAShort >= p.SMALong {
		return fmt.Errorf("sma_short (%d) must be positive and < sma_long (%d)", p.SMAShort, p.SMALong)
	}
	if p.RSIPeriod < 2 {
		return fmt.Errorf("rsi_period must be >= 2, got %d", p.RSIPeriod)
	}
	if p.RSIOversold <= 0 || p.RSIOversold >= p.RSIOverbought || p.RSIOverbought >= 100 {
		return fmt.Errorf("need 0 < rsi_oversold (%.1f) < rsi_overbought (%.1f) < 100", p.RSIOversold, p.RSIOverbought)
	}
	if p.BollWindow < 2 || p.BollK <= 0 {
		return fmt.Errorf("invalid bollinger window %d / k %.2f", p.BollWindow, p.BollK)
	}
	if p.SignalThreshold <= 0 || p.SignalThreshold >= 1 {
		return fmt.Errorf("signal_threshold must be in (0,1), got %.3f", p.SignalThreshold)
	}
	if p.TechnicalWeight < 0 || p.MLWeight < 0 || p.SentimentWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}
	if sum := p.TechnicalWeight + p.MLWeight + p.SentimentWeight; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("fusion weights must sum to 1, got %.6f", sum)
	}
	if p.EntryConfidenceMin < 0 || p.EntryConfidenceMin > 1 || p.ExitConfidenceMin < 0 || p.ExitConfidenceMin > 1 {
		return fmt.Errorf("confidence minimums must be in [0,1]")
	}
	for name, pct := range map[string]float64{
		"max_position_size": p.MaxPositionSize,
		"base_size":         p.BaseSize,
		"stop_loss_pct":     p.StopLossPct,
		"take_profit_pct":   p.TakeProfitPct,
	} {
		if pct <= 0 || pct > 1 {
			return fmt.Errorf("%s must be in (0,1], got %.4f", name, pct)
		}
	}
	if p.TrailingStopEnabled {
		if p.TrailingStopPct <= 0 || p.TrailingStopPct >= p.TrailingActivationPct || p.TrailingActivationPct >= 1 {
			return fmt.Errorf("need 0 < trailing_stop_pct (%.4f) < trailing_activation_pct (%.4f) < 1",
				p.TrailingStopPct, p.TrailingActivationPct)
		}
	}
	return nil
}

// IndicatorConfig maps the parameter set onto indicator engine windows.
func (p Params) IndicatorConfig() indicator.Config {
	return indicator.Config{
		SMAShort:   p.SMAShort,
		SMALong:    p.SMALong,
		RSIPeriod:  p.RSIPeriod,
		BollWindow: p.BollWindow,
		BollK:      p.BollK,
	}
}

// Save persists the parameter set to disk as YAML so a restart resumes with
// the last-optimized values.
func Save(path string, p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid params: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write params: %w", err)
	}
	return nil
}

// Load reads a previously persisted parameter set and validates it.
func Load(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read params: %w", err)
	}
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("decode params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Store publishes the active parameter set; Swap replaces the whole set
// atomically so readers never observe a partial update.
type Store struct {
	mu sync.RWMutex
	p  Params
}

// NewStore builds a store seeded with a validated parameter set.
func NewStore(p Params) (*Store, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Store{p: p}, nil
}

// Current returns the active parameter set by value.
func (s *Store) Current() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

// Swap validates and installs a replacement parameter set.
func (s *Store) Swap(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
	return nil
}
