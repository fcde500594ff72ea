// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"quantbot-go/internal/strategy"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Exchange describes market data connectivity for the traded symbol.
type Exchange struct {
	Provider  string `yaml:"provider"`
	Symbol    string `yaml:"symbol"`
	Timeframe string `yaml:"timeframe"`
	WSBaseURL string `yaml:"ws_base_url"`
}

// Trading tunes the live cycle loop and the paper account.
type Trading struct {
	StartingCash     float64 `yaml:"starting_cash"`
	CycleTimeoutMs   int     `yaml:"cycle_timeout_ms"`
	ErrorCooldownSec int     `yaml:"error_cooldown_sec"`
	FillsPath        string  `yaml:"fills_path"`
	ParamsPath       string  `yaml:"params_path"`
}

// ML configures the classifier and its background retrainer.
type ML struct {
	Enabled            bool    `yaml:"enabled"`
	RetrainIntervalMin int     `yaml:"retrain_interval_min"`
	TrainingWindow     int     `yaml:"training_window"`
	Epochs             int     `yaml:"epochs"`
	LearningRate       float64 `yaml:"learning_rate"`
}

// SentimentSource is one static contributor to the sentiment aggregate.
type SentimentSource struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
	Score  float64 `yaml:"score"`
}

// Sentiment configures the aggregator and its per-source timeout.
type Sentiment struct {
	Enabled     bool              `yaml:"enabled"`
	TimeoutMs   int               `yaml:"timeout_ms"`
	CacheTTLSec int               `yaml:"cache_ttl_sec"`
	Sources     []SentimentSource `yaml:"sources"`
}

// Backtest configures offline replay runs.
type Backtest struct {
	HistoryPath    string  `yaml:"history_path"`
	InitialBalance float64 `yaml:"initial_balance"`
	RiskFreeRate   float64 `yaml:"risk_free_rate"`
	FillModel      string  `yaml:"fill_model"`
	ReportPath     string  `yaml:"report_path"`
}

// Optimizer configures walk-forward parameter search.
type Optimizer struct {
	InSampleDays    int     `yaml:"in_sample_days"`
	OutSampleDays   int     `yaml:"out_sample_days"`
	MaxCandidates   int     `yaml:"max_candidates"`
	Seed            int64   `yaml:"seed"`
	DegradationBand float64 `yaml:"degradation_band"`
	Parallelism     int     `yaml:"parallelism"`
	Objective       string  `yaml:"objective"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App             `yaml:"app"`
	Exchange  Exchange        `yaml:"exchange"`
	Trading   Trading         `yaml:"trading"`
	Strategy  strategy.Params `yaml:"strategy"`
	ML        ML              `yaml:"ml"`
	Sentiment Sentiment       `yaml:"sentiment"`
	Backtest  Backtest        `yaml:"backtest"`
	Optimizer Optimizer       `yaml:"optimizer"`
}

// Load reads a YAML file from disk, hydrates a Config struct, and validates it.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the cross-field invariants the pipeline assumes.
func (c *Config) Validate() error {
	if c.Exchange.Symbol == "" {
		return fmt.Errorf("exchange.symbol is required")
	}
	if c.Exchange.Timeframe == "" {
		return fmt.Errorf("exchange.timeframe is required")
	}
	if c.Trading.StartingCash <= 0 {
		return fmt.Errorf("trading.starting_cash must be positive, got %.2f", c.Trading.StartingCash)
	}
	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	var weightSum float64
	for _, src := range c.Sentiment.Sources {
		if src.Name == "" {
			return fmt.Errorf("sentiment source without a name")
		}
		weightSum += src.Weight
	}
	if len(c.Sentiment.Sources) > 0 && weightSum <= 0 {
		return fmt.Errorf("sentiment source weights must sum to a positive value")
	}
	return nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
