// Package metrics exposes prometheus instrumentation for the trading pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CandlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "candles_total", Help: "Count of closed candles ingested"},
		[]string{"symbol"},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cycles_total", Help: "Decision cycles executed"},
		[]string{"symbol", "outcome"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Fused signals by direction"},
		[]string{"symbol", "direction"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_total", Help: "Closed positions by exit reason"},
		[]string{"symbol", "reason"},
	)
	OptimizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimizations_total", Help: "Walk-forward runs by outcome"},
		[]string{"outcome"},
	)
	Equity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "equity", Help: "Portfolio equity in quote currency"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(CandlesTotal, CyclesTotal, SignalsTotal, TradesTotal, OptimizationsTotal, Equity)
}

// Serve exposes /metrics on the given address in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
