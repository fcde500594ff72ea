package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quantbot-go/internal/execution"
	"quantbot-go/internal/risk"
	"quantbot-go/internal/signal"
	"quantbot-go/internal/strategy"
)

type fakeGateway struct {
	price  float64
	orders []execution.Order
	fail   error
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, order execution.Order) (execution.Fill, error) {
	if g.fail != nil {
		return execution.Fill{}, g.fail
	}
	g.orders = append(g.orders, order)
	return execution.Fill{
		Symbol:   order.Symbol,
		Side:     order.Side,
		Price:    g.price,
		Quantity: 1,
		Notional: g.price,
		Ts:       time.Now(),
	}, nil
}

func (g *fakeGateway) Balance(ctx context.Context) (float64, error) { return 10000, nil }

func (g *fakeGateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return g.price, nil
}

type fakePredictor struct {
	prob float64
	err  error
}

func (p *fakePredictor) Predict([]float64) (float64, error) { return p.prob, p.err }

type fakeScorer struct {
	score    float64
	degraded bool
	calls    int
}

func (s *fakeScorer) Score(context.Context) (float64, bool) {
	s.calls++
	return s.score, s.degraded
}

// mlOnlyParams gives the ML contributor the whole fusion weight so tests can
// force entries through the fake predictor.
func mlOnlyParams() strategy.Params {
	p := strategy.Default()
	p.TechnicalWeight = 0
	p.MLWeight = 1
	p.SentimentWeight = 0
	return p
}

func newEngine(t *testing.T, p strategy.Params, gw execution.OrderGateway, pred Predictor, scorer SentimentScorer) *Engine {
	t.Helper()
	store, err := strategy.NewStore(p)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	engine, err := New(Config{Symbol: "BTCUSDT"}, store, gw, pred, scorer, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine
}

func candleAt(i int, close float64) signal.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return signal.Candle{
		Ts:     base.Add(time.Duration(i) * time.Hour),
		Open:   close,
		High:   close * 1.001,
		Low:    close * 0.999,
		Close:  close,
		Volume: 1000,
	}
}

// warmUp feeds flat candles until indicators are fully defined with default
// windows (34 bars).
func warmUp(t *testing.T, e *Engine, bars int) {
	t.Helper()
	for i := 0; i < bars; i++ {
		if err := e.Cycle(context.Background(), candleAt(i, 100)); err != nil {
			t.Fatalf("warm-up cycle %d: %v", i, err)
		}
	}
}

func TestCycleHoldsDuringWarmup(t *testing.T) {
	gw := &fakeGateway{price: 100}
	e := newEngine(t, mlOnlyParams(), gw, &fakePredictor{prob: 1}, nil)

	warmUp(t, e, 33)
	if len(gw.orders) != 0 {
		t.Fatalf("no orders expected during warm-up, got %+v", gw.orders)
	}
	if e.State() != risk.StateFlat {
		t.Fatalf("expected FLAT during warm-up, got %s", e.State())
	}
}

func TestCycleEntersOnStrongMLSignal(t *testing.T) {
	gw := &fakeGateway{price: 100}
	e := newEngine(t, mlOnlyParams(), gw, &fakePredictor{prob: 1}, nil)

	warmUp(t, e, 34)
	if len(gw.orders) != 1 {
		t.Fatalf("expected one order, got %+v", gw.orders)
	}
	order := gw.orders[0]
	if order.Side != execution.Buy || order.Size != 0.1 {
		t.Fatalf("order = %+v, want BUY size 0.1", order)
	}
	if e.State() != risk.StateLong {
		t.Fatalf("expected LONG after entry, got %s", e.State())
	}

	// Further BUY signals while LONG are ignored.
	if err := e.Cycle(context.Background(), candleAt(34, 100)); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(gw.orders) != 1 {
		t.Fatalf("re-entry while LONG must be ignored, got %+v", gw.orders)
	}
}

func TestCycleStopsOutThroughGateway(t *testing.T) {
	gw := &fakeGateway{price: 100}
	e := newEngine(t, mlOnlyParams(), gw, &fakePredictor{prob: 1}, nil)
	warmUp(t, e, 35) // entry at bar 33, one LONG bar after

	// 2% stop from entry 100 sits at 98; a 97 close must exit.
	gw.price = 97
	if err := e.Cycle(context.Background(), candleAt(35, 97)); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(gw.orders) != 2 || gw.orders[1].Side != execution.Sell {
		t.Fatalf("expected a SELL order, got %+v", gw.orders)
	}
	if e.State() != risk.StateFlat {
		t.Fatalf("expected FLAT after stop-out, got %s", e.State())
	}
}

func TestCycleGatewayErrorAbortsWithoutStateChange(t *testing.T) {
	gw := &fakeGateway{price: 100}
	e := newEngine(t, mlOnlyParams(), gw, &fakePredictor{prob: 1}, nil)
	warmUp(t, e, 33)

	gw.fail = &execution.GatewayError{Op: "place_order", Err: errors.New("venue offline")}
	err := e.Cycle(context.Background(), candleAt(33, 100))
	var gwErr *execution.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if e.State() != risk.StateFlat {
		t.Fatalf("failed order must not open a position, got %s", e.State())
	}

	// The next cycle retries the entry once the venue recovers.
	gw.fail = nil
	if err := e.Cycle(context.Background(), candleAt(34, 100)); err != nil {
		t.Fatalf("Cycle after recovery: %v", err)
	}
	if e.State() != risk.StateLong {
		t.Fatalf("expected LONG after recovery, got %s", e.State())
	}
}

func TestCycleSkipsStaleCandles(t *testing.T) {
	gw := &fakeGateway{price: 100}
	e := newEngine(t, strategy.Default(), gw, nil, nil)

	if err := e.Cycle(context.Background(), candleAt(5, 100)); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	// Replayed and older candles are dropped, not errors.
	if err := e.Cycle(context.Background(), candleAt(5, 100)); err != nil {
		t.Fatalf("duplicate candle must be skipped, got %v", err)
	}
	if err := e.Cycle(context.Background(), candleAt(3, 100)); err != nil {
		t.Fatalf("older candle must be skipped, got %v", err)
	}
	if got := len(e.History()); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
}

func TestCycleNeutralFallbacksWithoutSideInputs(t *testing.T) {
	gw := &fakeGateway{price: 100}
	e := newEngine(t, strategy.Default(), gw, nil, nil)

	warmUp(t, e, 40)
	if len(gw.orders) != 0 {
		t.Fatalf("flat prices with neutral inputs must not trade, got %+v", gw.orders)
	}
}

func TestCycleCachesSentimentBetweenCycles(t *testing.T) {
	gw := &fakeGateway{price: 100}
	scorer := &fakeScorer{score: 0.5}
	e := newEngine(t, strategy.Default(), gw, nil, scorer)

	warmUp(t, e, 36)
	if scorer.calls != 1 {
		t.Fatalf("scorer called %d times, want 1 within the TTL", scorer.calls)
	}
}

func TestCycleRetriesDegradedSentiment(t *testing.T) {
	gw := &fakeGateway{price: 100}
	scorer := &fakeScorer{degraded: true}
	e := newEngine(t, strategy.Default(), gw, nil, scorer)

	warmUp(t, e, 36)
	// Degraded results are never cached, so every post-warm-up cycle retries.
	if scorer.calls != 3 {
		t.Fatalf("scorer called %d times, want 3 retries", scorer.calls)
	}
}

func TestNewValidatesWiring(t *testing.T) {
	store, err := strategy.NewStore(strategy.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := New(Config{}, store, &fakeGateway{}, nil, nil, zerolog.Nop()); err == nil {
		t.Fatalf("missing symbol must fail")
	}
	if _, err := New(Config{Symbol: "BTCUSDT"}, nil, &fakeGateway{}, nil, nil, zerolog.Nop()); err == nil {
		t.Fatalf("nil store must fail")
	}
	if _, err := New(Config{Symbol: "BTCUSDT"}, store, nil, nil, nil, zerolog.Nop()); err == nil {
		t.Fatalf("nil gateway must fail")
	}
}
