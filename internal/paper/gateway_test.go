package paper

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quantbot-go/internal/execution"
)

type memRecorder struct {
	fills []execution.Fill
	fail  error
}

func (r *memRecorder) Record(f execution.Fill) error {
	if r.fail != nil {
		return r.fail
	}
	r.fills = append(r.fills, f)
	return nil
}

func TestBuySizesAgainstEquity(t *testing.T) {
	rec := &memRecorder{}
	g := NewGateway("BTCUSDT", 10000, rec)
	g.SetMark(100)

	fill, err := g.PlaceOrder(context.Background(), execution.Order{
		Symbol: "BTCUSDT", Side: execution.Buy, Size: 0.1, Type: execution.Market,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if math.Abs(fill.Notional-1000) > 1e-9 || math.Abs(fill.Quantity-10) > 1e-9 {
		t.Fatalf("fill = %+v, want 1000 notional / 10 qty", fill)
	}
	snap := g.Snapshot()
	if math.Abs(snap.Cash-9000) > 1e-9 || math.Abs(snap.Quantity-10) > 1e-9 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if math.Abs(snap.Equity-10000) > 1e-9 {
		t.Fatalf("equity changed on fill: %.4f", snap.Equity)
	}
	if len(rec.fills) != 1 {
		t.Fatalf("recorder captured %d fills, want 1", len(rec.fills))
	}
}

func TestSellClosesWholePositionAndRealizesPnL(t *testing.T) {
	g := NewGateway("BTCUSDT", 10000, nil)
	g.SetMark(100)
	if _, err := g.PlaceOrder(context.Background(), execution.Order{
		Symbol: "BTCUSDT", Side: execution.Buy, Size: 0.1, Type: execution.Market,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	g.SetMark(110)
	fill, err := g.PlaceOrder(context.Background(), execution.Order{
		Symbol: "BTCUSDT", Side: execution.Sell, Type: execution.Market,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if math.Abs(fill.Quantity-10) > 1e-9 {
		t.Fatalf("sell quantity = %.4f, want full 10", fill.Quantity)
	}
	snap := g.Snapshot()
	if snap.Quantity != 0 {
		t.Fatalf("position not flat after sell: %+v", snap)
	}
	if math.Abs(snap.RealizedPnL-100) > 1e-9 {
		t.Fatalf("realized pnl = %.4f, want 100", snap.RealizedPnL)
	}
	if math.Abs(snap.Cash-10100) > 1e-9 {
		t.Fatalf("cash = %.4f, want 10100", snap.Cash)
	}
}

func TestOrderErrorsWrapGatewayError(t *testing.T) {
	g := NewGateway("BTCUSDT", 1000, nil)

	// No mark price yet.
	_, err := g.PlaceOrder(context.Background(), execution.Order{
		Symbol: "BTCUSDT", Side: execution.Buy, Size: 0.1,
	})
	var gwErr *execution.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}

	g.SetMark(100)
	if _, err := g.PlaceOrder(context.Background(), execution.Order{
		Symbol: "ETHUSDT", Side: execution.Buy, Size: 0.1,
	}); !errors.As(err, &gwErr) {
		t.Fatalf("unknown symbol must fail, got %v", err)
	}
	if _, err := g.PlaceOrder(context.Background(), execution.Order{
		Symbol: "BTCUSDT", Side: execution.Sell,
	}); !errors.As(err, &gwErr) {
		t.Fatalf("sell while flat must fail, got %v", err)
	}
	if _, err := g.PlaceOrder(context.Background(), execution.Order{
		Symbol: "BTCUSDT", Side: execution.Buy, Size: 1.5,
	}); !errors.As(err, &gwErr) {
		t.Fatalf("oversized buy must fail, got %v", err)
	}
}

func TestRecorderFailureLeavesBookUntouched(t *testing.T) {
	rec := &memRecorder{fail: errors.New("disk full")}
	g := NewGateway("BTCUSDT", 10000, rec)
	g.SetMark(100)

	_, err := g.PlaceOrder(context.Background(), execution.Order{
		Symbol: "BTCUSDT", Side: execution.Buy, Size: 0.1, Type: execution.Market,
	})
	var gwErr *execution.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError from failed journal, got %v", err)
	}
	snap := g.Snapshot()
	if snap.Cash != 10000 || snap.Quantity != 0 {
		t.Fatalf("book mutated despite journal failure: %+v", snap)
	}

	// Once the journal recovers, the same order goes through.
	rec.fail = nil
	if _, err := g.PlaceOrder(context.Background(), execution.Order{
		Symbol: "BTCUSDT", Side: execution.Buy, Size: 0.1, Type: execution.Market,
	}); err != nil {
		t.Fatalf("PlaceOrder after recovery: %v", err)
	}
	if len(rec.fills) != 1 {
		t.Fatalf("recorder captured %d fills, want 1", len(rec.fills))
	}
}

func TestCancelledContextRejectsOrders(t *testing.T) {
	g := NewGateway("BTCUSDT", 1000, nil)
	g.SetMark(100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.PlaceOrder(ctx, execution.Order{Symbol: "BTCUSDT", Side: execution.Buy, Size: 0.1}); err == nil {
		t.Fatalf("cancelled context must fail the order")
	}
	if _, err := g.Balance(ctx); err == nil {
		t.Fatalf("cancelled context must fail balance")
	}
}

func TestCurrentPriceTracksMark(t *testing.T) {
	g := NewGateway("BTCUSDT", 1000, nil)
	if _, err := g.CurrentPrice(context.Background(), "BTCUSDT"); err == nil {
		t.Fatalf("price before any mark must fail")
	}
	g.SetMark(123.45)
	price, err := g.CurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if price != 123.45 {
		t.Fatalf("price = %.4f, want 123.45", price)
	}
}

func TestJSONLRecorderAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fills", "paper.jsonl")
	rec, err := NewJSONLRecorder(path)
	if err != nil {
		t.Fatalf("NewJSONLRecorder: %v", err)
	}
	if err := rec.Record(execution.Fill{Symbol: "BTCUSDT", Side: execution.Buy, Price: 100, Quantity: 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Record(execution.Fill{Symbol: "BTCUSDT", Side: execution.Sell, Price: 110, Quantity: 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"side":"BUY"`) || !strings.Contains(lines[1], `"side":"SELL"`) {
		t.Fatalf("unexpected lines: %v", lines)
	}
}
