// Package paper implements an in-memory OrderGateway for paper trading:
// virtual cash, one marked position, and simulated market fills.
package paper

import (
	"context"
	"errors"
	"sync"
	"time"

	"quantbot-go/internal/execution"
)

const epsilon = 1e-9

// FillRecorder journals simulated fills for later inspection. A Record error
// rejects the order before the book is touched.
type FillRecorder interface {
	Record(execution.Fill) error
}

// Gateway tracks virtual cash and the single open position while trading in
// paper mode. It satisfies execution.OrderGateway.
type Gateway struct {
	mu           sync.Mutex
	symbol       string
	startingCash float64
	cash         float64
	quantity     float64
	avgCost      float64
	mark         float64
	realizedPnL  float64
	recorder     FillRecorder
	now          func() time.Time
}

// Snapshot is a read-only view of the paper account.
type Snapshot struct {
	Cash        float64
	Quantity    float64
	AvgCost     float64
	Equity      float64
	RealizedPnL float64
}

// NewGateway constructs a paper gateway with starting cash for one symbol.
// recorder may be nil.
func NewGateway(symbol string, startingCash float64, recorder FillRecorder) *Gateway {
	return &Gateway{
		symbol:       symbol,
		startingCash: startingCash,
		cash:         startingCash,
		recorder:     recorder,
		now:          time.Now,
	}
}

// SetMark updates the mark price used for equity, sizing, and CurrentPrice.
// The cycle calls it with each fresh candle close.
func (g *Gateway) SetMark(price float64) {
	g.mu.Lock()
	g.mark = price
	g.mu.Unlock()
}

// PlaceOrder simulates a market fill at the current mark price. Buy size is a
// fraction of equity; a sell closes the whole position.
func (g *Gateway) PlaceOrder(ctx context.Context, order execution.Order) (execution.Fill, error) {
	if err := ctx.Err(); err != nil {
		return execution.Fill{}, &execution.GatewayError{Op: "place_order", Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if order.Symbol != g.symbol {
		return execution.Fill{}, &execution.GatewayError{Op: "place_order", Err: errors.New("unknown symbol")}
	}
	if g.mark <= 0 {
		return execution.Fill{}, &execution.GatewayError{Op: "place_order", Err: errors.New("no mark price")}
	}

	switch order.Side {
	case execution.Buy:
		if order.Size <= 0 || order.Size > 1 {
			return execution.Fill{}, &execution.GatewayError{Op: "place_order", Err: errors.New("buy size must be in (0,1]")}
		}
		notional := g.equityLocked() * order.Size
		if notional > g.cash+epsilon {
			return execution.Fill{}, &execution.GatewayError{Op: "place_order", Err: errors.New("insufficient cash")}
		}
		qty := notional / g.mark
		f := g.newFill(execution.Buy, qty, notional)
		if err := g.journal(f); err != nil {
			return execution.Fill{}, &execution.GatewayError{Op: "record_fill", Err: err}
		}
		newQty := g.quantity + qty
		g.avgCost = (g.avgCost*g.quantity + notional) / newQty
		g.quantity = newQty
		g.cash -= notional
		return f, nil

	case execution.Sell:
		if g.quantity <= epsilon {
			return execution.Fill{}, &execution.GatewayError{Op: "place_order", Err: errors.New("no position to sell")}
		}
		qty := g.quantity
		notional := qty * g.mark
		f := g.newFill(execution.Sell, qty, notional)
		if err := g.journal(f); err != nil {
			return execution.Fill{}, &execution.GatewayError{Op: "record_fill", Err: err}
		}
		g.realizedPnL += (g.mark - g.avgCost) * qty
		g.cash += notional
		g.quantity = 0
		g.avgCost = 0
		return f, nil

	default:
		return execution.Fill{}, &execution.GatewayError{Op: "place_order", Err: errors.New("unknown order side")}
	}
}

func (g *Gateway) newFill(side execution.Side, qty, notional float64) execution.Fill {
	return execution.Fill{
		Symbol:   g.symbol,
		Side:     side,
		Price:    g.mark,
		Quantity: qty,
		Notional: notional,
		Ts:       g.now(),
	}
}

// journal writes the fill ahead of the book mutation, so the account never
// holds a position the journal does not show.
func (g *Gateway) journal(f execution.Fill) error {
	if g.recorder == nil {
		return nil
	}
	return g.recorder.Record(f)
}

// Balance returns portfolio equity: cash plus the marked position value.
func (g *Gateway) Balance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &execution.GatewayError{Op: "get_balance", Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.equityLocked(), nil
}

// CurrentPrice returns the latest mark price.
func (g *Gateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &execution.GatewayError{Op: "get_current_price", Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if symbol != g.symbol {
		return 0, &execution.GatewayError{Op: "get_current_price", Err: errors.New("unknown symbol")}
	}
	if g.mark <= 0 {
		return 0, &execution.GatewayError{Op: "get_current_price", Err: errors.New("no mark price")}
	}
	return g.mark, nil
}

// Snapshot returns a copy of the account state.
func (g *Gateway) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Cash:        g.cash,
		Quantity:    g.quantity,
		AvgCost:     g.avgCost,
		Equity:      g.equityLocked(),
		RealizedPnL: g.realizedPnL,
	}
}

func (g *Gateway) equityLocked() float64 {
	return g.cash + g.quantity*g.mark
}
