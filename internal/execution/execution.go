// Package execution defines the order gateway contract between the decision
// core and exchange connectivity.
package execution

import (
	"context"
	"fmt"
	"time"
)

// Side enumerates order directions.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Order is a placement request. Size is a fraction of portfolio equity for
// buys; sells close the full open position in the single-asset scope.
type Order struct {
	Symbol string
	Side   Side
	Size   float64
	Type   OrderType
}

// Fill reports the executed price and quantity for an order.
type Fill struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Notional float64   `json:"notional"`
	Ts       time.Time `json:"ts"`
}

// GatewayError wraps any exchange-side failure. The core propagates it to the
// caller for retry; it never retries internally.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// OrderGateway abstracts exchange connectivity for the decision core.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, order Order) (Fill, error)
	Balance(ctx context.Context) (float64, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}
