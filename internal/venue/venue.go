// Package venue defines the exchange connectivity contract consumed by the engine.
// Every call may be slow, rate-limited, or lying about success; callers reconcile
// instead of trusting a bare ok.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"gridpilot/internal/domain"
)

// OrderRequest describes a limit order to be placed.
type OrderRequest struct {
	Pair          domain.Pair
	Side          domain.Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	ClientOrderID string
}

// OpenOrder is an order the venue currently reports as open.
type OpenOrder struct {
	ClientOrderID string
	Pair          domain.Pair
	Side          domain.Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
}

// OrderState is the venue-reported state of a single order.
type OrderState struct {
	Status     domain.OrderStatus
	FilledSize decimal.Decimal
	Fee        decimal.Decimal
}

// Venue is the exchange collaborator contract.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) error
	CancelOrder(ctx context.Context, pair domain.Pair, clientOrderID string) error
	OpenOrders(ctx context.Context, pair domain.Pair) ([]OpenOrder, error)
	OrderState(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error)
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
	Candles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error)
	Ticker(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}
