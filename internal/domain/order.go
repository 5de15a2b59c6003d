package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

// String returns the string representation of the side.
func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusOpen
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusFailed
)

// String returns the string representation of the status.
func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusOpen:
		return "open"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	case OrderStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final. Terminal orders are never mutated again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// Order is a limit order tracked against the venue.
type Order struct {
	ID            string
	Pair          Pair
	Side          Side
	Price         decimal.Decimal
	RequestedSize decimal.Decimal
	FilledSize    decimal.Decimal
	Status        OrderStatus
	Attempts      int
	CreatedAt     time.Time
	LastError     string
}

// Remaining returns the unfilled portion of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.RequestedSize.Sub(o.FilledSize)
}
