package venue

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridpilot/internal/domain"
)

type simOrder struct {
	pair   domain.Pair
	side   domain.Side
	price  decimal.Decimal
	size   decimal.Decimal
	filled decimal.Decimal
}

// Simulated is a paper venue. Market data comes from an optional backing
// venue (a keyless public API client works) or from prices pushed through
// SetPrice; orders rest in memory and fill when the mark price crosses them.
type Simulated struct {
	mu     sync.RWMutex
	data   Venue
	logger *zap.Logger

	wallet map[string]decimal.Decimal
	open   map[string]*simOrder
	done   map[string]OrderState
	marks  map[string]decimal.Decimal
}

// NewSimulated creates a paper venue seeded with the given balances.
// data may be nil when prices are driven through SetPrice only.
func NewSimulated(data Venue, seed map[string]decimal.Decimal, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	wallet := make(map[string]decimal.Decimal, len(seed))
	for asset, amount := range seed {
		wallet[asset] = amount
	}
	return &Simulated{
		data:   data,
		logger: logger,
		wallet: wallet,
		open:   make(map[string]*simOrder),
		done:   make(map[string]OrderState),
		marks:  make(map[string]decimal.Decimal),
	}
}

// SetPrice pushes a mark price and matches resting orders against it.
func (s *Simulated) SetPrice(pair domain.Pair, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[pair.Symbol()] = price
	s.match(pair, price)
}

func (s *Simulated) PlaceOrder(ctx context.Context, req OrderRequest) error {
	if req.Price.LessThanOrEqual(decimal.Zero) || req.Size.LessThanOrEqual(decimal.Zero) {
		return errors.Wrap(ErrInvalidParams, "price and size must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.open[req.ClientOrderID]; exists {
		return errors.Wrapf(ErrInvalidParams, "duplicate client order id %s", req.ClientOrderID)
	}

	// Lock the funds the order needs up front, like a real venue would.
	if req.Side == domain.SideBuy {
		cost := req.Price.Mul(req.Size)
		if s.wallet[req.Pair.To].LessThan(cost) {
			return errors.Wrapf(ErrInsufficientFunds, "have %s %s, need %s",
				s.wallet[req.Pair.To].String(), req.Pair.To, cost.String())
		}
		s.wallet[req.Pair.To] = s.wallet[req.Pair.To].Sub(cost)
	} else {
		if s.wallet[req.Pair.From].LessThan(req.Size) {
			return errors.Wrapf(ErrInsufficientFunds, "have %s %s, need %s",
				s.wallet[req.Pair.From].String(), req.Pair.From, req.Size.String())
		}
		s.wallet[req.Pair.From] = s.wallet[req.Pair.From].Sub(req.Size)
	}

	s.open[req.ClientOrderID] = &simOrder{
		pair:   req.Pair,
		side:   req.Side,
		price:  req.Price,
		size:   req.Size,
		filled: decimal.Zero,
	}

	s.logger.Debug("simulated order placed",
		zap.String("id", req.ClientOrderID),
		zap.String("pair", req.Pair.String()),
		zap.String("side", req.Side.String()),
		zap.String("price", req.Price.String()),
		zap.String("size", req.Size.String()))

	if mark, ok := s.marks[req.Pair.Symbol()]; ok {
		s.match(req.Pair, mark)
	}
	return nil
}

func (s *Simulated) CancelOrder(ctx context.Context, pair domain.Pair, clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.open[clientOrderID]
	if !ok {
		return errors.Wrapf(ErrOrderNotFound, "cancel %s", clientOrderID)
	}

	// Unlock the unfilled remainder.
	remaining := order.size.Sub(order.filled)
	if order.side == domain.SideBuy {
		s.wallet[pair.To] = s.wallet[pair.To].Add(order.price.Mul(remaining))
	} else {
		s.wallet[pair.From] = s.wallet[pair.From].Add(remaining)
	}

	s.done[clientOrderID] = OrderState{
		Status:     domain.OrderStatusCancelled,
		FilledSize: order.filled,
	}
	delete(s.open, clientOrderID)
	return nil
}

func (s *Simulated) OpenOrders(ctx context.Context, pair domain.Pair) ([]OpenOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []OpenOrder
	for id, order := range s.open {
		if order.pair != pair {
			continue
		}
		result = append(result, OpenOrder{
			ClientOrderID: id,
			Pair:          order.pair,
			Side:          order.side,
			Price:         order.price,
			Size:          order.size,
			FilledSize:    order.filled,
		})
	}
	return result, nil
}

func (s *Simulated) OrderState(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if order, ok := s.open[clientOrderID]; ok {
		status := domain.OrderStatusOpen
		if order.filled.GreaterThan(decimal.Zero) {
			status = domain.OrderStatusPartiallyFilled
		}
		return OrderState{Status: status, FilledSize: order.filled}, nil
	}
	if state, ok := s.done[clientOrderID]; ok {
		return state, nil
	}
	return OrderState{}, errors.Wrapf(ErrOrderNotFound, "order %s", clientOrderID)
}

func (s *Simulated) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]decimal.Decimal, len(s.wallet))
	for asset, amount := range s.wallet {
		snapshot[asset] = amount
	}
	return snapshot, nil
}

func (s *Simulated) Candles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error) {
	if s.data == nil {
		return nil, errors.New("simulated venue has no market data source")
	}
	return s.data.Candles(ctx, pair, interval, limit)
}

func (s *Simulated) Ticker(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	s.mu.RLock()
	mark, ok := s.marks[pair.Symbol()]
	s.mu.RUnlock()
	if ok {
		return mark, nil
	}
	if s.data == nil {
		return decimal.Zero, errors.Errorf("no mark price for %s", pair.String())
	}
	return s.data.Ticker(ctx, pair)
}

// match fills resting orders crossed by the mark price. Caller holds the lock.
func (s *Simulated) match(pair domain.Pair, mark decimal.Decimal) {
	for id, order := range s.open {
		if order.pair != pair {
			continue
		}
		crossed := (order.side == domain.SideBuy && mark.LessThanOrEqual(order.price)) ||
			(order.side == domain.SideSell && mark.GreaterThanOrEqual(order.price))
		if !crossed {
			continue
		}

		remaining := order.size.Sub(order.filled)
		if order.side == domain.SideBuy {
			s.wallet[pair.From] = s.wallet[pair.From].Add(remaining)
		} else {
			s.wallet[pair.To] = s.wallet[pair.To].Add(order.price.Mul(remaining))
		}

		s.done[id] = OrderState{
			Status:     domain.OrderStatusFilled,
			FilledSize: order.size,
		}
		delete(s.open, id)

		s.logger.Debug("simulated order filled",
			zap.String("id", id),
			zap.String("pair", pair.String()),
			zap.String("price", order.price.String()))
	}
}
