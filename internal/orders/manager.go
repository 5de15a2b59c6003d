// Package orders owns the order lifecycle against the venue: submission,
// tracking, cancellation, retry and reconciliation. Every mutating call passes
// the circuit breaker and the order-write rate bucket, and every reservation
// goes through the balance tracker.
package orders

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridpilot/internal/balance"
	"gridpilot/internal/domain"
	"gridpilot/internal/events"
	"gridpilot/internal/ratelimit"
	"gridpilot/internal/storage/orderlog"
	"gridpilot/internal/venue"
	"gridpilot/pkg/retrier"
)

const defaultCallTimeout = 10 * time.Second

type gate interface {
	Allow() error
	RecordSuccess()
	RecordFailure()
}

type limiter interface {
	Acquire(ctx context.Context, class ratelimit.Class) error
}

type funds interface {
	Reserve(asset string, amount decimal.Decimal, orderID string) (balance.Reservation, error)
	Release(reservationID string) error
	CommitFill(reservationID string, actualAmount, fee decimal.Decimal) error
	CommitPartial(reservationID string, actualAmount, fee decimal.Decimal) error
	Credit(asset string, amount decimal.Decimal)
}

type ledger interface {
	Append(entry orderlog.Entry) error
}

type publisher interface {
	Publish(events.Event)
}

// FillEvent is published when an order fill is observed.
type FillEvent struct {
	OrderID string          `json:"order_id"`
	Pair    string          `json:"pair"`
	Side    string          `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Fee     decimal.Decimal `json:"fee"`
}

// Manager tracks orders by client order ID and drives their lifecycle.
type Manager struct {
	venue       venue.Venue
	gate        gate
	limiter     limiter
	funds       funds
	ledger      ledger
	bus         publisher
	retrier     *retrier.Retrier
	logger      *zap.Logger
	callTimeout time.Duration

	mu           sync.Mutex
	orders       map[string]*domain.Order
	reservations map[string]string // order ID -> reservation ID

	now func() time.Time
}

// NewManager creates an order manager.
func NewManager(v venue.Venue, g gate, l limiter, f funds, led ledger, bus publisher,
	r *retrier.Retrier, logger *zap.Logger) *Manager {

	if r == nil {
		r = retrier.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		venue:        v,
		gate:         g,
		limiter:      l,
		funds:        f,
		ledger:       led,
		bus:          bus,
		retrier:      r,
		logger:       logger,
		callTimeout:  defaultCallTimeout,
		orders:       make(map[string]*domain.Order),
		reservations: make(map[string]string),
		now:          time.Now,
	}
}

// Submit places a limit order for the grid level. Funds are reserved before the
// venue call; transient failures are retried with backoff re-validating the
// reservation, venue rejections release the reservation and are never retried.
func (m *Manager) Submit(ctx context.Context, pair domain.Pair, level domain.GridLevel) (*domain.Order, error) {
	if err := m.gate.Allow(); err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:            uuid.NewString(),
		Pair:          pair,
		Side:          level.Side,
		Price:         level.Price,
		RequestedSize: level.TargetSize,
		Status:        domain.OrderStatusPending,
		CreatedAt:     m.now(),
	}

	reserveAsset, reserveAmount := reservationFor(pair, level)
	res, err := m.funds.Reserve(reserveAsset, reserveAmount, order.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "reserve for order %s", order.ID)
	}

	m.mu.Lock()
	m.orders[order.ID] = order
	m.reservations[order.ID] = res.ID
	m.mu.Unlock()

	err = m.retrier.Do(ctx, func(ctx context.Context) error {
		if !m.holdsReservation(order.ID) {
			return retrier.Abort(errors.New("reservation lost before submit"))
		}

		m.mu.Lock()
		order.Attempts++
		m.mu.Unlock()

		if err := m.limiter.Acquire(ctx, ratelimit.ClassOrderWrite); err != nil {
			return retrier.Abort(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		defer cancel()

		placeErr := m.venue.PlaceOrder(callCtx, venue.OrderRequest{
			Pair:          pair,
			Side:          level.Side,
			Price:         level.Price,
			Size:          level.TargetSize,
			ClientOrderID: order.ID,
		})
		if placeErr == nil {
			return nil
		}
		if venue.IsRejection(placeErr) {
			return retrier.Abort(placeErr)
		}
		if venue.IsTransient(placeErr) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			m.logger.Warn("transient submit failure, will retry",
				zap.String("order_id", order.ID),
				zap.Error(placeErr))
			return placeErr
		}
		// unknown venue error, treat as transient for retry/circuit accounting
		return placeErr
	})

	if err != nil {
		status := domain.OrderStatusFailed
		if venue.IsRejection(err) {
			status = domain.OrderStatusRejected
		}
		m.finishFailed(order, status, err)
		m.gate.RecordFailure()
		return order, errors.Wrapf(err, "submit order %s for %s", order.ID, pair.String())
	}

	m.mu.Lock()
	order.Status = domain.OrderStatusOpen
	m.mu.Unlock()

	m.gate.RecordSuccess()
	m.appendLedger(order, decimal.Zero)
	m.publishOrder(order)

	m.logger.Info("order submitted",
		zap.String("order_id", order.ID),
		zap.String("pair", pair.String()),
		zap.String("side", level.Side.String()),
		zap.String("price", level.Price.String()),
		zap.String("size", level.TargetSize.String()))

	return order, nil
}

// Cancel cancels a tracked open order and releases its remaining reservation.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown order %s", orderID)
	}
	if order.Status.Terminal() {
		return nil
	}

	if err := m.gate.Allow(); err != nil {
		return err
	}

	return m.cancelOrder(ctx, order)
}

// ForceCancel cancels without consulting the trading gate. Shutdown uses it so
// open orders are withdrawn even while the circuit breaker blocks trading.
func (m *Manager) ForceCancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown order %s", orderID)
	}
	if order.Status.Terminal() {
		return nil
	}

	return m.cancelOrder(ctx, order)
}

func (m *Manager) cancelOrder(ctx context.Context, order *domain.Order) error {
	if err := m.limiter.Acquire(ctx, ratelimit.ClassOrderWrite); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	if err := m.venue.CancelOrder(callCtx, order.Pair, order.ID); err != nil {
		if errors.Is(err, venue.ErrOrderNotFound) {
			// already gone on the venue; reconciliation resolves the terminal state
			return m.resolveTerminal(ctx, order)
		}
		m.gate.RecordFailure()
		return errors.Wrapf(err, "cancel order %s", order.ID)
	}
	m.gate.RecordSuccess()

	m.settleCancelled(order)
	return nil
}

// CancelAll cancels every non-terminal order of the pair.
func (m *Manager) CancelAll(ctx context.Context, pair domain.Pair) error {
	var firstErr error
	for _, order := range m.ordersOf(pair) {
		if err := m.Cancel(ctx, order.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ForceCancelAll cancels every non-terminal order of the pair, bypassing the
// trading gate.
func (m *Manager) ForceCancelAll(ctx context.Context, pair domain.Pair) error {
	var firstErr error
	for _, order := range m.ordersOf(pair) {
		if err := m.ForceCancel(ctx, order.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReconcileOpenOrders diffs locally tracked open orders against the venue's
// open-order list and corrects local state. An order the venue no longer shows
// as open is resolved by querying its terminal status once, never assumed.
// Calling it twice with no intervening venue change mutates nothing.
func (m *Manager) ReconcileOpenOrders(ctx context.Context, pair domain.Pair) error {
	if err := m.limiter.Acquire(ctx, ratelimit.ClassPrivateRead); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	open, err := m.venue.OpenOrders(callCtx, pair)
	if err != nil {
		return errors.Wrapf(err, "fetch open orders for %s", pair.String())
	}

	venueOpen := make(map[string]venue.OpenOrder, len(open))
	for _, o := range open {
		venueOpen[o.ClientOrderID] = o
	}

	for _, order := range m.ordersOf(pair) {
		if order.Status == domain.OrderStatusPending {
			// submit still in flight, nothing to reconcile yet
			continue
		}
		vo, stillOpen := venueOpen[order.ID]
		if stillOpen {
			if vo.FilledSize.GreaterThan(order.FilledSize) {
				m.applyFill(order, vo.FilledSize.Sub(order.FilledSize), decimal.Zero, domain.OrderStatusPartiallyFilled)
			}
			continue
		}

		if err := m.resolveTerminal(ctx, order); err != nil {
			m.logger.Error("failed to resolve vanished order",
				zap.String("order_id", order.ID),
				zap.Error(err))
		}
	}

	return nil
}

// Orders returns a snapshot of all tracked orders.
func (m *Manager) Orders() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// OpenCount returns the number of non-terminal orders for the pair.
func (m *Manager) OpenCount(pair domain.Pair) int {
	return len(m.ordersOf(pair))
}

// Forget drops terminal orders of the pair from the in-memory index. The WAL
// ledger keeps the full history.
func (m *Manager) Forget(pair domain.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.orders {
		if o.Pair == pair && o.Status.Terminal() {
			delete(m.orders, id)
		}
	}
}

// ordersOf returns non-terminal orders of the pair.
func (m *Manager) ordersOf(pair domain.Pair) []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Order, 0)
	for _, o := range m.orders {
		if o.Pair == pair && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) holdsReservation(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reservations[orderID]
	return ok
}

// resolveTerminal queries the venue once for the final state of an order the
// venue no longer lists as open, then settles it locally.
func (m *Manager) resolveTerminal(ctx context.Context, order *domain.Order) error {
	if err := m.limiter.Acquire(ctx, ratelimit.ClassPrivateRead); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	state, err := m.venue.OrderState(callCtx, order.Pair, order.ID)
	if err != nil {
		if errors.Is(err, venue.ErrOrderNotFound) {
			m.settleCancelled(order)
			return nil
		}
		return errors.Wrapf(err, "query terminal state of %s", order.ID)
	}

	switch state.Status {
	case domain.OrderStatusFilled:
		delta := state.FilledSize.Sub(order.FilledSize)
		m.applyFill(order, delta, state.Fee, domain.OrderStatusFilled)
	case domain.OrderStatusCancelled, domain.OrderStatusRejected:
		if state.FilledSize.GreaterThan(order.FilledSize) {
			m.applyFill(order, state.FilledSize.Sub(order.FilledSize), state.Fee, domain.OrderStatusPartiallyFilled)
		}
		m.settleCancelled(order)
	default:
		// venue still considers it live; keep local state
	}

	return nil
}

// applyFill settles a fill delta against the balance tracker and publishes it.
func (m *Manager) applyFill(order *domain.Order, delta, fee decimal.Decimal, status domain.OrderStatus) {
	if delta.LessThanOrEqual(decimal.Zero) {
		return
	}

	m.mu.Lock()
	order.FilledSize = order.FilledSize.Add(delta)
	filled := order.FilledSize.GreaterThanOrEqual(order.RequestedSize)
	if filled {
		order.Status = domain.OrderStatusFilled
	} else {
		order.Status = status
	}
	resID := m.reservations[order.ID]
	if filled {
		delete(m.reservations, order.ID)
	}
	m.mu.Unlock()

	// every delta settles its spent portion against the reservation, so a
	// later cancel releases only the unspent remainder
	notional := order.Price.Mul(delta)
	if order.Side == domain.SideBuy {
		// quote was reserved: spend it, credit the bought base
		if resID != "" {
			m.commitSpent(order, resID, notional, fee, filled)
		}
		m.funds.Credit(order.Pair.From, delta)
	} else {
		if resID != "" {
			m.commitSpent(order, resID, delta, decimal.Zero, filled)
		}
		m.funds.Credit(order.Pair.To, notional.Sub(fee))
	}

	m.appendLedger(order, fee)

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: events.TypeFill,
			Pair: order.Pair.String(),
			Payload: FillEvent{
				OrderID: order.ID,
				Pair:    order.Pair.String(),
				Side:    order.Side.String(),
				Price:   order.Price,
				Size:    delta,
				Fee:     fee,
			},
		})
	}

	m.logger.Info("fill applied",
		zap.String("order_id", order.ID),
		zap.String("pair", order.Pair.String()),
		zap.String("delta", delta.String()),
		zap.String("status", order.Status.String()))
}

// commitSpent moves the spent amount out of the reservation: the final delta
// settles it, a partial delta shrinks it in place.
func (m *Manager) commitSpent(order *domain.Order, resID string, spent, fee decimal.Decimal, final bool) {
	var err error
	if final {
		err = m.funds.CommitFill(resID, spent, fee)
	} else {
		err = m.funds.CommitPartial(resID, spent, fee)
	}
	if err != nil {
		m.logger.Error("commit fill failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

// settleCancelled marks the order cancelled and releases its reservation.
func (m *Manager) settleCancelled(order *domain.Order) {
	m.mu.Lock()
	if order.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	order.Status = domain.OrderStatusCancelled
	resID := m.reservations[order.ID]
	delete(m.reservations, order.ID)
	m.mu.Unlock()

	if resID != "" {
		if err := m.funds.Release(resID); err != nil {
			m.logger.Error("release reservation failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	m.appendLedger(order, decimal.Zero)
	m.publishOrder(order)
}

// finishFailed marks a submit that never reached the venue (or was rejected),
// releasing the reservation.
func (m *Manager) finishFailed(order *domain.Order, status domain.OrderStatus, cause error) {
	m.mu.Lock()
	order.Status = status
	order.LastError = cause.Error()
	resID := m.reservations[order.ID]
	delete(m.reservations, order.ID)
	m.mu.Unlock()

	if resID != "" {
		if err := m.funds.Release(resID); err != nil {
			m.logger.Error("release reservation failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	m.appendLedger(order, decimal.Zero)
	m.publishOrder(order)
}

func (m *Manager) appendLedger(order *domain.Order, fee decimal.Decimal) {
	if m.ledger == nil {
		return
	}

	entry := orderlog.Entry{
		OrderID:    order.ID,
		Pair:       order.Pair.String(),
		Side:       order.Side.String(),
		Price:      order.Price,
		Size:       order.RequestedSize,
		FilledSize: order.FilledSize,
		Status:     order.Status.String(),
		Fee:        fee,
		Timestamp:  m.now(),
	}
	if err := m.ledger.Append(entry); err != nil {
		m.logger.Error("append order ledger failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (m *Manager) publishOrder(order *domain.Order) {
	if m.bus == nil {
		return
	}

	m.mu.Lock()
	snapshot := *order
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:    events.TypeOrderUpdate,
		Pair:    order.Pair.String(),
		Payload: snapshot,
	})
}

// reservationFor returns the asset and amount to earmark for a level: quote
// notional for buys, base size for sells.
func reservationFor(pair domain.Pair, level domain.GridLevel) (string, decimal.Decimal) {
	if level.Side == domain.SideBuy {
		return pair.To, level.Price.Mul(level.TargetSize)
	}
	return pair.From, level.TargetSize
}
