package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridpilot/internal/balance"
	"gridpilot/internal/domain"
	"gridpilot/internal/events"
	"gridpilot/internal/ratelimit"
	"gridpilot/internal/storage/orderlog"
	"gridpilot/internal/venue"
	"gridpilot/pkg/retrier"
)

var btcUsdt = domain.Pair{From: "BTC", To: "USDT"}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeVenue struct {
	mu         sync.Mutex
	placeErrs  []error // consumed per attempt, nil means success
	placeCalls int
	cancelErr  error
	openOrders []venue.OpenOrder
	openErr    error
	states     map[string]venue.OrderState
	stateErr   error
}

func (f *fakeVenue) PlaceOrder(_ context.Context, _ venue.OrderRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if len(f.placeErrs) == 0 {
		return nil
	}
	err := f.placeErrs[0]
	f.placeErrs = f.placeErrs[1:]
	return err
}

func (f *fakeVenue) CancelOrder(_ context.Context, _ domain.Pair, _ string) error {
	return f.cancelErr
}

func (f *fakeVenue) OpenOrders(_ context.Context, _ domain.Pair) ([]venue.OpenOrder, error) {
	return f.openOrders, f.openErr
}

func (f *fakeVenue) OrderState(_ context.Context, _ domain.Pair, id string) (venue.OrderState, error) {
	if f.stateErr != nil {
		return venue.OrderState{}, f.stateErr
	}
	st, ok := f.states[id]
	if !ok {
		return venue.OrderState{}, venue.ErrOrderNotFound
	}
	return st, nil
}

func (f *fakeVenue) Balances(_ context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeVenue) Candles(_ context.Context, _ domain.Pair, _ string, _ int) ([]domain.Candle, error) {
	return nil, nil
}

func (f *fakeVenue) Ticker(_ context.Context, _ domain.Pair) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeGate struct {
	mu        sync.Mutex
	allowErr  error
	successes int
	failures  int
}

func (g *fakeGate) Allow() error { return g.allowErr }

func (g *fakeGate) RecordSuccess() {
	g.mu.Lock()
	g.successes++
	g.mu.Unlock()
}

func (g *fakeGate) RecordFailure() {
	g.mu.Lock()
	g.failures++
	g.mu.Unlock()
}

type noLimit struct{}

func (noLimit) Acquire(_ context.Context, _ ratelimit.Class) error { return nil }

type memLedger struct {
	mu      sync.Mutex
	entries []orderlog.Entry
}

func (l *memLedger) Append(e orderlog.Entry) error {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

type recordingBus struct {
	mu        sync.Mutex
	published []events.Event
}

func (b *recordingBus) Publish(ev events.Event) {
	b.mu.Lock()
	b.published = append(b.published, ev)
	b.mu.Unlock()
}

func (b *recordingBus) byType(t events.Type) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, ev := range b.published {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	venue   *fakeVenue
	gate    *fakeGate
	tracker *balance.Tracker
	ledger  *memLedger
	bus     *recordingBus
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		venue:  &fakeVenue{states: make(map[string]venue.OrderState)},
		gate:   &fakeGate{},
		ledger: &memLedger{},
		bus:    &recordingBus{},
	}
	f.tracker = balance.NewTracker(d("0.0001"), nil, zap.NewNop())
	f.tracker.SyncWithVenue(map[string]decimal.Decimal{"USDT": d("10000"), "BTC": d("1")})

	f.manager = NewManager(f.venue, f.gate, noLimit{}, f.tracker, f.ledger, f.bus,
		retrier.New(
			retrier.WithMaxRetries(2),
			retrier.WithSleeper(instantSleep),
		), zap.NewNop())
	return f
}

func instantSleep(_ context.Context, _ time.Duration) error { return nil }

var errSentinel = errors.New("sentinel")

func buyLevel(price, size string) domain.GridLevel {
	return domain.GridLevel{Price: d(price), Side: domain.SideBuy, TargetSize: d(size)}
}

func sellLevel(price, size string) domain.GridLevel {
	return domain.GridLevel{Price: d(price), Side: domain.SideSell, TargetSize: d(size)}
}

func TestSubmitReservesAndOpens(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "2"))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusOpen, order.Status)
	require.Equal(t, 1, order.Attempts)

	// 100 * 2 quote reserved
	require.True(t, f.tracker.Reserved("USDT").Equal(d("200")))
	require.True(t, f.tracker.Available("USDT").Equal(d("9800")))
	require.Equal(t, 1, f.gate.successes)
	require.Len(t, f.ledger.entries, 1)
	require.Equal(t, "open", f.ledger.entries[0].Status)
}

func TestSubmitSellReservesBase(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Submit(context.Background(), btcUsdt, sellLevel("100", "0.4"))
	require.NoError(t, err)
	require.True(t, f.tracker.Reserved("BTC").Equal(d("0.4")))
	require.True(t, f.tracker.Available("BTC").Equal(d("0.6")))
}

func TestSubmitBlockedByGate(t *testing.T) {
	f := newFixture(t)
	f.gate.allowErr = errSentinel

	_, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "1"))
	require.ErrorIs(t, err, errSentinel)
	require.Equal(t, 0, f.venue.placeCalls)
	require.True(t, f.tracker.Reserved("USDT").IsZero())
}

func TestSubmitInsufficientFundsLocally(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "200"))
	require.ErrorIs(t, err, balance.ErrInsufficientFunds)
	require.Equal(t, 0, f.venue.placeCalls)
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.venue.placeErrs = []error{venue.ErrUnavailable, venue.ErrTimeout, nil}

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "1"))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusOpen, order.Status)
	require.Equal(t, 3, order.Attempts)
	require.Equal(t, 3, f.venue.placeCalls)
	require.True(t, f.tracker.Reserved("USDT").Equal(d("100")))
}

func TestSubmitFailsAfterRetryBudget(t *testing.T) {
	f := newFixture(t)
	f.venue.placeErrs = []error{venue.ErrTimeout, venue.ErrTimeout, venue.ErrTimeout}

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "1"))
	require.Error(t, err)
	require.Equal(t, domain.OrderStatusFailed, order.Status)
	require.Equal(t, 3, order.Attempts)
	require.NotEmpty(t, order.LastError)

	// reservation released, breaker told
	require.True(t, f.tracker.Reserved("USDT").IsZero())
	require.True(t, f.tracker.Available("USDT").Equal(d("10000")))
	require.Equal(t, 1, f.gate.failures)
}

func TestSubmitRejectionIsNeverRetried(t *testing.T) {
	f := newFixture(t)
	f.venue.placeErrs = []error{venue.ErrInvalidParams}

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "1"))
	require.ErrorIs(t, err, venue.ErrInvalidParams)
	require.Equal(t, domain.OrderStatusRejected, order.Status)
	require.Equal(t, 1, f.venue.placeCalls, "rejections must not retry")
	require.True(t, f.tracker.Reserved("USDT").IsZero())
}

func TestCancelReleasesReservation(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "1"))
	require.NoError(t, err)

	require.NoError(t, f.manager.Cancel(context.Background(), order.ID))
	require.Equal(t, domain.OrderStatusCancelled, order.Status)
	require.True(t, f.tracker.Reserved("USDT").IsZero())
	require.True(t, f.tracker.Available("USDT").Equal(d("10000")))

	// cancelling a terminal order is a no-op
	require.NoError(t, f.manager.Cancel(context.Background(), order.ID))
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.manager.Cancel(context.Background(), "no-such-order"))
}

func TestForceCancelBypassesGate(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "1"))
	require.NoError(t, err)

	f.gate.allowErr = errSentinel
	require.ErrorIs(t, f.manager.Cancel(context.Background(), order.ID), errSentinel)
	require.Equal(t, domain.OrderStatusOpen, order.Status)

	// shutdown must still be able to withdraw the order
	require.NoError(t, f.manager.ForceCancelAll(context.Background(), btcUsdt))
	require.Equal(t, domain.OrderStatusCancelled, order.Status)
	require.True(t, f.tracker.Reserved("USDT").IsZero())
	require.True(t, f.tracker.Available("USDT").Equal(d("10000")))
}

func TestCancelResolvesVanishedOrder(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "1"))
	require.NoError(t, err)

	// the venue filled it before the cancel arrived
	f.venue.cancelErr = venue.ErrOrderNotFound
	f.venue.states[order.ID] = venue.OrderState{
		Status:     domain.OrderStatusFilled,
		FilledSize: d("1"),
		Fee:        d("0.1"),
	}

	require.NoError(t, f.manager.Cancel(context.Background(), order.ID))
	require.Equal(t, domain.OrderStatusFilled, order.Status)
	require.True(t, f.tracker.Reserved("USDT").IsZero())
	// bought base credited
	require.True(t, f.tracker.Available("BTC").Equal(d("2")))
}

func TestReconcileAppliesPartialFillDelta(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "2"))
	require.NoError(t, err)

	f.venue.openOrders = []venue.OpenOrder{{
		ClientOrderID: order.ID,
		Pair:          btcUsdt,
		Side:          domain.SideBuy,
		Price:         d("100"),
		Size:          d("2"),
		FilledSize:    d("0.5"),
	}}

	require.NoError(t, f.manager.ReconcileOpenOrders(context.Background(), btcUsdt))
	require.Equal(t, domain.OrderStatusPartiallyFilled, order.Status)
	require.True(t, order.FilledSize.Equal(d("0.5")))

	// the 50 quote spent on the partial fill leaves the reservation
	require.True(t, f.tracker.Reserved("USDT").Equal(d("150")))
	require.True(t, f.tracker.Available("USDT").Equal(d("9800")))
	require.True(t, f.tracker.Total("USDT").Equal(d("9950")))
	require.True(t, f.tracker.Available("BTC").Equal(d("1.5")))

	fills := f.bus.byType(events.TypeFill)
	require.Len(t, fills, 1)
	fill := fills[0].Payload.(FillEvent)
	require.True(t, fill.Size.Equal(d("0.5")))

	// a second reconcile with unchanged venue state mutates nothing
	require.NoError(t, f.manager.ReconcileOpenOrders(context.Background(), btcUsdt))
	require.True(t, order.FilledSize.Equal(d("0.5")))
	require.True(t, f.tracker.Reserved("USDT").Equal(d("150")))
	require.Len(t, f.bus.byType(events.TypeFill), 1)
}

func TestPartialFillThenCancelKeepsSpentQuote(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "2"))
	require.NoError(t, err)

	f.venue.openOrders = []venue.OpenOrder{{
		ClientOrderID: order.ID,
		Pair:          btcUsdt,
		Side:          domain.SideBuy,
		Price:         d("100"),
		Size:          d("2"),
		FilledSize:    d("0.5"),
	}}
	require.NoError(t, f.manager.ReconcileOpenOrders(context.Background(), btcUsdt))

	// cancelling returns only the unspent remainder; the 50 quote paid for
	// the partial fill stays out of the spendable balance
	require.NoError(t, f.manager.Cancel(context.Background(), order.ID))
	require.Equal(t, domain.OrderStatusCancelled, order.Status)
	require.True(t, f.tracker.Reserved("USDT").IsZero())
	require.True(t, f.tracker.Available("USDT").Equal(d("9950")))
	require.True(t, f.tracker.Total("USDT").Equal(d("9950")))
	require.True(t, f.tracker.Available("BTC").Equal(d("1.5")))
}

func TestReconcileResolvesFilledOrder(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "2"))
	require.NoError(t, err)

	// venue no longer lists the order as open; it was fully filled
	f.venue.openOrders = nil
	f.venue.states[order.ID] = venue.OrderState{
		Status:     domain.OrderStatusFilled,
		FilledSize: d("2"),
		Fee:        d("0.2"),
	}

	require.NoError(t, f.manager.ReconcileOpenOrders(context.Background(), btcUsdt))
	require.Equal(t, domain.OrderStatusFilled, order.Status)
	require.True(t, f.tracker.Available("BTC").Equal(d("3")))
	require.True(t, f.tracker.Reserved("USDT").IsZero())
}

func TestReconcileResolvesCancelledOrder(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "1"))
	require.NoError(t, err)

	f.venue.states[order.ID] = venue.OrderState{Status: domain.OrderStatusCancelled}

	require.NoError(t, f.manager.ReconcileOpenOrders(context.Background(), btcUsdt))
	require.Equal(t, domain.OrderStatusCancelled, order.Status)
	require.True(t, f.tracker.Available("USDT").Equal(d("10000")))
}

func TestCancelAllAndForget(t *testing.T) {
	f := newFixture(t)

	a, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("100", "1"))
	require.NoError(t, err)
	b, err := f.manager.Submit(context.Background(), btcUsdt, buyLevel("95", "1"))
	require.NoError(t, err)

	require.Equal(t, 2, f.manager.OpenCount(btcUsdt))
	require.NoError(t, f.manager.CancelAll(context.Background(), btcUsdt))
	require.Equal(t, domain.OrderStatusCancelled, a.Status)
	require.Equal(t, domain.OrderStatusCancelled, b.Status)
	require.Equal(t, 0, f.manager.OpenCount(btcUsdt))

	require.Len(t, f.manager.Orders(), 2)
	f.manager.Forget(btcUsdt)
	require.Empty(t, f.manager.Orders())
}

func TestSellFillCreditsQuoteMinusFee(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.Submit(context.Background(), btcUsdt, sellLevel("100", "0.5"))
	require.NoError(t, err)

	f.venue.states[order.ID] = venue.OrderState{
		Status:     domain.OrderStatusFilled,
		FilledSize: d("0.5"),
		Fee:        d("0.05"),
	}

	require.NoError(t, f.manager.ReconcileOpenOrders(context.Background(), btcUsdt))
	require.Equal(t, domain.OrderStatusFilled, order.Status)
	// proceeds 50 minus 0.05 fee
	require.True(t, f.tracker.Available("USDT").Equal(d("10049.95")))
	require.True(t, f.tracker.Reserved("BTC").IsZero())
}
