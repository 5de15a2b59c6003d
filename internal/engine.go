// Package internal wires the trading engine: it supervises the periodic tasks
// (scoring, reconciliation, P&L watch) and drains the control command inbox.
package internal

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridpilot/internal/coordinator"
	"gridpilot/internal/domain"
	"gridpilot/internal/events"
	"gridpilot/internal/orders"
	"gridpilot/internal/ratelimit"
	"gridpilot/internal/venue"
)

// Intervals configures the engine's periodic tasks.
type Intervals struct {
	Scan        time.Duration
	Reconcile   time.Duration
	BalanceSync time.Duration
	PnlWatch    time.Duration
}

// DefaultIntervals returns sensible production cadences.
func DefaultIntervals() Intervals {
	return Intervals{
		Scan:        10 * time.Minute,
		Reconcile:   1 * time.Minute,
		BalanceSync: 5 * time.Minute,
		PnlWatch:    30 * time.Second,
	}
}

type balanceSyncer interface {
	SyncWithVenue(snapshot map[string]decimal.Decimal)
}

type pnlWatcher interface {
	Check(ctx context.Context)
}

type limiter interface {
	Acquire(ctx context.Context, class ratelimit.Class) error
}

// Engine owns the goroutine set and the running/paused lifecycle.
type Engine struct {
	intervals Intervals
	bus       *events.Bus
	venue     venue.Venue
	limiter   limiter
	tracker   balanceSyncer
	orders    *orders.Manager
	coord     *coordinator.Coordinator
	rotator   pnlWatcher
	logger    *zap.Logger

	mu          sync.Mutex
	running     bool
	paused      bool
	stopTrading context.CancelFunc

	wg sync.WaitGroup
}

// NewEngine creates an engine. Trading does not start until a start command
// arrives on the bus or Start is called.
func NewEngine(intervals Intervals, bus *events.Bus, v venue.Venue, l limiter,
	tracker balanceSyncer, om *orders.Manager, coord *coordinator.Coordinator,
	rotator pnlWatcher, logger *zap.Logger) *Engine {

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		intervals: intervals,
		bus:       bus,
		venue:     v,
		limiter:   l,
		tracker:   tracker,
		orders:    om,
		coord:     coord,
		rotator:   rotator,
		logger:    logger,
	}
}

// Run blocks draining control commands and routing fill events until ctx is
// cancelled. It performs an initial balance sync so the local ledger starts
// from venue ground truth.
func (e *Engine) Run(ctx context.Context) error {
	e.syncBalances(ctx)

	fills := e.bus.Subscribe()
	defer e.bus.Unsubscribe(fills)

	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return ctx.Err()
		case cmd := <-e.bus.Commands():
			e.handleCommand(ctx, cmd)
		case ev := <-fills:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd events.Command) {
	e.logger.Info("control command received", zap.String("command", string(cmd.Type)))

	switch cmd.Type {
	case events.CommandStart:
		e.Start(ctx)
	case events.CommandStop:
		e.Stop()
	case events.CommandPause:
		e.setPaused(true)
	case events.CommandResume:
		e.setPaused(false)
	case events.CommandSelectAsset:
		pair, err := domain.PairFromString(cmd.Pair)
		if err != nil {
			e.logger.Error("invalid pair in select_asset command", zap.String("pair", cmd.Pair), zap.Error(err))
			return
		}
		if err := e.coord.SelectPair(ctx, pair); err != nil {
			e.logger.Error("manual pair selection failed", zap.String("pair", cmd.Pair), zap.Error(err))
		}
	}
}

func (e *Engine) handleEvent(ev events.Event) {
	fill, ok := ev.Payload.(orders.FillEvent)
	if ev.Type != events.TypeFill || !ok {
		return
	}

	pair, err := domain.PairFromString(fill.Pair)
	if err != nil {
		return
	}
	side := domain.SideBuy
	if fill.Side == domain.SideSell.String() {
		side = domain.SideSell
	}
	e.coord.ApplyFill(pair, side, fill.Price, fill.Size, fill.Fee)
}

// Start launches the periodic trading tasks. Idempotent while running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	tradingCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.paused = false
	e.stopTrading = cancel
	e.mu.Unlock()

	e.publishState("started")

	e.spawn(tradingCtx, e.intervals.PnlWatch, func(c context.Context) {
		if !e.Paused() {
			e.rotator.Check(c)
		}
	})
	e.spawn(tradingCtx, e.intervals.Scan, func(c context.Context) {
		if !e.Paused() {
			e.coord.Scan(c)
		}
	})
	e.spawn(tradingCtx, e.intervals.Reconcile, func(c context.Context) {
		for _, slot := range e.coord.ActiveSlots() {
			if err := e.orders.ReconcileOpenOrders(c, slot.Pair); err != nil {
				e.logger.Error("order reconciliation failed",
					zap.String("pair", slot.Pair.String()),
					zap.Error(err))
			}
		}
	})
	e.spawn(tradingCtx, e.intervals.BalanceSync, e.syncBalances)

	e.logger.Info("trading started")
}

// Stop cancels in-flight loops cooperatively, then cancels every active
// pair's open orders before declaring shutdown complete.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.stopTrading
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	// shutdown cancels bypass the trading gate so open orders are withdrawn
	// even while the circuit breaker is open
	for _, slot := range e.coord.ActiveSlots() {
		if err := e.orders.ForceCancelAll(shutdownCtx, slot.Pair); err != nil {
			e.logger.Error("cancel all on stop failed",
				zap.String("pair", slot.Pair.String()),
				zap.Error(err))
		}
	}

	e.publishState("stopped")
	e.logger.Info("trading stopped")
}

// Paused reports whether new submissions are suspended.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Running reports whether the trading tasks are live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) setPaused(paused bool) {
	e.mu.Lock()
	e.paused = paused
	e.mu.Unlock()

	if paused {
		e.publishState("paused")
	} else {
		e.publishState("resumed")
	}
}

// spawn runs fn on a ticker until the trading context is cancelled.
func (e *Engine) spawn(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// syncBalances reconciles the local ledger against the venue snapshot.
func (e *Engine) syncBalances(ctx context.Context) {
	if err := e.limiter.Acquire(ctx, ratelimit.ClassPrivateRead); err != nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	snapshot, err := e.venue.Balances(callCtx)
	if err != nil {
		e.logger.Error("balance fetch failed", zap.Error(err))
		return
	}
	e.tracker.SyncWithVenue(snapshot)
}

func (e *Engine) publishState(state string) {
	e.bus.Publish(events.Event{
		Type:    events.TypeEngineState,
		Payload: state,
	})
}
