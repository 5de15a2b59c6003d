// Package coordinator manages the active set of traded pairs: per-slot capital
// allocation, stuck-market eviction and switching into better scoring
// candidates.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridpilot/internal/domain"
	"gridpilot/internal/events"
	"gridpilot/internal/grid"
	"gridpilot/internal/venue"
)

// SlotState is the lifecycle state of a managed slot.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotSelecting
	SlotActive
)

// String returns the string representation of the state.
func (s SlotState) String() string {
	switch s {
	case SlotSelecting:
		return "selecting"
	case SlotActive:
		return "active"
	default:
		return "idle"
	}
}

// Slot is one capital allocation unit.
type Slot struct {
	ID          int
	State       SlotState
	Pair        domain.Pair
	Capital     decimal.Decimal
	Position    *domain.Position
	Levels      []domain.GridLevel
	Score       domain.PairScore
	GridLow     decimal.Decimal
	GridHigh    decimal.Decimal
	LastPrice   decimal.Decimal
	stuckChecks int
}

// SwitchEvent is published when a slot changes pair.
type SwitchEvent struct {
	Slot     int    `json:"slot"`
	FromPair string `json:"from_pair"`
	ToPair   string `json:"to_pair"`
	Reason   string `json:"reason"`
}

type analyzer interface {
	Score(pair domain.Pair, candles []domain.Candle) (domain.PairScore, error)
	IsStuck(pair domain.Pair, candles []domain.Candle) bool
	ResetStuck(pair domain.Pair)
}

type orderManager interface {
	Submit(ctx context.Context, pair domain.Pair, level domain.GridLevel) (*domain.Order, error)
	CancelAll(ctx context.Context, pair domain.Pair) error
	Forget(pair domain.Pair)
}

// gate is a read-only view of the circuit breaker. The coordinator only
// pre-checks it; the order manager performs the Allow that may consume the
// half-open probe admission.
type gate interface {
	Halted() bool
}

type funds interface {
	Available(asset string) decimal.Decimal
}

type publisher interface {
	Publish(events.Event)
}

// Config holds coordinator parameters.
type Config struct {
	// Slots is the number of concurrently traded pairs.
	Slots int
	// Candidates is the universe of tradeable pairs.
	Candidates []domain.Pair
	// QuoteAsset denominates capital (all candidates share it).
	QuoteAsset string
	// CapitalPerSlot is the quote-currency allocation of one slot.
	CapitalPerSlot decimal.Decimal
	// ScoreMargin is how much a candidate's composite must exceed the current
	// pair's before a switch happens; prevents flapping on noise.
	ScoreMargin decimal.Decimal
	// StuckChecksRequired is K: consecutive stuck confirmations before eviction.
	StuckChecksRequired int
	// Cooldown applied to a pair after it is switched away from.
	Cooldown time.Duration
	// RangePercent derives the grid range as ticker ± this percent.
	RangePercent decimal.Decimal
	// Grid shape.
	NumLevels       int
	Spacing         domain.Spacing
	Kind            domain.GridKind
	CapitalFraction decimal.Decimal
	MinNotional     decimal.Decimal
	// Candle history request.
	CandleInterval string
	CandleLimit    int
}

// Coordinator owns the slots and drives selection and switching.
type Coordinator struct {
	cfg       Config
	venue     venue.Venue
	analyzer  analyzer
	grids     *grid.Manager
	orders    orderManager
	gate      gate
	funds     funds
	cooldowns *Cooldowns
	bus       publisher
	logger    *zap.Logger

	mu    sync.Mutex
	slots []*Slot

	now func() time.Time
}

// New creates a coordinator with idle slots.
func New(cfg Config, v venue.Venue, a analyzer, g *grid.Manager, om orderManager,
	gt gate, f funds, cd *Cooldowns, bus publisher, logger *zap.Logger) *Coordinator {

	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.StuckChecksRequired < 1 {
		cfg.StuckChecksRequired = 2
	}
	if cfg.CandleLimit < 1 {
		cfg.CandleLimit = 100
	}
	if cfg.CandleInterval == "" {
		cfg.CandleInterval = "1h"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	slots := make([]*Slot, cfg.Slots)
	for i := range slots {
		slots[i] = &Slot{ID: i, State: SlotSelecting, Capital: cfg.CapitalPerSlot}
	}

	return &Coordinator{
		cfg:       cfg,
		venue:     v,
		analyzer:  a,
		grids:     g,
		orders:    om,
		gate:      gt,
		funds:     f,
		cooldowns: cd,
		bus:       bus,
		logger:    logger,
		slots:     slots,
		now:       time.Now,
	}
}

// Scan runs one coordination pass over all slots.
func (c *Coordinator) Scan(ctx context.Context) {
	for _, slot := range c.snapshotSlots() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		switch slot.State {
		case SlotSelecting:
			err = c.selectPair(ctx, slot)
		case SlotActive:
			err = c.checkStuck(ctx, slot)
		}
		if err != nil {
			c.logger.Error("slot scan failed",
				zap.Int("slot", slot.ID),
				zap.String("state", slot.State.String()),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) snapshotSlots() []*Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Slot, len(c.slots))
	copy(out, c.slots)
	return out
}

// selectPair scores candidates and deploys the best one into the slot.
func (c *Coordinator) selectPair(ctx context.Context, slot *Slot) error {
	if c.gate.Halted() {
		c.logger.Debug("selection skipped, trading halted", zap.Int("slot", slot.ID))
		return nil
	}

	best, err := c.bestCandidate(ctx, nil)
	if err != nil {
		return err
	}
	if best == nil {
		c.logger.Debug("no eligible candidate", zap.Int("slot", slot.ID))
		return nil
	}

	return c.deploy(ctx, slot, *best)
}

// SelectPair forces a pair into the first non-active slot, bypassing scoring.
// Used by the select_asset control command.
func (c *Coordinator) SelectPair(ctx context.Context, pair domain.Pair) error {
	if c.gate.Halted() {
		return errors.New("trading halted by circuit breaker")
	}

	c.mu.Lock()
	var target *Slot
	for _, s := range c.slots {
		if s.State != SlotActive {
			target = s
			break
		}
	}
	c.mu.Unlock()
	if target == nil {
		return errors.New("no free slot for manual selection")
	}

	candles, err := c.venue.Candles(ctx, pair, c.cfg.CandleInterval, c.cfg.CandleLimit)
	if err != nil {
		return errors.Wrapf(err, "fetch candles for %s", pair.String())
	}
	score, err := c.analyzer.Score(pair, candles)
	if err != nil {
		return errors.Wrapf(err, "score %s", pair.String())
	}

	return c.deploy(ctx, target, score)
}

// bestCandidate scores the eligible universe and returns the top pair, or nil
// when nothing qualifies. exclude filters out pairs already held.
func (c *Coordinator) bestCandidate(ctx context.Context, extraExclude map[string]bool) (*domain.PairScore, error) {
	held := c.heldPairs()
	var best *domain.PairScore

	for _, pair := range c.cfg.Candidates {
		key := pair.String()
		if held[key] || extraExclude[key] || c.cooldowns.Active(key) {
			continue
		}

		candles, err := c.venue.Candles(ctx, pair, c.cfg.CandleInterval, c.cfg.CandleLimit)
		if err != nil {
			c.logger.Warn("candle fetch failed, skipping candidate",
				zap.String("pair", key), zap.Error(err))
			continue
		}

		score, err := c.analyzer.Score(pair, candles)
		if err != nil {
			c.logger.Warn("scoring failed, skipping candidate",
				zap.String("pair", key), zap.Error(err))
			continue
		}
		if score.Signal == domain.SignalSell {
			continue
		}

		if best == nil || score.CompositeScore.GreaterThan(best.CompositeScore) {
			s := score
			best = &s
		}
	}

	return best, nil
}

func (c *Coordinator) heldPairs() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := make(map[string]bool)
	for _, s := range c.slots {
		if s.State == SlotActive {
			held[s.Pair.String()] = true
		}
	}
	return held
}

// deploy computes a grid for the scored pair and submits its levels.
func (c *Coordinator) deploy(ctx context.Context, slot *Slot, score domain.PairScore) error {
	pair := score.Pair

	ticker, err := c.venue.Ticker(ctx, pair)
	if err != nil {
		return errors.Wrapf(err, "fetch ticker for %s", pair.String())
	}

	capital := slot.Capital
	if available := c.funds.Available(c.cfg.QuoteAsset); available.LessThan(capital) {
		capital = available
	}
	if capital.LessThanOrEqual(decimal.Zero) {
		return errors.Errorf("no %s capital available for slot %d", c.cfg.QuoteAsset, slot.ID)
	}

	spread := ticker.Mul(c.cfg.RangePercent).Div(decimal.NewFromInt(100))
	low := ticker.Sub(spread)
	high := ticker.Add(spread)

	levels, err := c.grids.ComputeLevels(grid.Params{
		Pair:            pair,
		Capital:         capital,
		Low:             low,
		High:            high,
		NumLevels:       c.cfg.NumLevels,
		Spacing:         c.cfg.Spacing,
		Kind:            c.cfg.Kind,
		CapitalFraction: c.cfg.CapitalFraction,
		MinNotional:     c.cfg.MinNotional,
		AnchorPrice:     ticker,
	})
	if err != nil {
		return errors.Wrapf(err, "compute grid for %s", pair.String())
	}

	submitted := 0
	for _, level := range levels {
		if level.Side == domain.SideSell && c.funds.Available(pair.From).LessThan(level.TargetSize) {
			// no base inventory yet for this sell level; it activates after buys fill
			continue
		}
		if _, err := c.orders.Submit(ctx, pair, level); err != nil {
			c.logger.Warn("level submit failed",
				zap.String("pair", pair.String()),
				zap.Int("level", level.Index),
				zap.Error(err))
			continue
		}
		submitted++
	}
	if submitted == 0 {
		return errors.Errorf("no levels submitted for %s", pair.String())
	}

	position, err := domain.NewPosition(pair, decimal.Zero, decimal.Zero, c.now())
	if err != nil {
		return err
	}

	c.mu.Lock()
	slot.State = SlotActive
	slot.Pair = pair
	slot.Position = position
	slot.Levels = levels
	slot.Score = score
	slot.GridLow = low
	slot.GridHigh = high
	slot.LastPrice = ticker
	slot.stuckChecks = 0
	c.mu.Unlock()

	c.logger.Info("pair deployed",
		zap.Int("slot", slot.ID),
		zap.String("pair", pair.String()),
		zap.String("capital", capital.String()),
		zap.Int("levels", submitted),
		zap.String("composite_score", score.CompositeScore.String()))

	return nil
}

// checkStuck evaluates stuck classification for an active slot and switches to
// a better candidate once the confirmation count is reached.
func (c *Coordinator) checkStuck(ctx context.Context, slot *Slot) error {
	candles, err := c.venue.Candles(ctx, slot.Pair, c.cfg.CandleInterval, c.cfg.CandleLimit)
	if err != nil {
		return errors.Wrapf(err, "fetch candles for %s", slot.Pair.String())
	}

	if !c.analyzer.IsStuck(slot.Pair, candles) {
		c.mu.Lock()
		slot.stuckChecks = 0
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	slot.stuckChecks++
	checks := slot.stuckChecks
	c.mu.Unlock()

	if checks < c.cfg.StuckChecksRequired {
		c.logger.Info("stuck check recorded",
			zap.String("pair", slot.Pair.String()),
			zap.Int("checks", checks),
			zap.Int("required", c.cfg.StuckChecksRequired))
		return nil
	}

	currentScore, err := c.analyzer.Score(slot.Pair, candles)
	if err != nil {
		return errors.Wrapf(err, "rescore %s", slot.Pair.String())
	}

	best, err := c.bestCandidate(ctx, map[string]bool{slot.Pair.String(): true})
	if err != nil {
		return err
	}
	if best == nil {
		return nil
	}
	required := currentScore.CompositeScore.Add(c.cfg.ScoreMargin)
	if best.CompositeScore.LessThan(required) {
		c.logger.Info("stuck but no candidate beats margin",
			zap.String("pair", slot.Pair.String()),
			zap.String("best", best.Pair.String()),
			zap.String("best_score", best.CompositeScore.String()),
			zap.String("required", required.String()))
		return nil
	}

	return c.switchTo(ctx, slot, *best, "stuck")
}

// switchTo executes the switching sequence: cancel all, liquidate, redeploy.
// If liquidation fails the switch aborts and retries on the next scan, never
// leaving the slot empty.
func (c *Coordinator) switchTo(ctx context.Context, slot *Slot, target domain.PairScore, reason string) error {
	if c.gate.Halted() {
		return errors.New("trading halted by circuit breaker")
	}

	fromPair := slot.Pair

	if err := c.orders.CancelAll(ctx, fromPair); err != nil {
		return errors.Wrapf(err, "cancel orders for %s", fromPair.String())
	}
	if err := c.liquidate(ctx, fromPair); err != nil {
		return errors.Wrapf(err, "liquidate %s, aborting switch", fromPair.String())
	}

	c.cooldowns.Set(fromPair.String(), c.cfg.Cooldown)
	c.analyzer.ResetStuck(fromPair)
	c.orders.Forget(fromPair)

	c.mu.Lock()
	slot.State = SlotSelecting
	slot.Position = nil
	slot.Levels = nil
	slot.stuckChecks = 0
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type: events.TypeAssetSwitch,
			Pair: fromPair.String(),
			Payload: SwitchEvent{
				Slot:     slot.ID,
				FromPair: fromPair.String(),
				ToPair:   target.Pair.String(),
				Reason:   reason,
			},
		})
	}

	c.logger.Info("switching pair",
		zap.Int("slot", slot.ID),
		zap.String("from", fromPair.String()),
		zap.String("to", target.Pair.String()),
		zap.String("reason", reason))

	return c.deploy(ctx, slot, target)
}

// liquidate sells the slot's base holding back into the quote asset with an
// aggressively priced limit order at the current ticker.
func (c *Coordinator) liquidate(ctx context.Context, pair domain.Pair) error {
	base := c.funds.Available(pair.From)
	if base.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	ticker, err := c.venue.Ticker(ctx, pair)
	if err != nil {
		return errors.Wrapf(err, "fetch ticker for %s", pair.String())
	}

	_, err = c.orders.Submit(ctx, pair, domain.GridLevel{
		Index:      -1,
		Price:      ticker,
		Side:       domain.SideSell,
		TargetSize: base,
	})
	return err
}

// ReleaseSlot liquidates and frees the slot holding the pair, returning it to
// Selecting. Used by the rotation engine for profit-driven exits, which bypass
// the stuck-detection path.
func (c *Coordinator) ReleaseSlot(ctx context.Context, pair domain.Pair, cooldown time.Duration) error {
	c.mu.Lock()
	var slot *Slot
	for _, s := range c.slots {
		if s.State == SlotActive && s.Pair == pair {
			slot = s
			break
		}
	}
	c.mu.Unlock()
	if slot == nil {
		return errors.Errorf("no active slot holds %s", pair.String())
	}

	if err := c.orders.CancelAll(ctx, pair); err != nil {
		return errors.Wrapf(err, "cancel orders for %s", pair.String())
	}
	if err := c.liquidate(ctx, pair); err != nil {
		return errors.Wrapf(err, "liquidate %s", pair.String())
	}

	c.cooldowns.Set(pair.String(), cooldown)
	c.analyzer.ResetStuck(pair)
	c.orders.Forget(pair)

	c.mu.Lock()
	slot.State = SlotSelecting
	slot.Position = nil
	slot.Levels = nil
	slot.stuckChecks = 0
	c.mu.Unlock()

	return nil
}

// ApplyFill routes an observed fill into the owning slot's position.
func (c *Coordinator) ApplyFill(pair domain.Pair, side domain.Side, price, size, fee decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.slots {
		if s.State == SlotActive && s.Pair == pair && s.Position != nil {
			s.Position.ApplyFill(side, price, size, fee)
			s.LastPrice = price
			return
		}
	}
}

// ActiveSlots returns copies of the active slots for read-only consumers.
func (c *Coordinator) ActiveSlots() []Slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Slot, 0, len(c.slots))
	for _, s := range c.slots {
		if s.State == SlotActive {
			snapshot := *s
			if s.Position != nil {
				pos := *s.Position
				snapshot.Position = &pos
			}
			out = append(out, snapshot)
		}
	}
	return out
}

// Slots returns copies of all slots.
func (c *Coordinator) Slots() []Slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Slot, 0, len(c.slots))
	for _, s := range c.slots {
		snapshot := *s
		if s.Position != nil {
			pos := *s.Position
			snapshot.Position = &pos
		}
		out = append(out, snapshot)
	}
	return out
}
