// Package rotation watches per-position P&L and exits at the configured profit
// target, returning the slot to selection for immediate redeployment.
package rotation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridpilot/internal/coordinator"
	"gridpilot/internal/domain"
	"gridpilot/internal/events"
	"gridpilot/internal/venue"
)

type slots interface {
	ActiveSlots() []coordinator.Slot
	ReleaseSlot(ctx context.Context, pair domain.Pair, cooldown time.Duration) error
}

type ledger interface {
	Append(record domain.RotationRecord) error
}

type breaker interface {
	RecordDrawdown(percent decimal.Decimal)
}

type publisher interface {
	Publish(events.Event)
}

// Config holds rotation parameters.
type Config struct {
	// ProfitTargetAbs exits when total P&L reaches this quote amount. Zero disables.
	ProfitTargetAbs decimal.Decimal
	// ProfitTargetPercent exits when total P&L reaches this percent of entry
	// basis. Zero disables.
	ProfitTargetPercent decimal.Decimal
	// DailyCap limits rotations per UTC day.
	DailyCap int
	// Cooldown keeps the exited pair out of selection, shared with the
	// coordinator's eviction cooldowns.
	Cooldown time.Duration
	// StartingCapital anchors portfolio drawdown reporting.
	StartingCapital decimal.Decimal
}

// Engine runs the periodic P&L watch.
type Engine struct {
	cfg     Config
	venue   venue.Venue
	slots   slots
	ledger  ledger
	breaker breaker
	bus     publisher
	logger  *zap.Logger

	rotationsToday int
	day            time.Time

	now func() time.Time
}

// New creates a rotation engine.
func New(cfg Config, v venue.Venue, s slots, led ledger, br breaker, bus publisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		venue:   v,
		slots:   s,
		ledger:  led,
		breaker: br,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// Check runs one P&L scan over all active positions. Profit rotation takes
// precedence over stuck eviction: it runs before the coordinator's scan in the
// engine loop, so a pair that is both profitable and stuck exits as a rotation.
func (e *Engine) Check(ctx context.Context) {
	e.rollDay()

	activeSlots := e.slots.ActiveSlots()
	portfolioPnl := decimal.Zero

	for _, slot := range activeSlots {
		if slot.Position == nil {
			continue
		}

		price, err := e.venue.Ticker(ctx, slot.Pair)
		if err != nil {
			e.logger.Warn("ticker fetch failed during pnl watch",
				zap.String("pair", slot.Pair.String()),
				zap.Error(err))
			continue
		}

		pnl := slot.Position.TotalPnl(price)
		portfolioPnl = portfolioPnl.Add(pnl)

		if !e.targetReached(slot.Position, pnl) {
			continue
		}
		if e.cfg.DailyCap > 0 && e.rotationsToday >= e.cfg.DailyCap {
			e.logger.Info("profit target reached but daily rotation cap exhausted",
				zap.String("pair", slot.Pair.String()),
				zap.Int("cap", e.cfg.DailyCap))
			continue
		}

		if err := e.rotate(ctx, slot, pnl); err != nil {
			e.logger.Error("rotation failed",
				zap.String("pair", slot.Pair.String()),
				zap.Error(err))
		}
	}

	e.reportDrawdown(portfolioPnl)
}

func (e *Engine) rollDay() {
	today := e.now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(e.day) {
		e.day = today
		e.rotationsToday = 0
	}
}

func (e *Engine) targetReached(pos *domain.Position, pnl decimal.Decimal) bool {
	if pnl.LessThanOrEqual(decimal.Zero) {
		return false
	}
	if !e.cfg.ProfitTargetAbs.IsZero() && pnl.GreaterThanOrEqual(e.cfg.ProfitTargetAbs) {
		return true
	}
	if !e.cfg.ProfitTargetPercent.IsZero() && pos.EntryBasis.GreaterThan(decimal.Zero) {
		threshold := pos.EntryBasis.Mul(e.cfg.ProfitTargetPercent).Div(decimal.NewFromInt(100))
		if pnl.GreaterThanOrEqual(threshold) {
			return true
		}
	}
	return false
}

// rotate exits the position and records the rotation.
func (e *Engine) rotate(ctx context.Context, slot coordinator.Slot, pnl decimal.Decimal) error {
	if err := e.slots.ReleaseSlot(ctx, slot.Pair, e.cfg.Cooldown); err != nil {
		return errors.Wrap(err, "release slot")
	}

	record := domain.RotationRecord{
		FromPair:       slot.Pair.String(),
		ProfitRealized: pnl,
		Timestamp:      e.now(),
	}
	if e.ledger != nil {
		if err := e.ledger.Append(record); err != nil {
			e.logger.Error("append rotation record failed", zap.Error(err))
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:    events.TypeRotation,
			Pair:    slot.Pair.String(),
			Payload: record,
		})
	}

	e.rotationsToday++

	e.logger.Info("profit rotation executed",
		zap.String("pair", slot.Pair.String()),
		zap.String("profit", pnl.String()),
		zap.Int("rotations_today", e.rotationsToday))

	return nil
}

// reportDrawdown feeds portfolio drawdown into the circuit breaker.
func (e *Engine) reportDrawdown(portfolioPnl decimal.Decimal) {
	if e.breaker == nil || e.cfg.StartingCapital.LessThanOrEqual(decimal.Zero) {
		return
	}
	if portfolioPnl.GreaterThanOrEqual(decimal.Zero) {
		e.breaker.RecordDrawdown(decimal.Zero)
		return
	}

	drawdown := portfolioPnl.Neg().Div(e.cfg.StartingCapital).Mul(decimal.NewFromInt(100))
	e.breaker.RecordDrawdown(drawdown)
}
