// Package circuit implements the safety gate that halts trading after repeated
// failures or excessive drawdown until a cooldown and a successful probe.
package circuit

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridpilot/internal/events"
)

// ErrTradingHalted is returned by Allow while the breaker blocks mutating calls.
var ErrTradingHalted = errors.New("circuit breaker open, trading halted")

// State is the breaker state.
type State int

const (
	// StateClosed allows trading.
	StateClosed State = iota
	// StateOpen blocks all trading-affecting calls.
	StateOpen
	// StateHalfOpen permits exactly one probe operation after cooldown.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Transition is the payload published on every state change.
type Transition struct {
	From                State           `json:"-"`
	To                  State           `json:"-"`
	FromState           string          `json:"from"`
	ToState             string          `json:"to"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	DrawdownPercent     decimal.Decimal `json:"drawdown_percent"`
}

type publisher interface {
	Publish(events.Event)
}

// Config holds breaker thresholds.
type Config struct {
	// MaxFailures trips the breaker on this many consecutive failures.
	MaxFailures int
	// MaxDrawdownPercent trips the breaker when drawdown reaches this level.
	MaxDrawdownPercent decimal.Decimal
	// Cooldown is the wait before a probe is permitted.
	Cooldown time.Duration
	// CooldownGrowth multiplies the cooldown after each failed probe.
	CooldownGrowth float64
	// MaxCooldown caps cooldown growth.
	MaxCooldown time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures:        5,
		MaxDrawdownPercent: decimal.NewFromInt(10),
		Cooldown:           2 * time.Minute,
		CooldownGrowth:     2.0,
		MaxCooldown:        30 * time.Minute,
	}
}

// Breaker tracks consecutive failures and drawdown and gates every mutating
// venue action. Read-only status queries bypass it.
type Breaker struct {
	mu sync.Mutex

	cfg             Config
	state           State
	failures        int
	drawdownPercent decimal.Decimal
	openedAt        time.Time
	cooldown        time.Duration
	probeInFlight   bool
	probeStartedAt  time.Time

	now    func() time.Time
	bus    publisher
	logger *zap.Logger
}

// New creates a breaker in the Closed state.
func New(cfg Config, bus publisher, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.CooldownGrowth < 1 {
		cfg.CooldownGrowth = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
		bus:      bus,
		logger:   logger,
	}
}

// Allow reports whether a mutating action may proceed. In HalfOpen exactly one
// caller is admitted as the probe; its outcome decides the next state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrTradingHalted
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		b.probeStartedAt = b.now()
		return nil
	case StateHalfOpen:
		if b.probeInFlight && b.now().Sub(b.probeStartedAt) < b.cooldown {
			return ErrTradingHalted
		}
		// either no probe is in flight or its owner never reported back;
		// reclaim the admission so the breaker cannot wedge half-open
		b.probeInFlight = true
		b.probeStartedAt = b.now()
		return nil
	}
	return nil
}

// Halted reports whether mutating calls are currently blocked. Unlike Allow it
// never consumes the half-open probe admission, so callers may use it as a
// pre-check without starving the layer that performs the venue call.
func (b *Breaker) Halted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return b.now().Sub(b.openedAt) < b.cooldown
	case StateHalfOpen:
		return b.probeInFlight && b.now().Sub(b.probeStartedAt) < b.cooldown
	}
	return false
}

// RecordSuccess resets failure counting; a successful probe closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.cooldown = b.cfg.Cooldown
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failed mutating call. Trips the breaker on threshold;
// a failed probe reopens with a grown cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.growCooldown()
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

// RecordDrawdown updates the observed portfolio drawdown and trips the breaker
// when it reaches the configured maximum.
func (b *Breaker) RecordDrawdown(percent decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.drawdownPercent = percent

	if b.state == StateClosed && !b.cfg.MaxDrawdownPercent.IsZero() &&
		percent.GreaterThanOrEqual(b.cfg.MaxDrawdownPercent) {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) growCooldown() {
	grown := time.Duration(float64(b.cooldown) * b.cfg.CooldownGrowth)
	if b.cfg.MaxCooldown > 0 && grown > b.cfg.MaxCooldown {
		grown = b.cfg.MaxCooldown
	}
	b.cooldown = grown
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to

	b.logger.Warn("circuit breaker transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", b.failures),
		zap.String("drawdown_percent", b.drawdownPercent.String()))

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type: events.TypeCircuit,
			Payload: Transition{
				From:                from,
				To:                  to,
				FromState:           from.String(),
				ToState:             to.String(),
				ConsecutiveFailures: b.failures,
				DrawdownPercent:     b.drawdownPercent,
			},
		})
	}
}
