// Package balance keeps the authoritative local ledger of available versus
// reserved funds per asset, reconciled periodically against the venue.
package balance

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridpilot/internal/events"
)

// ErrInsufficientFunds is returned when a reservation would drive the available
// balance negative. This is never bypassed, including under retry paths.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrReservationNotFound is returned for an unknown or already settled reservation.
var ErrReservationNotFound = errors.New("reservation not found")

// Reservation earmarks funds for a pending order, preventing double-spend
// before settlement.
type Reservation struct {
	ID      string
	Asset   string
	Amount  decimal.Decimal
	OrderID string
}

// DriftWarning is published when local bookkeeping and the venue snapshot
// disagree beyond tolerance.
type DriftWarning struct {
	Asset      string          `json:"asset"`
	LocalTotal decimal.Decimal `json:"local_total"`
	VenueTotal decimal.Decimal `json:"venue_total"`
}

type publisher interface {
	Publish(events.Event)
}

type assetLedger struct {
	available decimal.Decimal
	reserved  decimal.Decimal
	lastKnown decimal.Decimal
}

// Tracker is the local funds ledger. All mutations on one asset are serialized
// under the tracker mutex, so a reservation and a fill can never interleave
// inconsistently.
type Tracker struct {
	mu           sync.Mutex
	assets       map[string]*assetLedger
	reservations map[string]Reservation
	tolerance    decimal.Decimal
	bus          publisher
	logger       *zap.Logger
}

// NewTracker creates an empty tracker. tolerance is the reconciliation drift
// (absolute, per asset) accepted silently during SyncWithVenue.
func NewTracker(tolerance decimal.Decimal, bus publisher, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		assets:       make(map[string]*assetLedger),
		reservations: make(map[string]Reservation),
		tolerance:    tolerance,
		bus:          bus,
		logger:       logger,
	}
}

func (t *Tracker) ledger(asset string) *assetLedger {
	l, ok := t.assets[asset]
	if !ok {
		l = &assetLedger{}
		t.assets[asset] = l
	}
	return l
}

// Reserve earmarks amount of asset for orderID.
func (t *Tracker) Reserve(asset string, amount decimal.Decimal, orderID string) (Reservation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Reservation{}, errors.Errorf("reservation amount must be positive, got %s", amount.String())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledger(asset)
	if l.available.LessThan(amount) {
		return Reservation{}, errors.Wrapf(ErrInsufficientFunds,
			"%s: requested %s, available %s", asset, amount.String(), l.available.String())
	}

	res := Reservation{
		ID:      uuid.NewString(),
		Asset:   asset,
		Amount:  amount,
		OrderID: orderID,
	}
	l.available = l.available.Sub(amount)
	l.reserved = l.reserved.Add(amount)
	t.reservations[res.ID] = res

	return res, nil
}

// Release returns a reservation's funds to the available balance.
func (t *Tracker) Release(reservationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, ok := t.reservations[reservationID]
	if !ok {
		return errors.Wrap(ErrReservationNotFound, reservationID)
	}
	delete(t.reservations, reservationID)

	l := t.ledger(res.Asset)
	l.reserved = l.reserved.Sub(res.Amount)
	l.available = l.available.Add(res.Amount)

	return nil
}

// CommitFill settles a reservation: actualAmount+fee leaves the ledger, any
// unspent remainder returns to the available balance.
func (t *Tracker) CommitFill(reservationID string, actualAmount, fee decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, ok := t.reservations[reservationID]
	if !ok {
		return errors.Wrap(ErrReservationNotFound, reservationID)
	}
	delete(t.reservations, reservationID)

	spent := actualAmount.Add(fee)
	if spent.GreaterThan(res.Amount) {
		// venue charged more than reserved, absorb the difference from available
		t.logger.Warn("fill exceeded reservation",
			zap.String("asset", res.Asset),
			zap.String("reserved", res.Amount.String()),
			zap.String("spent", spent.String()))
	}

	l := t.ledger(res.Asset)
	l.reserved = l.reserved.Sub(res.Amount)
	leftover := res.Amount.Sub(spent)
	l.available = l.available.Add(leftover)
	if l.available.LessThan(decimal.Zero) {
		l.available = decimal.Zero
	}
	l.lastKnown = l.lastKnown.Sub(spent)
	if l.lastKnown.LessThan(decimal.Zero) {
		l.lastKnown = decimal.Zero
	}

	return nil
}

// CommitPartial settles part of a reservation in place: actualAmount+fee leaves
// the ledger while the reservation stays open for the remainder, so a later
// cancel releases only what is still unspent.
func (t *Tracker) CommitPartial(reservationID string, actualAmount, fee decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, ok := t.reservations[reservationID]
	if !ok {
		return errors.Wrap(ErrReservationNotFound, reservationID)
	}

	spent := actualAmount.Add(fee)
	take := spent
	if take.GreaterThan(res.Amount) {
		t.logger.Warn("partial fill exceeded reservation",
			zap.String("asset", res.Asset),
			zap.String("reserved", res.Amount.String()),
			zap.String("spent", spent.String()))
		take = res.Amount
	}

	res.Amount = res.Amount.Sub(take)
	t.reservations[reservationID] = res

	l := t.ledger(res.Asset)
	l.reserved = l.reserved.Sub(take)
	if excess := spent.Sub(take); excess.GreaterThan(decimal.Zero) {
		l.available = l.available.Sub(excess)
		if l.available.LessThan(decimal.Zero) {
			l.available = decimal.Zero
		}
	}
	l.lastKnown = l.lastKnown.Sub(spent)
	if l.lastKnown.LessThan(decimal.Zero) {
		l.lastKnown = decimal.Zero
	}

	return nil
}

// Credit adds newly received funds (fill proceeds) to the asset balance.
func (t *Tracker) Credit(asset string, amount decimal.Decimal) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledger(asset)
	l.available = l.available.Add(amount)
	l.lastKnown = l.lastKnown.Add(amount)
}

// SyncWithVenue reconciles the ledger against a venue balance snapshot.
// The venue is trusted as ground truth: on drift beyond tolerance a warning is
// published and local reservations are replayed against the new baseline.
func (t *Tracker) SyncWithVenue(snapshot map[string]decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reservedByAsset := make(map[string]decimal.Decimal)
	for _, res := range t.reservations {
		reservedByAsset[res.Asset] = reservedByAsset[res.Asset].Add(res.Amount)
	}

	for asset, venueTotal := range snapshot {
		l := t.ledger(asset)
		drift := l.lastKnown.Sub(venueTotal).Abs()
		if drift.GreaterThan(t.tolerance) && !l.lastKnown.IsZero() {
			t.logger.Warn("balance drift detected, trusting venue snapshot",
				zap.String("asset", asset),
				zap.String("local", l.lastKnown.String()),
				zap.String("venue", venueTotal.String()))
			if t.bus != nil {
				t.bus.Publish(events.Event{
					Type: events.TypeBalanceWarning,
					Payload: DriftWarning{
						Asset:      asset,
						LocalTotal: l.lastKnown,
						VenueTotal: venueTotal,
					},
					Timestamp: time.Now(),
				})
			}
		}

		reserved := reservedByAsset[asset]
		l.lastKnown = venueTotal
		l.reserved = reserved
		l.available = venueTotal.Sub(reserved)
		if l.available.LessThan(decimal.Zero) {
			// reservations exceed what the venue reports; they will resolve
			// through order reconciliation
			l.available = decimal.Zero
		}
	}
}

// Available returns the spendable balance of the asset.
func (t *Tracker) Available(asset string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger(asset).available
}

// Reserved returns the total amount earmarked for pending orders of the asset.
func (t *Tracker) Reserved(asset string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger(asset).reserved
}

// Total returns the last known venue balance of the asset.
func (t *Tracker) Total(asset string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger(asset).lastKnown
}

// Snapshot returns available balances per asset for status projections.
func (t *Tracker) Snapshot() map[string]decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(t.assets))
	for asset, l := range t.assets {
		out[asset] = l.available
	}
	return out
}
