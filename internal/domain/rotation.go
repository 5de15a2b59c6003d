package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RotationRecord is an append-only audit entry for a capital rotation.
type RotationRecord struct {
	FromPair       string          `json:"from_pair"`
	ToPair         string          `json:"to_pair,omitempty"`
	ProfitRealized decimal.Decimal `json:"profit_realized"`
	Timestamp      time.Time       `json:"ts"`
}
