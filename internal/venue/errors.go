package venue

import (
	"context"

	"github.com/pkg/errors"
)

// Error taxonomy for venue calls. Transient errors are retried with backoff,
// rejections are final and release any reserved funds.
var (
	ErrRateLimited       = errors.New("venue: rate limited")
	ErrInsufficientFunds = errors.New("venue: insufficient funds")
	ErrInvalidParams     = errors.New("venue: invalid order params")
	ErrTimeout           = errors.New("venue: request timed out")
	ErrUnavailable       = errors.New("venue: temporarily unavailable")
	ErrOrderNotFound     = errors.New("venue: order not found")
)

// IsTransient reports whether the error warrants a retry.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// IsRejection reports whether the venue refused the order outright.
// Rejections are never retried.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInvalidParams)
}
