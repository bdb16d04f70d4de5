package ledger

import (
	"errors"

	"github.com/bdag/prediction-ledger/internal/fixed"
	"github.com/bdag/prediction-ledger/internal/lmsr"
	"github.com/bdag/prediction-ledger/internal/market"
)

// Error kinds returned by the ledger. Callers match them with errors.Is;
// the returned errors wrap them with context.
var (
	ErrInvalidParameters = market.ErrInvalidParameters
	ErrNotFound          = market.ErrNotFound
	ErrOverflow          = fixed.ErrOverflow
	ErrPriceOutOfBounds  = lmsr.ErrPriceOutOfBounds

	ErrInvalidAmount   = errors.New("ledger: amount must be positive")
	ErrMarketNotActive = errors.New("ledger: market is not active")
	ErrTooEarly        = errors.New("ledger: resolution time not reached")
	ErrUnauthorized    = errors.New("ledger: caller is not the market resolver")
	ErrAlreadyResolved = errors.New("ledger: market already resolved")
	ErrNotResolved     = errors.New("ledger: market not resolved")
	ErrAlreadyClaimed  = errors.New("ledger: payout already claimed")
	ErrNoPosition      = errors.New("ledger: no position in market")
)
