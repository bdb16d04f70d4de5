// Package store defines the persistence interface for the ledger journal.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process runs).
package store

import (
	"context"

	"github.com/bdag/prediction-ledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// Batch is everything one ledger mutation changes. It is written
// atomically: either all of it is journaled or none of it.
type Batch struct {
	Markets   []*model.Market
	Positions []model.Position
	Trades    []model.Trade
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Apply journals a batch in a single transaction. Markets and positions
	// are upserted; trades are appended.
	Apply(ctx context.Context, b Batch) error

	// --- Restore ---

	// ListMarkets returns all markets ordered by ID.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListPositions returns every position, for restoring the ledger.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// --- Immutable trade log ---

	// GetTradesByMarket returns all trades for a market in sequence order.
	GetTradesByMarket(ctx context.Context, marketID uint64) ([]model.Trade, error)

	// GetTradesByUser returns all trades for a user, oldest first.
	GetTradesByUser(ctx context.Context, user common.Address) ([]model.Trade, error)
}
