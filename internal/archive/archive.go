// Package archive uploads a permanent record of every resolved market to
// blob storage: the final market state with its settlement and positions,
// and the market's full trade log as JSONL.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/bdag/prediction-ledger/internal/model"
)

// BlobWriter stores an object under a key.
type BlobWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}

// TradeLister supplies a market's trade log. store.Store satisfies it.
type TradeLister interface {
	GetTradesByMarket(ctx context.Context, marketID uint64) ([]model.Trade, error)
}

// Snapshot is the settlement document written for a resolved market.
type Snapshot struct {
	Market     model.Market     `json:"market"`
	Positions  []model.Position `json:"positions"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// Archiver is an events.Notifier that reacts to market_resolved.
type Archiver struct {
	writer BlobWriter
	trades TradeLister
	prefix string
	logger *slog.Logger
}

// New creates an archiver writing under prefix. trades may be nil, in which
// case only the settlement snapshot is written.
func New(w BlobWriter, trades TradeLister, prefix string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{writer: w, trades: trades, prefix: prefix, logger: logger}
}

func (a *Archiver) Notify(ctx context.Context, ev model.Event) error {
	if ev.Type != model.EventMarketResolved || ev.Market == nil {
		return nil
	}

	snap := Snapshot{
		Market:     *ev.Market,
		Positions:  ev.Positions,
		ArchivedAt: time.Now().UTC(),
	}
	if snap.Positions == nil {
		snap.Positions = []model.Position{}
	}
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode market %d: %w", ev.MarketID, err)
	}
	key := a.key(ev.MarketID, "settlement.json")
	if err := a.writer.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}

	if a.trades != nil {
		trades, err := a.trades.GetTradesByMarket(ctx, ev.MarketID)
		if err != nil {
			return fmt.Errorf("archive: trades of market %d: %w", ev.MarketID, err)
		}
		buf, err := marshalJSONL(trades)
		if err != nil {
			return fmt.Errorf("archive: encode trades: %w", err)
		}
		tkey := a.key(ev.MarketID, "trades.jsonl")
		if err := a.writer.Put(ctx, tkey, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return fmt.Errorf("archive: upload %s: %w", tkey, err)
		}
	}

	a.logger.Info("market archived", "market_id", ev.MarketID, "key", key)
	return nil
}

// key builds the object key for a market file:
//
//	{prefix}/markets/42/settlement.json
func (a *Archiver) key(marketID uint64, name string) string {
	return path.Join(a.prefix, "markets", fmt.Sprint(marketID), name)
}

func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
